package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
)

const inboundBuffer = 64

var (
	// ErrPeerUnreachable indicates the peer is not attached or offline.
	ErrPeerUnreachable = errors.New("network: peer unreachable")
	// ErrTransportClosed indicates the transport was closed.
	ErrTransportClosed = errors.New("network: transport closed")
)

// Inbound is one frame payload received from a peer.
type Inbound struct {
	PeerID  string
	Payload []byte
}

// Transport moves opaque envelope payloads between peers. The physical
// medium is supplied by the embedding application.
type Transport interface {
	Send(ctx context.Context, peerID string, payload []byte) error
	Receive() <-chan Inbound
	Close() error
}

// MemoryHub connects MemoryTransports in one process. It is used by tests
// and by the CLI loopback mode.
type MemoryHub struct {
	mu    sync.RWMutex
	peers map[string]*MemoryTransport
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{peers: make(map[string]*MemoryTransport)}
}

// Join registers peerID on the hub and returns its transport. Joining an
// existing peer ID replaces the previous transport.
func (h *MemoryHub) Join(peerID string) *MemoryTransport {
	t := &MemoryTransport{
		hub:     h,
		peerID:  peerID,
		inbound: make(chan Inbound, inboundBuffer),
		closed:  make(chan struct{}),
		online:  true,
	}

	h.mu.Lock()
	old := h.peers[peerID]
	h.peers[peerID] = t
	h.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return t
}

func (h *MemoryHub) lookup(peerID string) *MemoryTransport {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[peerID]
}

func (h *MemoryHub) leave(t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.peers[t.peerID] == t {
		delete(h.peers, t.peerID)
	}
}

// MemoryTransport is one peer's endpoint on a MemoryHub. Payloads pass
// through WriteFrame/ReadFrame so size limits match stream transports.
type MemoryTransport struct {
	hub     *MemoryHub
	peerID  string
	inbound chan Inbound

	mu     sync.RWMutex
	online bool

	closeOnce sync.Once
	closed    chan struct{}
}

// PeerID returns the identity this endpoint joined with.
func (t *MemoryTransport) PeerID() string {
	return t.peerID
}

// SetOnline toggles reachability. Sends to or from an offline endpoint fail
// with ErrPeerUnreachable.
func (t *MemoryTransport) SetOnline(online bool) {
	t.mu.Lock()
	t.online = online
	t.mu.Unlock()
}

func (t *MemoryTransport) isOnline() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.online
}

// Send delivers payload to peerID's inbound channel.
func (t *MemoryTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if !t.isOnline() {
		return fmt.Errorf("%w: %s is offline", ErrPeerUnreachable, t.peerID)
	}

	target := t.hub.lookup(peerID)
	if target == nil || !target.isOnline() {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peerID)
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, payload); err != nil {
		return err
	}
	frame, err := ReadFrame(&buf)
	if err != nil {
		return err
	}

	select {
	case target.inbound <- Inbound{PeerID: t.peerID, Payload: frame}:
		return nil
	case <-target.closed:
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peerID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the channel of inbound payloads. It is never closed so
// readers must also watch their own context.
func (t *MemoryTransport) Receive() <-chan Inbound {
	return t.inbound
}

// Close detaches the endpoint from its hub.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.hub.leave(t)
	})
	return nil
}
