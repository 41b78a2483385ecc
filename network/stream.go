package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TypeHello is the first frame on a new stream connection. It names the
// dialing peer; envelope signatures authenticate everything after it.
const TypeHello = "hello"

type helloMessage struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// StreamOptions controls StreamTransport behavior. Zero values select defaults.
type StreamOptions struct {
	FrameReadTimeout  time.Duration
	FrameWriteTimeout time.Duration
	Logger            logrus.FieldLogger
}

// StreamTransport frames payloads over one net.Conn per peer. Connections
// are established by the caller and handed over with Attach.
type StreamTransport struct {
	readTimeout  time.Duration
	writeTimeout time.Duration
	log          logrus.FieldLogger

	mu    sync.RWMutex
	conns map[string]*streamConn

	inbound   chan Inbound
	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type streamConn struct {
	peerID string
	conn   net.Conn

	sendMu    sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// NewStreamTransport builds an empty StreamTransport.
func NewStreamTransport(opts StreamOptions) *StreamTransport {
	if opts.FrameReadTimeout <= 0 {
		opts.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if opts.FrameWriteTimeout <= 0 {
		opts.FrameWriteTimeout = DefaultFrameWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &StreamTransport{
		readTimeout:  opts.FrameReadTimeout,
		writeTimeout: opts.FrameWriteTimeout,
		log:          opts.Logger.WithField("component", "transport"),
		conns:        make(map[string]*streamConn),
		inbound:      make(chan Inbound, inboundBuffer),
		closed:       make(chan struct{}),
	}
}

// Attach starts reading frames from conn on behalf of peerID. A previous
// connection for the same peer is closed.
func (t *StreamTransport) Attach(peerID string, conn net.Conn) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	sc := &streamConn{peerID: peerID, conn: conn, done: make(chan struct{})}

	t.mu.Lock()
	old := t.conns[peerID]
	t.conns[peerID] = sc
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	t.wg.Add(1)
	go t.readLoop(sc)
	t.log.WithField("peer", peerID).Debug("Attached peer connection")
	return nil
}

// Detach closes the connection for peerID, if any.
func (t *StreamTransport) Detach(peerID string) {
	t.mu.Lock()
	sc := t.conns[peerID]
	delete(t.conns, peerID)
	t.mu.Unlock()

	if sc != nil {
		sc.close()
	}
}

// Connected reports whether peerID has a live connection.
func (t *StreamTransport) Connected(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.conns[peerID]
	return ok
}

// Send writes payload as one frame to peerID's connection.
func (t *StreamTransport) Send(ctx context.Context, peerID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.RLock()
	sc := t.conns[peerID]
	t.mu.RUnlock()
	if sc == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnreachable, peerID)
	}

	sc.sendMu.Lock()
	defer sc.sendMu.Unlock()

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := sc.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	defer func() {
		_ = sc.conn.SetWriteDeadline(time.Time{})
	}()

	if err := WriteFrame(sc.conn, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		t.drop(sc, err)
		return fmt.Errorf("%w: %s: %v", ErrPeerUnreachable, peerID, err)
	}
	return nil
}

// Receive returns the channel of inbound payloads from all attached peers.
func (t *StreamTransport) Receive() <-chan Inbound {
	return t.inbound
}

// Close closes every connection and waits for their read loops to exit.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		conns := t.conns
		t.conns = make(map[string]*streamConn)
		t.mu.Unlock()

		for _, sc := range conns {
			sc.close()
		}
		t.wg.Wait()
	})
	return nil
}

// Dial connects to addr, introduces selfID and attaches the connection as peerID.
func (t *StreamTransport) Dial(ctx context.Context, selfID, peerID, addr string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s at %s: %v", ErrPeerUnreachable, peerID, addr, err)
	}

	hello, err := EncodeJSON(helloMessage{Type: TypeHello, From: selfID})
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := WriteFrame(conn, hello); err != nil {
		_ = conn.Close()
		return fmt.Errorf("introduce to %s: %w", peerID, err)
	}
	_ = conn.SetWriteDeadline(time.Time{})

	return t.Attach(peerID, conn)
}

// Serve accepts connections on ln until ctx is cancelled. Each connection
// must open with a hello frame naming the remote peer.
func (t *StreamTransport) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		select {
		case <-ctx.Done():
		case <-t.closed:
		}
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-t.closed:
				return ErrTransportClosed
			default:
			}
			return fmt.Errorf("accept: %w", err)
		}
		go t.accept(conn)
	}
}

func (t *StreamTransport) accept(conn net.Conn) {
	payload, err := ReadFrameWithTimeout(conn, t.readTimeout)
	if err != nil {
		t.log.WithError(err).WithField("remote", conn.RemoteAddr().String()).Warn("Connection closed before introduction")
		_ = conn.Close()
		return
	}

	var hello helloMessage
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != TypeHello || hello.From == "" {
		t.log.WithField("remote", conn.RemoteAddr().String()).Warn("Rejected connection without introduction")
		_ = conn.Close()
		return
	}
	if err := t.Attach(hello.From, conn); err != nil {
		_ = conn.Close()
	}
}

func (t *StreamTransport) readLoop(sc *streamConn) {
	defer t.wg.Done()

	for {
		select {
		case <-sc.done:
			return
		case <-t.closed:
			return
		default:
		}

		payload, err := ReadFrameWithTimeout(sc.conn, t.readTimeout)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				t.drop(sc, nil)
				return
			}
			t.drop(sc, err)
			return
		}
		if len(payload) == 0 {
			continue
		}

		select {
		case t.inbound <- Inbound{PeerID: sc.peerID, Payload: payload}:
		case <-sc.done:
			return
		case <-t.closed:
			return
		}
	}
}

func (t *StreamTransport) drop(sc *streamConn, cause error) {
	t.mu.Lock()
	if t.conns[sc.peerID] == sc {
		delete(t.conns, sc.peerID)
	}
	t.mu.Unlock()
	sc.close()

	entry := t.log.WithField("peer", sc.peerID)
	if cause != nil {
		entry.WithError(cause).Warn("Peer connection dropped")
		return
	}
	entry.Debug("Peer connection closed")
}

func (sc *streamConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}
