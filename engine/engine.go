// Package engine wires the session manager, delivery queue, vault and
// transport into the outbound and inbound message pipelines.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"pqchat/crypto"
	"pqchat/network"
	"pqchat/queue"
	"pqchat/session"
	"pqchat/storage"
	"pqchat/vault"
)

// DefaultMaintenanceInterval is how often expired sessions are dropped.
const DefaultMaintenanceInterval = 10 * time.Minute

var (
	// ErrReplay indicates an inbound message ID was already processed.
	ErrReplay = errors.New("engine: replayed message")
	// ErrMisrouted indicates an envelope addressed to someone else or
	// claiming a sender other than the delivering peer.
	ErrMisrouted = errors.New("engine: misrouted envelope")
	// ErrUnknownPeer indicates the key directory has no keys for a peer.
	ErrUnknownPeer = errors.New("engine: unknown peer")
)

// Identity is the local user's key material.
type Identity struct {
	ID         string
	KEM        *crypto.KEMKeyPair
	SigningKey crypto.SigningKeys
}

// Options configures an Engine. Identity, Directory, Transport, Vault and
// Store are required.
type Options struct {
	Identity  Identity
	Directory KeyDirectory
	Transport network.Transport
	Vault     *vault.Vault
	Store     *storage.Store
	Sessions  *session.Manager
	// Outbox makes queued messages survive a restart when set.
	Outbox              queue.Outbox
	SessionTTL          time.Duration
	MaxRetries          int
	RetryBaseDelay      time.Duration
	DispatchRate        int
	MaintenanceInterval time.Duration
	Observer            Observer
	Clock               clock.Clock
	Logger              logrus.FieldLogger
}

// Engine sends and receives encrypted messages.
type Engine struct {
	identity    Identity
	directory   KeyDirectory
	transport   network.Transport
	vault       *vault.Vault
	store       *storage.Store
	sessions    *session.Manager
	queue       *queue.Queue
	observer    Observer
	sessionTTL  time.Duration
	maintenance time.Duration
	clock       clock.Clock
	log         logrus.FieldLogger

	// delivered tracks recipients already reached per temp ID so a retry
	// only targets the ones that failed.
	mu        sync.Mutex
	delivered map[string]map[string]struct{}
}

// New builds an Engine. The vault's conflict handler is routed to the observer.
func New(opts Options) (*Engine, error) {
	if opts.Identity.ID == "" || opts.Identity.KEM == nil || !opts.Identity.SigningKey.Valid() {
		return nil, errors.New("engine: identity with KEM and signing keys is required")
	}
	if opts.Directory == nil {
		return nil, errors.New("engine: key directory is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	if opts.Vault == nil || opts.Store == nil {
		return nil, errors.New("engine: vault and store are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Observer == nil {
		opts.Observer = ObserverFuncs{}
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.Sessions == nil {
		sessions, err := session.NewManager(session.Options{
			TTL:    opts.SessionTTL,
			Clock:  opts.Clock,
			Logger: opts.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		opts.Sessions = sessions
	}

	e := &Engine{
		identity:    opts.Identity,
		directory:   opts.Directory,
		transport:   opts.Transport,
		vault:       opts.Vault,
		store:       opts.Store,
		sessions:    opts.Sessions,
		observer:    opts.Observer,
		sessionTTL:  opts.SessionTTL,
		maintenance: opts.MaintenanceInterval,
		clock:       opts.Clock,
		log:         opts.Logger.WithField("component", "engine"),
		delivered:   make(map[string]map[string]struct{}),
	}
	e.queue = queue.New(queue.Options{
		MaxRetries:   opts.MaxRetries,
		BaseDelay:    opts.RetryBaseDelay,
		DispatchRate: opts.DispatchRate,
		Clock:        opts.Clock,
		Listener:     e,
		Outbox:       opts.Outbox,
		Logger:       opts.Logger,
	})
	e.vault.SetConflictHandler(e.observer.OnSyncConflict)
	return e, nil
}

// Queue exposes the delivery queue for inspection.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}

// Vault returns the engine's vault.
func (e *Engine) Vault() *vault.Vault {
	return e.vault
}

// Run restores the outbox, then dispatches queued messages and handles
// inbound payloads until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if n, err := e.queue.Restore(); err != nil {
		return err
	} else if n > 0 {
		e.log.WithField("count", n).Info("Resuming queued deliveries")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.queue.Run(ctx, queue.SenderFunc(e.deliver))
	})
	g.Go(func() error {
		return e.receiveLoop(ctx)
	})
	g.Go(func() error {
		return e.maintenanceLoop(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) receiveLoop(ctx context.Context) error {
	inbound := e.transport.Receive()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok := <-inbound:
			if !ok {
				e.log.Info("Transport closed, inbound loop stopped")
				return nil
			}
			if _, err := e.HandleInbound(ctx, in.Payload, in.PeerID); err != nil {
				e.log.WithFields(logrus.Fields{
					"peer":  in.PeerID,
					"error": err.Error(),
				}).Warn("Dropped inbound payload")
			}
		}
	}
}

func (e *Engine) maintenanceLoop(ctx context.Context) error {
	ticker := e.clock.Ticker(e.maintenance)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sessions.CleanupExpired()
		}
	}
}

func (e *Engine) securityEvent(eventType, peerID, severity string, cause error, fields map[string]string) {
	details := map[string]string{"error": cause.Error()}
	for k, v := range fields {
		details[k] = v
	}
	encoded, _ := json.Marshal(details)

	event := storage.SecurityEvent{
		EventType: eventType,
		Details:   string(encoded),
		Severity:  severity,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	if peerID != "" {
		event.PeerID = &peerID
	}
	if id := fields["message_id"]; id != "" {
		event.MessageID = &id
	}
	if err := e.store.LogSecurityEvent(event); err != nil {
		e.log.WithError(err).WithField("event_type", eventType).Warn("Failed to record security event")
	}
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) markDelivered(tempID, recipientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.delivered[tempID]
	if !ok {
		set = make(map[string]struct{})
		e.delivered[tempID] = set
	}
	set[recipientID] = struct{}{}
}

func (e *Engine) alreadyDelivered(tempID, recipientID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.delivered[tempID][recipientID]
	return ok
}

func (e *Engine) forgetDelivered(tempID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.delivered, tempID)
}

var _ queue.Listener = (*Engine)(nil)
