package queue

import (
	"context"
	"errors"
	"time"

	"pqchat/models"
)

// ErrRetryExhausted wraps the terminal error of a message that used all retries.
var ErrRetryExhausted = errors.New("queue: retries exhausted")

// ErrNotQueued indicates the temp ID is unknown to the queue.
var ErrNotQueued = errors.New("queue: message not queued")

// Listener observes terminal and retry transitions. A queue has exactly one
// listener; calls are made outside the queue lock, one at a time per transition.
type Listener interface {
	MessageSent(msg models.QueuedMessage, finalID string)
	MessageRetryScheduled(msg models.QueuedMessage, delay time.Duration)
	MessagePermanentlyFailed(msg models.QueuedMessage, err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	OnSent              func(msg models.QueuedMessage, finalID string)
	OnRetryScheduled    func(msg models.QueuedMessage, delay time.Duration)
	OnPermanentlyFailed func(msg models.QueuedMessage, err error)
}

func (f ListenerFuncs) MessageSent(msg models.QueuedMessage, finalID string) {
	if f.OnSent != nil {
		f.OnSent(msg, finalID)
	}
}

func (f ListenerFuncs) MessageRetryScheduled(msg models.QueuedMessage, delay time.Duration) {
	if f.OnRetryScheduled != nil {
		f.OnRetryScheduled(msg, delay)
	}
}

func (f ListenerFuncs) MessagePermanentlyFailed(msg models.QueuedMessage, err error) {
	if f.OnPermanentlyFailed != nil {
		f.OnPermanentlyFailed(msg, err)
	}
}

// Outbox persists queue entries so pending deliveries survive a restart.
type Outbox interface {
	SaveQueued(msg models.QueuedMessage) error
	DeleteQueued(tempID string) error
	LoadQueued() ([]models.QueuedMessage, error)
}

// Sender delivers one dispatched message and returns its final message ID.
type Sender interface {
	Send(ctx context.Context, msg models.QueuedMessage) (string, error)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg models.QueuedMessage) (string, error)

func (f SenderFunc) Send(ctx context.Context, msg models.QueuedMessage) (string, error) {
	return f(ctx, msg)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable, e.g. a cryptographic failure that
// would repeat with the same key material.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
