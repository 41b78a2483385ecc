// Package queue implements the outbound delivery queue: per-conversation
// priority ordering, global dispatch, exponential-backoff retries and
// permanent-failure reporting. Every queued message ends in exactly one of
// sent or permanently failed.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"

	"pqchat/models"
)

const (
	// DefaultMaxRetries is the number of delivery attempts before permanent failure.
	DefaultMaxRetries = 3
	// DefaultBaseDelay is the first retry delay; attempt n waits base * 2^(n-1).
	DefaultBaseDelay = time.Second

	maxRetryDelay = 24 * time.Hour
)

type entryState int

const (
	stateQueued entryState = iota
	stateInFlight
	stateWaitingRetry
)

type entry struct {
	msg   models.QueuedMessage
	state entryState
	timer *clock.Timer
}

// Options configures a Queue. Zero values select defaults.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	// DispatchRate caps Run dispatches per second; zero means unlimited.
	DispatchRate int
	Clock        clock.Clock
	Listener     Listener
	Outbox       Outbox
	Logger       logrus.FieldLogger
}

// Queue holds outbound messages until they are sent or permanently fail.
type Queue struct {
	maxRetries int
	baseDelay  time.Duration
	clock      clock.Clock
	listener   Listener
	outbox     Outbox
	limiter    ratelimit.Limiter
	log        logrus.FieldLogger

	mu            sync.Mutex
	conversations map[string][]*entry
	byTempID      map[string]*entry
	seq           uint64
	wake          chan struct{}
}

// New builds a Queue from opts.
func New(opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Listener == nil {
		opts.Listener = ListenerFuncs{}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	limiter := ratelimit.NewUnlimited()
	if opts.DispatchRate > 0 {
		limiter = ratelimit.New(opts.DispatchRate)
	}

	return &Queue{
		maxRetries:    opts.MaxRetries,
		baseDelay:     opts.BaseDelay,
		clock:         opts.Clock,
		listener:      opts.Listener,
		outbox:        opts.Outbox,
		limiter:       limiter,
		log:           opts.Logger.WithField("component", "queue"),
		conversations: make(map[string][]*entry),
		byTempID:      make(map[string]*entry),
		wake:          make(chan struct{}, 1),
	}
}

// RetryDelay returns the wait before retry attempt n (n >= 1).
func (q *Queue) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxRetryDelay
	b.MaxElapsedTime = 0
	b.Clock = q.clock
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Restore reloads entries persisted in the outbox. Entries that were waiting
// for a retry become immediately dispatchable.
func (q *Queue) Restore() (int, error) {
	if q.outbox == nil {
		return 0, nil
	}
	stored, err := q.outbox.LoadQueued()
	if err != nil {
		return 0, fmt.Errorf("restore queue: %w", err)
	}

	q.mu.Lock()
	restored := 0
	for _, msg := range stored {
		if _, exists := q.byTempID[msg.TempID]; exists {
			continue
		}
		if msg.Sequence >= q.seq {
			q.seq = msg.Sequence + 1
		}
		q.insertLocked(&entry{msg: msg, state: stateQueued})
		restored++
	}
	q.mu.Unlock()

	if restored > 0 {
		q.signal()
		q.log.WithField("count", restored).Info("Restored queued messages from outbox")
	}
	return restored, nil
}

// QueueMessage adds message to the conversation's queue and returns its temp ID.
func (q *Queue) QueueMessage(message *models.Message, conversationID string, priority models.Priority, scheduledAt *time.Time) (string, error) {
	if message == nil {
		return "", errors.New("message is required")
	}
	if conversationID == "" {
		return "", errors.New("conversation id is required")
	}
	if priority < models.PriorityLow || priority > models.PriorityUrgent {
		return "", fmt.Errorf("invalid priority %d", priority)
	}

	q.mu.Lock()
	msg := models.QueuedMessage{
		TempID:         uuid.NewString(),
		ConversationID: conversationID,
		Message:        message.Clone(),
		Priority:       priority,
		ScheduledAt:    scheduledAt,
		EnqueuedAt:     q.clock.Now(),
		Sequence:       q.seq,
	}
	q.seq++
	if q.outbox != nil {
		if err := q.outbox.SaveQueued(msg); err != nil {
			q.mu.Unlock()
			return "", fmt.Errorf("persist queued message: %w", err)
		}
	}
	q.insertLocked(&entry{msg: msg, state: stateQueued})
	q.mu.Unlock()

	q.signal()
	q.log.WithFields(logrus.Fields{
		"temp_id":      msg.TempID,
		"conversation": conversationID,
		"priority":     priority.String(),
	}).Debug("Queued message")
	return msg.TempID, nil
}

// Next dispatches the globally highest-priority ready message, ties broken
// by enqueue order. The message stays owned by the queue until it is marked
// sent or failed.
func (q *Queue) Next() (models.QueuedMessage, bool) {
	msg, ok, _ := q.next()
	return msg, ok
}

func (q *Queue) next() (models.QueuedMessage, bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var (
		best     *entry
		earliest time.Time
	)
	for _, entries := range q.conversations {
		for _, e := range entries {
			if e.state != stateQueued {
				continue
			}
			if !e.msg.Ready(now) {
				if earliest.IsZero() || e.msg.ScheduledAt.Before(earliest) {
					earliest = *e.msg.ScheduledAt
				}
				continue
			}
			if best == nil || before(e, best) {
				best = e
			}
			// Entries are sorted, so the first ready one is this conversation's head.
			break
		}
	}

	if best == nil {
		wait := time.Duration(-1)
		if !earliest.IsZero() {
			wait = earliest.Sub(now)
		}
		return models.QueuedMessage{}, false, wait
	}
	best.state = stateInFlight
	return copyQueued(best.msg), true, 0
}

// MarkMessageSent removes a dispatched message and cancels any retry timer.
func (q *Queue) MarkMessageSent(tempID, finalID string) error {
	q.mu.Lock()
	e, ok := q.byTempID[tempID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotQueued, tempID)
	}
	q.removeLocked(e)
	q.mu.Unlock()

	storeErr := q.deleteFromOutbox(tempID)
	q.log.WithFields(logrus.Fields{
		"temp_id":  tempID,
		"final_id": finalID,
	}).Debug("Message sent")
	q.listener.MessageSent(copyQueued(e.msg), finalID)
	return storeErr
}

// MarkMessageFailed records a delivery failure. Below MaxRetries a retry is
// scheduled after RetryDelay(retryCount); otherwise the message is removed
// and the listener receives the terminal error wrapped in ErrRetryExhausted.
func (q *Queue) MarkMessageFailed(tempID string, cause error) error {
	if cause == nil {
		cause = errors.New("unspecified delivery failure")
	}

	q.mu.Lock()
	e, ok := q.byTempID[tempID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotQueued, tempID)
	}
	e.msg.RetryCount++
	e.msg.LastError = cause.Error()

	if e.msg.RetryCount >= q.maxRetries || IsPermanent(cause) {
		q.removeLocked(e)
		q.mu.Unlock()

		storeErr := q.deleteFromOutbox(tempID)
		terminal := fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, e.msg.RetryCount, cause)
		q.log.WithFields(logrus.Fields{
			"temp_id":      tempID,
			"conversation": e.msg.ConversationID,
			"attempts":     e.msg.RetryCount,
			"error":        cause.Error(),
		}).Warn("Message permanently failed")
		q.listener.MessagePermanentlyFailed(copyQueued(e.msg), terminal)
		return storeErr
	}

	delay := q.RetryDelay(e.msg.RetryCount)
	e.state = stateWaitingRetry
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = q.clock.AfterFunc(delay, func() { q.retryReady(tempID) })
	snapshot := copyQueued(e.msg)
	var storeErr error
	if q.outbox != nil {
		storeErr = q.outbox.SaveQueued(snapshot)
	}
	q.mu.Unlock()

	q.log.WithFields(logrus.Fields{
		"temp_id": tempID,
		"attempt": snapshot.RetryCount,
		"delay":   delay,
		"error":   cause.Error(),
	}).Warn("Delivery failed, retry scheduled")
	q.listener.MessageRetryScheduled(snapshot, delay)
	if storeErr != nil {
		return fmt.Errorf("persist retry state: %w", storeErr)
	}
	return nil
}

// RemoveMessage cancels a queued message and any pending retry.
func (q *Queue) RemoveMessage(tempID string) bool {
	q.mu.Lock()
	e, ok := q.byTempID[tempID]
	if ok {
		q.removeLocked(e)
	}
	q.mu.Unlock()

	if ok {
		if err := q.deleteFromOutbox(tempID); err != nil {
			q.log.WithError(err).WithField("temp_id", tempID).Warn("Failed to delete removed message from outbox")
		}
	}
	return ok
}

// Pending returns a snapshot of a conversation's queue in dispatch order.
func (q *Queue) Pending(conversationID string) []models.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.conversations[conversationID]
	out := make([]models.QueuedMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyQueued(e.msg))
	}
	return out
}

// Len returns the number of messages not yet in a terminal state.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byTempID)
}

// Conversations returns how many conversations currently hold queued messages.
func (q *Queue) Conversations() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.conversations)
}

// Run dispatches ready messages to sender until ctx is cancelled. Errors
// marked Permanent fail the message immediately; others are retried.
func (q *Queue) Run(ctx context.Context, sender Sender) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, ok, wait := q.next()
		if !ok {
			if err := q.waitForWork(ctx, wait); err != nil {
				return err
			}
			continue
		}

		q.limiter.Take()
		finalID, err := sender.Send(ctx, msg)
		if err != nil {
			if markErr := q.MarkMessageFailed(msg.TempID, err); markErr != nil && !errors.Is(markErr, ErrNotQueued) {
				q.log.WithError(markErr).WithField("temp_id", msg.TempID).Error("Failed to record delivery failure")
			}
			continue
		}
		if markErr := q.MarkMessageSent(msg.TempID, finalID); markErr != nil && !errors.Is(markErr, ErrNotQueued) {
			q.log.WithError(markErr).WithField("temp_id", msg.TempID).Error("Failed to record delivery")
		}
	}
}

func (q *Queue) waitForWork(ctx context.Context, wait time.Duration) error {
	var timerC <-chan time.Time
	if wait >= 0 {
		timer := q.clock.Timer(wait)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-q.wake:
	case <-timerC:
	}
	return nil
}

func (q *Queue) retryReady(tempID string) {
	q.mu.Lock()
	e, ok := q.byTempID[tempID]
	if ok && e.state == stateWaitingRetry {
		e.state = stateQueued
		e.timer = nil
	}
	q.mu.Unlock()

	if ok {
		q.signal()
	}
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) insertLocked(e *entry) {
	convID := e.msg.ConversationID
	entries := append(q.conversations[convID], e)
	sort.SliceStable(entries, func(i, j int) bool { return before(entries[i], entries[j]) })
	q.conversations[convID] = entries
	q.byTempID[e.msg.TempID] = e
}

func (q *Queue) removeLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	delete(q.byTempID, e.msg.TempID)

	convID := e.msg.ConversationID
	entries := q.conversations[convID]
	for i, candidate := range entries {
		if candidate == e {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(q.conversations, convID)
		return
	}
	q.conversations[convID] = entries
}

func (q *Queue) deleteFromOutbox(tempID string) error {
	if q.outbox == nil {
		return nil
	}
	if err := q.outbox.DeleteQueued(tempID); err != nil {
		return fmt.Errorf("delete queued message from outbox: %w", err)
	}
	return nil
}

func before(a, b *entry) bool {
	if a.msg.Priority != b.msg.Priority {
		return a.msg.Priority > b.msg.Priority
	}
	return a.msg.Sequence < b.msg.Sequence
}

func copyQueued(msg models.QueuedMessage) models.QueuedMessage {
	msg.Message = msg.Message.Clone()
	if msg.ScheduledAt != nil {
		at := *msg.ScheduledAt
		msg.ScheduledAt = &at
	}
	return msg
}
