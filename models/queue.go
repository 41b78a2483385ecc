package models

import (
	"fmt"
	"time"
)

// Priority orders outbound messages; higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name to its value.
func ParsePriority(name string) (Priority, error) {
	switch name {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("invalid priority %q", name)
	}
}

// QueuedMessage wraps a not-yet-delivered message with retry bookkeeping.
type QueuedMessage struct {
	TempID         string     `json:"tempId"`
	ConversationID string     `json:"conversationId"`
	Message        *Message   `json:"message"`
	RetryCount     int        `json:"retryCount"`
	Priority       Priority   `json:"priority"`
	ScheduledAt    *time.Time `json:"scheduledAt,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueuedAt"`
	Sequence       uint64     `json:"sequence"`
	LastError      string     `json:"lastError,omitempty"`
}

// Ready reports whether the message may be dispatched at now.
func (q *QueuedMessage) Ready(now time.Time) bool {
	return q.ScheduledAt == nil || !q.ScheduledAt.After(now)
}
