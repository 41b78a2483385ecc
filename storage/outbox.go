package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"pqchat/crypto"
	"pqchat/models"
)

// Outbox persists queued outbound messages. Payloads are sealed with the
// storage key since queued messages have not reached the vault yet.
type Outbox struct {
	store      *Store
	storageKey []byte
}

// Outbox returns the durable outbox view of the store.
func (s *Store) Outbox(storageKey []byte) *Outbox {
	return &Outbox{store: s, storageKey: storageKey}
}

// SaveQueued inserts or updates a queued message.
func (o *Outbox) SaveQueued(msg models.QueuedMessage) error {
	if msg.TempID == "" {
		return errors.New("temp_id is required")
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queued message %q: %w", msg.TempID, err)
	}
	payload, err := crypto.EncryptForStorage(o.storageKey, raw)
	crypto.SecureWipe(raw)
	if err != nil {
		return fmt.Errorf("seal queued message %q: %w", msg.TempID, err)
	}

	var scheduledAt *int64
	if msg.ScheduledAt != nil {
		at := msg.ScheduledAt.UnixMilli()
		scheduledAt = &at
	}

	if _, err := o.store.db.Exec(
		`INSERT INTO outbox (temp_id, conversation_id, priority, retry_count, sequence, enqueued_at, scheduled_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(temp_id) DO UPDATE SET
			retry_count  = excluded.retry_count,
			scheduled_at = excluded.scheduled_at,
			payload      = excluded.payload`,
		msg.TempID,
		msg.ConversationID,
		int(msg.Priority),
		msg.RetryCount,
		int64(msg.Sequence),
		msg.EnqueuedAt.UnixMilli(),
		nullInt64(scheduledAt),
		payload,
	); err != nil {
		return dbError(fmt.Sprintf("save queued message %q", msg.TempID), err)
	}
	return nil
}

// DeleteQueued removes a queued message; missing rows are not an error.
func (o *Outbox) DeleteQueued(tempID string) error {
	if _, err := o.store.db.Exec(`DELETE FROM outbox WHERE temp_id = ?`, tempID); err != nil {
		return dbError(fmt.Sprintf("delete queued message %q", tempID), err)
	}
	return nil
}

// LoadQueued returns every persisted queued message in sequence order.
func (o *Outbox) LoadQueued() ([]models.QueuedMessage, error) {
	rows, err := o.store.db.Query(`SELECT temp_id, payload FROM outbox ORDER BY sequence ASC`)
	if err != nil {
		return nil, dbError("load outbox", err)
	}
	defer rows.Close()

	out := make([]models.QueuedMessage, 0)
	for rows.Next() {
		var (
			tempID  string
			payload []byte
		)
		if err := rows.Scan(&tempID, &payload); err != nil {
			return nil, dbError("scan outbox row", err)
		}
		msg, err := o.open(tempID, payload)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate outbox rows", err)
	}
	return out, nil
}

// Len returns the number of persisted queued messages.
func (o *Outbox) Len() (int, error) {
	var count int
	if err := o.store.db.QueryRow(`SELECT COUNT(1) FROM outbox`).Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, dbError("count outbox", err)
	}
	return count, nil
}

func (o *Outbox) open(tempID string, payload []byte) (models.QueuedMessage, error) {
	raw, err := crypto.DecryptFromStorage(o.storageKey, payload)
	if err != nil {
		return models.QueuedMessage{}, fmt.Errorf("open queued message %q: %w", tempID, err)
	}
	defer crypto.SecureWipe(raw)

	var msg models.QueuedMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.QueuedMessage{}, fmt.Errorf("parse queued message %q: %w", tempID, err)
	}
	return msg, nil
}
