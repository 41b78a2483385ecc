package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// UpsertConversation inserts or replaces a conversation row.
func (s *Store) UpsertConversation(record ConversationRecord) error {
	if err := validateConversationRecord(record); err != nil {
		return err
	}
	return upsertConversation(s.db, record)
}

func validateConversationRecord(record ConversationRecord) error {
	if record.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if record.ConversationType == "" {
		return errors.New("conversation_type is required")
	}
	if len(record.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func upsertConversation(exec execer, record ConversationRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = nowUnixMilli()
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}

	_, err := exec.Exec(
		`INSERT INTO conversations (conversation_id, conversation_type, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			conversation_type = excluded.conversation_type,
			updated_at        = excluded.updated_at,
			payload           = excluded.payload`,
		record.ConversationID,
		record.ConversationType,
		record.CreatedAt,
		record.UpdatedAt,
		record.Payload,
	)
	if err != nil {
		return dbError(fmt.Sprintf("upsert conversation %q", record.ConversationID), err)
	}
	return nil
}

// GetConversation fetches one conversation row.
func (s *Store) GetConversation(conversationID string) (*ConversationRecord, error) {
	if conversationID == "" {
		return nil, errors.New("conversation_id is required")
	}

	var record ConversationRecord
	err := s.db.QueryRow(
		`SELECT conversation_id, conversation_type, created_at, updated_at, payload
		FROM conversations WHERE conversation_id = ?`,
		conversationID,
	).Scan(&record.ConversationID, &record.ConversationType, &record.CreatedAt, &record.UpdatedAt, &record.Payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(fmt.Sprintf("get conversation %q", conversationID), err)
	}
	return &record, nil
}

// ListConversations returns all conversation rows, most recently updated first.
func (s *Store) ListConversations() ([]ConversationRecord, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, conversation_type, created_at, updated_at, payload
		FROM conversations ORDER BY updated_at DESC, conversation_id`,
	)
	if err != nil {
		return nil, dbError("list conversations", err)
	}
	defer rows.Close()

	records := make([]ConversationRecord, 0)
	for rows.Next() {
		var record ConversationRecord
		if err := rows.Scan(&record.ConversationID, &record.ConversationType, &record.CreatedAt, &record.UpdatedAt, &record.Payload); err != nil {
			return nil, dbError("scan conversation row", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate conversation rows", err)
	}
	return records, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Store) DeleteConversation(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation_id is required")
	}

	return s.withTx("delete conversation", func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
			return dbError(fmt.Sprintf("delete messages of conversation %q", conversationID), err)
		}
		res, err := tx.Exec(`DELETE FROM conversations WHERE conversation_id = ?`, conversationID)
		if err != nil {
			return dbError(fmt.Sprintf("delete conversation %q", conversationID), err)
		}
		return requireAffected(res, conversationID)
	})
}

// ImportConversation writes a conversation and its messages atomically.
func (s *Store) ImportConversation(conversation ConversationRecord, messages []MessageRecord) error {
	if err := validateConversationRecord(conversation); err != nil {
		return err
	}
	for _, record := range messages {
		if err := validateMessageRecord(record); err != nil {
			return err
		}
	}

	return s.withTx("import conversation", func(tx *sql.Tx) error {
		if err := upsertConversation(tx, conversation); err != nil {
			return err
		}
		for _, record := range messages {
			if err := upsertMessage(tx, record); err != nil {
				return err
			}
		}
		return nil
	})
}
