package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const messageColumns = `
	message_id,
	conversation_id,
	sender_id,
	message_type,
	has_attachment,
	created_at,
	updated_at,
	expires_at,
	deleted,
	payload`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// UpsertMessage inserts or replaces a message row.
func (s *Store) UpsertMessage(record MessageRecord) error {
	if err := validateMessageRecord(record); err != nil {
		return err
	}
	return upsertMessage(s.db, record)
}

// UpsertMessages writes a batch of message rows in one transaction.
func (s *Store) UpsertMessages(records []MessageRecord) error {
	for _, record := range records {
		if err := validateMessageRecord(record); err != nil {
			return err
		}
	}
	return s.withTx("upsert messages", func(tx *sql.Tx) error {
		for _, record := range records {
			if err := upsertMessage(tx, record); err != nil {
				return err
			}
		}
		return nil
	})
}

func validateMessageRecord(record MessageRecord) error {
	if record.MessageID == "" {
		return errors.New("message_id is required")
	}
	if record.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if record.SenderID == "" {
		return errors.New("sender_id is required")
	}
	if record.MessageType == "" {
		return errors.New("message_type is required")
	}
	if !record.Deleted && len(record.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

func upsertMessage(exec execer, record MessageRecord) error {
	if record.CreatedAt == 0 {
		record.CreatedAt = nowUnixMilli()
	}
	if record.UpdatedAt == 0 {
		record.UpdatedAt = record.CreatedAt
	}

	_, err := exec.Exec(
		`INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			sender_id       = excluded.sender_id,
			message_type    = excluded.message_type,
			has_attachment  = excluded.has_attachment,
			created_at      = excluded.created_at,
			updated_at      = excluded.updated_at,
			expires_at      = excluded.expires_at,
			deleted         = excluded.deleted,
			payload         = excluded.payload`,
		record.MessageID,
		record.ConversationID,
		record.SenderID,
		record.MessageType,
		boolToInt(record.HasAttachment),
		record.CreatedAt,
		record.UpdatedAt,
		nullInt64(record.ExpiresAt),
		boolToInt(record.Deleted),
		record.Payload,
	)
	if err != nil {
		return dbError(fmt.Sprintf("upsert message %q", record.MessageID), err)
	}
	return nil
}

// GetMessage fetches one message row by ID, including tombstones.
func (s *Store) GetMessage(messageID string) (*MessageRecord, error) {
	if messageID == "" {
		return nil, errors.New("message_id is required")
	}

	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID)
	record, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(fmt.Sprintf("get message %q", messageID), err)
	}
	return record, nil
}

// QueryMessages returns message rows matching q ordered by created_at
// (newest first unless q.Ascending), then message_id.
func (s *Store) QueryMessages(q MessageQuery) ([]MessageRecord, error) {
	if q.RestrictToIDs && len(q.MessageIDs) == 0 {
		return []MessageRecord{}, nil
	}

	where, args := messageWhere(q)
	query := strings.Builder{}
	query.WriteString(`SELECT ` + messageColumns + ` FROM messages`)
	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	if q.Ascending {
		query.WriteString(" ORDER BY created_at ASC, message_id ASC")
	} else {
		query.WriteString(" ORDER BY created_at DESC, message_id DESC")
	}
	if q.Limit > 0 {
		offset := q.Offset
		if offset < 0 {
			offset = 0
		}
		query.WriteString(" LIMIT ? OFFSET ?")
		args = append(args, q.Limit, offset)
	}

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, dbError("query messages", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		record, err := scanMessage(rows)
		if err != nil {
			return nil, dbError("scan message row", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate message rows", err)
	}
	return records, nil
}

// CountMessages counts rows matching q, ignoring Limit and Offset.
func (s *Store) CountMessages(q MessageQuery) (int, error) {
	if q.RestrictToIDs && len(q.MessageIDs) == 0 {
		return 0, nil
	}

	where, args := messageWhere(q)
	query := `SELECT COUNT(1) FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var count int
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, dbError("count messages", err)
	}
	return count, nil
}

func messageWhere(q MessageQuery) ([]string, []any) {
	where := make([]string, 0, 8)
	args := make([]any, 0, 8+len(q.MessageIDs)+len(q.MessageTypes))

	if !q.IncludeDeleted {
		where = append(where, "deleted = 0")
	}
	if q.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, q.ConversationID)
	}
	if q.SenderID != "" {
		where = append(where, "sender_id = ?")
		args = append(args, q.SenderID)
	}
	if len(q.MessageTypes) > 0 {
		where = append(where, "message_type IN ("+placeholders(len(q.MessageTypes))+")")
		for _, t := range q.MessageTypes {
			args = append(args, t)
		}
	}
	if q.FromTimestamp != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *q.FromTimestamp)
	}
	if q.ToTimestamp != nil {
		where = append(where, "created_at <= ?")
		args = append(args, *q.ToTimestamp)
	}
	if q.HasAttachment != nil {
		where = append(where, "has_attachment = ?")
		args = append(args, boolToInt(*q.HasAttachment))
	}
	if q.RestrictToIDs || len(q.MessageIDs) > 0 {
		where = append(where, "message_id IN ("+placeholders(len(q.MessageIDs))+")")
		for _, id := range q.MessageIDs {
			args = append(args, id)
		}
	}
	return where, args
}

// TombstoneMessage clears a message payload and flags it deleted so the
// deletion can still be replicated.
func (s *Store) TombstoneMessage(messageID string, updatedAt int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(
		`UPDATE messages SET deleted = 1, payload = NULL, updated_at = ? WHERE message_id = ?`,
		updatedAt,
		messageID,
	)
	if err != nil {
		return dbError(fmt.Sprintf("tombstone message %q", messageID), err)
	}
	return requireAffected(res, messageID)
}

// DeleteMessage removes a message row permanently.
func (s *Store) DeleteMessage(messageID string) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE message_id = ?`, messageID)
	if err != nil {
		return dbError(fmt.Sprintf("delete message %q", messageID), err)
	}
	return requireAffected(res, messageID)
}

// PruneMessages hard-deletes messages created before cutoff or whose expiry
// is at or before now, and returns the removed IDs.
func (s *Store) PruneMessages(cutoff, now int64) ([]string, error) {
	var removed []string
	err := s.withTx("prune messages", func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT message_id FROM messages
			WHERE created_at < ? OR (expires_at IS NOT NULL AND expires_at <= ?)`,
			cutoff,
			now,
		)
		if err != nil {
			return dbError("select prunable messages", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return dbError("scan prunable message", err)
			}
			removed = append(removed, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return dbError("iterate prunable messages", err)
		}
		rows.Close()

		if _, err := tx.Exec(
			`DELETE FROM messages WHERE created_at < ? OR (expires_at IS NOT NULL AND expires_at <= ?)`,
			cutoff,
			now,
		); err != nil {
			return dbError("prune messages", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func requireAffected(res sql.Result, id string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return dbError(fmt.Sprintf("read rows affected for %q", id), err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func scanMessage(row scanner) (*MessageRecord, error) {
	var (
		record        MessageRecord
		hasAttachment int
		expiresAt     sql.NullInt64
		deleted       int
	)

	if err := row.Scan(
		&record.MessageID,
		&record.ConversationID,
		&record.SenderID,
		&record.MessageType,
		&hasAttachment,
		&record.CreatedAt,
		&record.UpdatedAt,
		&expiresAt,
		&deleted,
		&record.Payload,
	); err != nil {
		return nil, err
	}

	record.HasAttachment = hasAttachment == 1
	record.ExpiresAt = int64Ptr(expiresAt)
	record.Deleted = deleted == 1
	return &record, nil
}
