package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// AppendSyncOp records a pending replication operation for a message.
func (s *Store) AppendSyncOp(messageID, operation string, createdAt int64) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if err := validateSyncOperation(operation); err != nil {
		return err
	}
	if createdAt == 0 {
		createdAt = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO sync_queue (message_id, operation, created_at) VALUES (?, ?, ?)`,
		messageID,
		operation,
		createdAt,
	); err != nil {
		return dbError(fmt.Sprintf("append sync op for %q", messageID), err)
	}
	return nil
}

// PendingSyncOps returns queued sync operations in insertion order.
func (s *Store) PendingSyncOps(limit int) ([]SyncOp, error) {
	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.Query(
		`SELECT id, message_id, operation, created_at FROM sync_queue ORDER BY id ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, dbError("list sync ops", err)
	}
	defer rows.Close()

	ops := make([]SyncOp, 0)
	for rows.Next() {
		var op SyncOp
		if err := rows.Scan(&op.ID, &op.MessageID, &op.Operation, &op.CreatedAt); err != nil {
			return nil, dbError("scan sync op", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate sync ops", err)
	}
	return ops, nil
}

// AcknowledgeSyncOps removes replicated operations and purges tombstones
// that no longer have pending operations.
func (s *Store) AcknowledgeSyncOps(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	return s.withTx("acknowledge sync ops", func(tx *sql.Tx) error {
		args := make([]any, 0, len(ids))
		for _, id := range ids {
			args = append(args, id)
		}
		if _, err := tx.Exec(`DELETE FROM sync_queue WHERE id IN (`+placeholders(len(ids))+`)`, args...); err != nil {
			return dbError("delete acknowledged sync ops", err)
		}
		if _, err := tx.Exec(
			`DELETE FROM messages
			WHERE deleted = 1 AND message_id NOT IN (SELECT message_id FROM sync_queue)`,
		); err != nil {
			return dbError("purge replicated tombstones", err)
		}
		return nil
	})
}

// CountSyncOps returns the number of unreplicated operations.
func (s *Store) CountSyncOps() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM sync_queue`).Scan(&count); err != nil {
		return 0, dbError("count sync ops", err)
	}
	return count, nil
}

// HasPendingSync reports whether a message has unreplicated operations.
func (s *Store) HasPendingSync(messageID string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM sync_queue WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, dbError(fmt.Sprintf("check pending sync for %q", messageID), err)
	}
	return exists == 1, nil
}

// SaveConflict stores a conflict deferred to manual resolution.
func (s *Store) SaveConflict(record ConflictRecord) error {
	if record.ConflictID == "" || record.MessageID == "" {
		return errors.New("conflict_id and message_id are required")
	}
	if record.DetectedAt == 0 {
		record.DetectedAt = nowUnixMilli()
	}

	if _, err := s.db.Exec(
		`INSERT INTO sync_conflicts (conflict_id, message_id, conflict_types, local_payload, remote_payload, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.ConflictID,
		record.MessageID,
		record.ConflictTypes,
		record.LocalPayload,
		record.RemotePayload,
		record.DetectedAt,
	); err != nil {
		return dbError(fmt.Sprintf("save conflict %q", record.ConflictID), err)
	}
	return nil
}

// GetConflict fetches one stored conflict.
func (s *Store) GetConflict(conflictID string) (*ConflictRecord, error) {
	row := s.db.QueryRow(
		`SELECT conflict_id, message_id, conflict_types, local_payload, remote_payload, detected_at, resolved_at, resolution
		FROM sync_conflicts WHERE conflict_id = ?`,
		conflictID,
	)
	record, err := scanConflict(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(fmt.Sprintf("get conflict %q", conflictID), err)
	}
	return record, nil
}

// PendingConflicts returns unresolved conflicts, oldest first.
func (s *Store) PendingConflicts() ([]ConflictRecord, error) {
	rows, err := s.db.Query(
		`SELECT conflict_id, message_id, conflict_types, local_payload, remote_payload, detected_at, resolved_at, resolution
		FROM sync_conflicts WHERE resolved_at IS NULL ORDER BY detected_at ASC, conflict_id`,
	)
	if err != nil {
		return nil, dbError("list pending conflicts", err)
	}
	defer rows.Close()

	records := make([]ConflictRecord, 0)
	for rows.Next() {
		record, err := scanConflict(rows)
		if err != nil {
			return nil, dbError("scan conflict row", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate conflict rows", err)
	}
	return records, nil
}

// MarkConflictResolved records how a conflict was settled.
func (s *Store) MarkConflictResolved(conflictID, resolution string, resolvedAt int64) error {
	res, err := s.db.Exec(
		`UPDATE sync_conflicts SET resolved_at = ?, resolution = ? WHERE conflict_id = ? AND resolved_at IS NULL`,
		resolvedAt,
		resolution,
		conflictID,
	)
	if err != nil {
		return dbError(fmt.Sprintf("resolve conflict %q", conflictID), err)
	}
	return requireAffected(res, conflictID)
}

func scanConflict(row scanner) (*ConflictRecord, error) {
	var (
		record     ConflictRecord
		resolvedAt sql.NullInt64
		resolution sql.NullString
	)
	if err := row.Scan(
		&record.ConflictID,
		&record.MessageID,
		&record.ConflictTypes,
		&record.LocalPayload,
		&record.RemotePayload,
		&record.DetectedAt,
		&resolvedAt,
		&resolution,
	); err != nil {
		return nil, err
	}
	record.ResolvedAt = int64Ptr(resolvedAt)
	if resolution.Valid {
		record.Resolution = resolution.String
	}
	return &record, nil
}
