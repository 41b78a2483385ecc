package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	defaultSecurityEventLimit = 100
	maxSecurityEventLimit     = 1000
)

// LogSecurityEvent appends an event to the security log. Integrity,
// decryption, signature and replay failures land here so that they remain
// visible after the failing call has returned its error.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	switch {
	case event.Details == "":
		event.Details = "{}"
	case !json.Valid([]byte(event.Details)):
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO security_events (event_type, peer_id, message_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullString(trimmedOrNil(event.PeerID)),
		nullString(trimmedOrNil(event.MessageID)),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return dbError(fmt.Sprintf("insert security event %q", event.EventType), err)
	}
	return nil
}

// GetSecurityEvents returns matching events newest first.
func (s *Store) GetSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	where, args, err := securityEventWhere(filter)
	if err != nil {
		return nil, err
	}

	limit := filter.Limit
	switch {
	case limit <= 0:
		limit = defaultSecurityEventLimit
	case limit > maxSecurityEventLimit:
		limit = maxSecurityEventLimit
	}
	offset := max(filter.Offset, 0)

	query := `SELECT id, event_type, peer_id, message_id, details, severity, timestamp FROM security_events` +
		where + ` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.Query(query, append(args, limit, offset)...)
	if err != nil {
		return nil, dbError("get security events", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		event, err := scanSecurityEvent(rows)
		if err != nil {
			return nil, dbError("scan security event row", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("iterate security event rows", err)
	}
	return events, nil
}

// CountSecurityEvents counts events matching filter, ignoring Limit and Offset.
func (s *Store) CountSecurityEvents(filter SecurityEventFilter) (int, error) {
	where, args, err := securityEventWhere(filter)
	if err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM security_events`+where, args...).Scan(&count); err != nil {
		return 0, dbError("count security events", err)
	}
	return count, nil
}

// PruneSecurityEvents removes events recorded before cutoffTimestamp.
func (s *Store) PruneSecurityEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, dbError("prune security events", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("read rows affected for security event prune", err)
	}
	return n, nil
}

func securityEventWhere(filter SecurityEventFilter) (string, []any, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}

	if filter.Severity != "" {
		if err := validateSecuritySeverity(filter.Severity); err != nil {
			return "", nil, err
		}
		add("severity = ?", filter.Severity)
	}
	if filter.EventType != "" {
		add("event_type = ?", filter.EventType)
	}
	if filter.PeerID != "" {
		add("peer_id = ?", filter.PeerID)
	}
	if filter.MessageID != "" {
		add("message_id = ?", filter.MessageID)
	}
	if filter.FromTimestamp != nil {
		add("timestamp >= ?", *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		add("timestamp <= ?", *filter.ToTimestamp)
	}

	if len(where) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(where, " AND "), args, nil
}

func trimmedOrNil(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func scanSecurityEvent(row scanner) (*SecurityEvent, error) {
	var (
		event     SecurityEvent
		peerID    sql.NullString
		messageID sql.NullString
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&peerID,
		&messageID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}
	event.PeerID = stringPtr(peerID)
	event.MessageID = stringPtr(messageID)
	return &event, nil
}
