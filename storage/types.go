package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrStorage marks failures of the underlying database.
	ErrStorage = errors.New("storage: database failure")
)

const (
	// SyncOpCreate records a newly stored message awaiting sync.
	SyncOpCreate = "create"
	// SyncOpUpdate records a modified message awaiting sync.
	SyncOpUpdate = "update"
	// SyncOpDelete records a tombstoned message awaiting sync.
	SyncOpDelete = "delete"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

const (
	SecurityEventIntegrityFailure  = "integrity_check_failed"
	SecurityEventDecryptionFailure = "decryption_failed"
	SecurityEventSignatureInvalid  = "signature_verification_failed"
	SecurityEventReplayRejected    = "replay_rejected"
	SecurityEventImportRejected    = "import_rejected"
)

// ConversationRecord is the SQLite row of a conversation. Payload holds the
// storage-encrypted conversation document.
type ConversationRecord struct {
	ConversationID   string
	ConversationType string
	CreatedAt        int64
	UpdatedAt        int64
	Payload          []byte
}

// MessageRecord is the SQLite row of a message. Only routing columns are
// stored in the clear; Payload holds the storage-encrypted message document.
type MessageRecord struct {
	MessageID      string
	ConversationID string
	SenderID       string
	MessageType    string
	HasAttachment  bool
	CreatedAt      int64
	UpdatedAt      int64
	ExpiresAt      *int64
	Deleted        bool
	Payload        []byte
}

// MessageQuery narrows QueryMessages results.
type MessageQuery struct {
	ConversationID string
	SenderID       string
	MessageTypes   []string
	FromTimestamp  *int64
	ToTimestamp    *int64
	HasAttachment  *bool
	MessageIDs     []string
	// RestrictToIDs applies MessageIDs even when it is empty, matching nothing.
	RestrictToIDs  bool
	IncludeDeleted bool
	Ascending      bool
	Limit          int
	Offset         int
}

// SyncOp is one pending replication operation.
type SyncOp struct {
	ID        int64
	MessageID string
	Operation string
	CreatedAt int64
}

// ConflictRecord stores a sync conflict awaiting manual resolution.
type ConflictRecord struct {
	ConflictID    string
	MessageID     string
	ConflictTypes string
	LocalPayload  []byte
	RemotePayload []byte
	DetectedAt    int64
	ResolvedAt    *int64
	Resolution    string
}

// SecurityEvent is one row of the security log. Details is a JSON object.
type SecurityEvent struct {
	ID        int64
	EventType string
	PeerID    *string
	MessageID *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows GetSecurityEvents query results.
type SecurityEventFilter struct {
	EventType     string
	PeerID        string
	MessageID     string
	Severity      string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateSyncOperation(op string) error {
	switch op {
	case SyncOpCreate, SyncOpUpdate, SyncOpDelete:
		return nil
	default:
		return fmt.Errorf("invalid sync operation %q", op)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func dbError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
