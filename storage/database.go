package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data directory.
	DefaultDBFileName = "pqchat.db"
	// DefaultCheckpointInterval is how often the WAL is truncated.
	DefaultCheckpointInterval = 24 * time.Hour
)

// migration is one schema step. The step count doubles as PRAGMA user_version.
type migration struct {
	name string
	stmt string
}

var migrations = []migration{
	{"conversations", `
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id   TEXT PRIMARY KEY,
  conversation_type TEXT NOT NULL CHECK(conversation_type IN ('direct','group','channel','broadcast')),
  created_at        INTEGER NOT NULL,
  updated_at        INTEGER NOT NULL,
  payload           BLOB NOT NULL
);`},
	{"messages", `
CREATE TABLE IF NOT EXISTS messages (
  message_id      TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  sender_id       TEXT NOT NULL,
  message_type    TEXT NOT NULL CHECK(message_type IN ('text','image','file','voice','video','system','ephemeral')),
  has_attachment  INTEGER NOT NULL DEFAULT 0,
  created_at      INTEGER NOT NULL,
  updated_at      INTEGER NOT NULL,
  expires_at      INTEGER,
  deleted         INTEGER NOT NULL DEFAULT 0,
  payload         BLOB
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
  ON messages (conversation_id, deleted, created_at DESC, message_id);
CREATE INDEX IF NOT EXISTS idx_messages_sender_time
  ON messages (sender_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_messages_expiry
  ON messages (expires_at) WHERE expires_at IS NOT NULL;`},
	{"sync queue", `
CREATE TABLE IF NOT EXISTS sync_queue (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  message_id TEXT NOT NULL,
  operation  TEXT NOT NULL CHECK(operation IN ('create','update','delete')),
  created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_message ON sync_queue (message_id);`},
	{"sync conflicts", `
CREATE TABLE IF NOT EXISTS sync_conflicts (
  conflict_id    TEXT PRIMARY KEY,
  message_id     TEXT NOT NULL,
  conflict_types TEXT NOT NULL,
  local_payload  BLOB NOT NULL,
  remote_payload BLOB NOT NULL,
  detected_at    INTEGER NOT NULL,
  resolved_at    INTEGER,
  resolution     TEXT
);
CREATE INDEX IF NOT EXISTS idx_sync_conflicts_pending ON sync_conflicts (resolved_at, detected_at);`},
	{"outbox", `
CREATE TABLE IF NOT EXISTS outbox (
  temp_id         TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  priority        INTEGER NOT NULL,
  retry_count     INTEGER NOT NULL DEFAULT 0,
  sequence        INTEGER NOT NULL,
  enqueued_at     INTEGER NOT NULL,
  scheduled_at    INTEGER,
  payload         BLOB NOT NULL
);`},
	{"seen message ids", `
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at ON seen_message_ids (received_at);`},
	{"security events", `
CREATE TABLE IF NOT EXISTS security_events (
  id         INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type TEXT NOT NULL,
  peer_id    TEXT,
  message_id TEXT,
  details    TEXT NOT NULL,
  severity   TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_security_events_time ON security_events (timestamp DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_security_events_type ON security_events (event_type, timestamp DESC, id DESC);`},
}

// Store is the SQLite persistence layer for the vault, sync queue, outbox,
// replay protection and the security event log.
type Store struct {
	db *sql.DB

	clock              clock.Clock
	checkpointInterval time.Duration
	stopCheckpoints    context.CancelFunc
	checkpoints        sync.WaitGroup
	closeOnce          sync.Once
}

// Option configures a Store at open time.
type Option func(*Store)

// WithCheckpointInterval sets how often the WAL is truncated. Zero or a
// negative interval disables the background checkpoint loop.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(s *Store) { s.checkpointInterval = interval }
}

// WithClock replaces the wall clock that drives the checkpoint loop.
func WithClock(clk clock.Clock) Option {
	return func(s *Store) { s.clock = clk }
}

// Open opens (or creates) pqchat.db under dataDir and runs migrations.
func Open(dataDir string, opts ...Option) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath, opts...)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs migrations.
func OpenPath(dbPath string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, dbError("open sqlite database", err)
	}

	store := &Store{
		db:                 db,
		clock:              clock.New(),
		checkpointInterval: DefaultCheckpointInterval,
	}
	for _, opt := range opts {
		opt(store)
	}

	for _, step := range []func() error{
		db.Ping,
		store.enableWALMode,
		store.applyMigrations,
		store.checkpointWAL,
	} {
		if err := step(); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	store.startCheckpointLoop()
	return store, nil
}

// Close stops background work and closes the database. Repeated calls are no-ops.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.stopCheckpoints != nil {
			s.stopCheckpoints()
			s.checkpoints.Wait()
		}
		closeErr = s.db.Close()
	})
	return closeErr
}

// SchemaVersion reports how many migrations have been applied.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, dbError("read schema version", err)
	}
	return version, nil
}

func (s *Store) applyMigrations() error {
	version, err := s.SchemaVersion()
	if err != nil {
		return err
	}
	if version >= len(migrations) {
		return nil
	}

	return s.withTx("migration", func(tx *sql.Tx) error {
		for i := version; i < len(migrations); i++ {
			if _, err := tx.Exec(migrations[i].stmt); err != nil {
				return fmt.Errorf("apply migration %d (%s): %w", i+1, migrations[i].name, err)
			}
			// PRAGMA does not take bound parameters.
			if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
				return fmt.Errorf("set schema version %d: %w", i+1, err)
			}
		}
		return nil
	})
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startCheckpointLoop() {
	if s.checkpointInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopCheckpoints = cancel

	s.checkpoints.Add(1)
	go func() {
		defer s.checkpoints.Done()
		ticker := s.clock.Ticker(s.checkpointInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Store) withTx(op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return dbError("begin "+op+" transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dbError("commit "+op+" transaction", err)
	}
	return nil
}
