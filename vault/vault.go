// Package vault is the authoritative offline store for messages and
// conversations. Documents are sealed with the installation storage key
// before they reach SQLite; a derived in-memory search index is kept in
// step with every mutation and can be rebuilt from the stored set.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"

	"pqchat/crypto"
	"pqchat/models"
	"pqchat/storage"
)

const (
	// DefaultRetentionDays is the Cleanup horizon when none is given.
	DefaultRetentionDays = 90
	// DefaultCacheSize bounds the decrypted-message cache.
	DefaultCacheSize = 512
	// DefaultPageSize is used when a Filter has no limit.
	DefaultPageSize = 50
)

var (
	// ErrNotFound indicates the requested message or conversation does not exist.
	ErrNotFound = errors.New("vault: not found")
	// ErrInvalidReaction indicates a reaction that is not exactly one emoji.
	ErrInvalidReaction = errors.New("vault: reaction must be a single emoji")
)

// Options configures a Vault. Store and StorageKey are required.
type Options struct {
	Store            *storage.Store
	StorageKey       []byte
	SyncEnabled      bool
	ConflictStrategy ConflictStrategy
	ConflictHandler  ConflictHandler
	CacheSize        int
	Clock            clock.Clock
	Logger           logrus.FieldLogger
}

// Vault stores, indexes and exports messages.
type Vault struct {
	store       *storage.Store
	storageKey  []byte
	syncEnabled bool
	strategy    ConflictStrategy
	onConflict  ConflictHandler
	clock       clock.Clock
	log         logrus.FieldLogger

	// mu serializes mutations so the index never lags the store.
	mu    sync.Mutex
	index *searchIndex
	cache *lru.Cache
}

// New opens a vault over store and builds the search index from the
// messages already persisted.
func New(opts Options) (*Vault, error) {
	if opts.Store == nil {
		return nil, errors.New("vault: store is required")
	}
	if len(opts.StorageKey) != crypto.KeySize {
		return nil, fmt.Errorf("vault: storage key must be %d bytes", crypto.KeySize)
	}
	if opts.ConflictStrategy == "" {
		opts.ConflictStrategy = StrategyPreferNewer
	}
	if !opts.ConflictStrategy.Valid() {
		return nil, fmt.Errorf("vault: unknown conflict strategy %q", opts.ConflictStrategy)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("vault: create message cache: %w", err)
	}

	v := &Vault{
		store:       opts.Store,
		storageKey:  append([]byte(nil), opts.StorageKey...),
		syncEnabled: opts.SyncEnabled,
		strategy:    opts.ConflictStrategy,
		onConflict:  opts.ConflictHandler,
		clock:       opts.Clock,
		log:         opts.Logger.WithField("component", "vault"),
		index:       newSearchIndex(),
		cache:       cache,
	}
	if err := v.rebuildIndex(); err != nil {
		return nil, err
	}
	return v, nil
}

// SetConflictHandler replaces the callback for conflicts deferred to
// manual resolution.
func (v *Vault) SetConflictHandler(handler ConflictHandler) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.onConflict = handler
}

// sealDocument encodes doc as JSON and encrypts it with the storage key.
func (v *Vault) sealDocument(doc any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	defer crypto.SecureWipe(raw)
	return crypto.EncryptForStorage(v.storageKey, raw)
}

func (v *Vault) openDocument(payload []byte, doc any) error {
	raw, err := crypto.DecryptFromStorage(v.storageKey, payload)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(raw)
	return json.Unmarshal(raw, doc)
}

func (v *Vault) sealMessage(msg *models.Message) (storage.MessageRecord, error) {
	payload, err := v.sealDocument(msg)
	if err != nil {
		return storage.MessageRecord{}, fmt.Errorf("seal message %q: %w", msg.ID, err)
	}

	record := storage.MessageRecord{
		MessageID:      msg.ID,
		ConversationID: msg.Metadata.ConversationID,
		SenderID:       msg.Metadata.SenderID,
		MessageType:    string(msg.Type),
		HasAttachment:  msg.HasAttachment(),
		CreatedAt:      msg.CreatedAt.UnixMilli(),
		UpdatedAt:      msg.LastModified().UnixMilli(),
		Payload:        payload,
	}
	if msg.Metadata.ExpiresAt != nil {
		expiresAt := msg.Metadata.ExpiresAt.UnixMilli()
		record.ExpiresAt = &expiresAt
	}
	return record, nil
}

func (v *Vault) openMessage(record *storage.MessageRecord) (*models.Message, error) {
	var msg models.Message
	if err := v.openDocument(record.Payload, &msg); err != nil {
		return nil, fmt.Errorf("open message %q: %w", record.MessageID, err)
	}
	return &msg, nil
}

func (v *Vault) sealConversation(conv *models.Conversation) (storage.ConversationRecord, error) {
	payload, err := v.sealDocument(conv)
	if err != nil {
		return storage.ConversationRecord{}, fmt.Errorf("seal conversation %q: %w", conv.ID, err)
	}
	return storage.ConversationRecord{
		ConversationID:   conv.ID,
		ConversationType: string(conv.Type),
		CreatedAt:        conv.CreatedAt.UnixMilli(),
		UpdatedAt:        conv.UpdatedAt.UnixMilli(),
		Payload:          payload,
	}, nil
}

func (v *Vault) openConversation(record *storage.ConversationRecord) (*models.Conversation, error) {
	var conv models.Conversation
	if err := v.openDocument(record.Payload, &conv); err != nil {
		return nil, fmt.Errorf("open conversation %q: %w", record.ConversationID, err)
	}
	return &conv, nil
}

func (v *Vault) now() time.Time {
	return v.clock.Now().UTC()
}

// cached returns a copy of a cached message so callers cannot mutate it.
func (v *Vault) cached(id string) (*models.Message, bool) {
	value, ok := v.cache.Get(id)
	if !ok {
		return nil, false
	}
	return value.(*models.Message).Clone(), true
}

func (v *Vault) remember(msg *models.Message) {
	v.cache.Add(msg.ID, msg.Clone())
}

func (v *Vault) forget(id string) {
	v.cache.Remove(id)
}

func notFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
