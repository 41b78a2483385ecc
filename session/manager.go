package session

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"pqchat/crypto"
	"pqchat/models"
)

// Options configures a Manager. Zero values select defaults.
type Options struct {
	KEM       crypto.KEM
	TTL       time.Duration
	CacheSize int
	Clock     clock.Clock
	Logger    logrus.FieldLogger
}

// Manager establishes, recovers and caches sessions.
type Manager struct {
	kem   crypto.KEM
	ttl   time.Duration
	clock clock.Clock
	log   logrus.FieldLogger

	mu          sync.Mutex
	cache       *lru.Cache
	byRecipient map[string]string
	inflight    singleflight.Group
}

// NewManager builds a Manager from opts.
func NewManager(opts Options) (*Manager, error) {
	if opts.KEM == nil {
		opts.KEM = crypto.MLKEM768{}
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
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

	m := &Manager{
		kem:         opts.KEM,
		ttl:         opts.TTL,
		clock:       opts.Clock,
		log:         opts.Logger.WithField("component", "session"),
		byRecipient: make(map[string]string),
	}
	cache, err := lru.NewWithEvict(opts.CacheSize, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// onEvict runs inside cache operations, which are only issued with m.mu held.
func (m *Manager) onEvict(key, value interface{}) {
	s, ok := value.(*Session)
	if !ok {
		return
	}
	if current, ok := m.byRecipient[s.recipientFingerprint]; ok && current == s.KeyID {
		delete(m.byRecipient, s.recipientFingerprint)
	}
	s.wipe()
}

// EstablishSession returns a live session for recipientPublicKey, running a
// KEM encapsulation when none is cached. Concurrent callers for the same key
// share a single encapsulation. ttl <= 0 selects the manager default.
func (m *Manager) EstablishSession(ctx context.Context, recipientID string, recipientPublicKey []byte, ttl time.Duration) (*Session, error) {
	if len(recipientPublicKey) == 0 {
		return nil, fmt.Errorf("%w: recipient public key is required", ErrSessionEstablishment)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	fingerprint := crypto.KeyFingerprint(recipientPublicKey)
	if s := m.lookupRecipient(fingerprint); s != nil {
		return s, nil
	}

	v, err, _ := m.inflight.Do(fingerprint, func() (interface{}, error) {
		if s := m.lookupRecipient(fingerprint); s != nil {
			return s, nil
		}

		sharedSecret, kemCiphertext, err := m.kem.Encapsulate(recipientPublicKey)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"recipient": recipientID,
				"error":     err.Error(),
			}).Error("KEM encapsulation failed")
			return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
		}

		s, err := m.newSession(uuid.NewString(), recipientID, sharedSecret, kemCiphertext, ttl)
		if err != nil {
			crypto.SecureWipe(sharedSecret)
			return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
		}
		s.recipientFingerprint = fingerprint

		m.mu.Lock()
		m.cache.Add(s.KeyID, s)
		m.byRecipient[fingerprint] = s.KeyID
		m.mu.Unlock()

		m.log.WithFields(logrus.Fields{
			"recipient":  recipientID,
			"key_id":     s.KeyID,
			"expires_at": s.ExpiresAt,
		}).Debug("Established session")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// RecoverSession returns the cached session for keyID or rebuilds it by
// decapsulating kemCiphertext with privateKey.
func (m *Manager) RecoverSession(ctx context.Context, kemCiphertext, privateKey []byte, keyID string) (*Session, error) {
	if keyID == "" {
		return nil, fmt.Errorf("%w: key id is required", ErrSessionRecovery)
	}
	if len(kemCiphertext) == 0 {
		return nil, fmt.Errorf("%w: kem ciphertext is required", ErrSessionRecovery)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if s := m.liveLocked(keyID); s != nil && bytes.Equal(s.KEMCiphertext, kemCiphertext) {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	v, err, _ := m.inflight.Do("recover:"+keyID, func() (interface{}, error) {
		sharedSecret, err := m.kem.Decapsulate(privateKey, kemCiphertext)
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"key_id": keyID,
				"error":  err.Error(),
			}).Warn("KEM decapsulation failed")
			return nil, fmt.Errorf("%w: %v", ErrSessionRecovery, err)
		}

		s, err := m.newSession(keyID, "", sharedSecret, kemCiphertext, m.ttl)
		if err != nil {
			crypto.SecureWipe(sharedSecret)
			return nil, fmt.Errorf("%w: %v", ErrSessionRecovery, err)
		}

		m.mu.Lock()
		m.cache.Remove(keyID)
		m.cache.Add(keyID, s)
		m.mu.Unlock()

		m.log.WithField("key_id", keyID).Debug("Recovered session")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// EncryptMessage seals content under s and stamps the composite algorithm tag.
func (m *Manager) EncryptMessage(ctx context.Context, s *Session, content []byte) ([]byte, models.EncryptionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.EncryptionInfo{}, err
	}
	key, err := m.messageKeyCopy(s)
	if err != nil {
		return nil, models.EncryptionInfo{}, err
	}
	defer crypto.SecureWipe(key)

	ciphertext, info, err := crypto.Encrypt(content, key, s.KeyID)
	if err != nil {
		return nil, models.EncryptionInfo{}, err
	}
	info.Algorithm = s.CompositeAlgorithm()
	info.Version = PostQuantumVersion
	return ciphertext, info, nil
}

// DecryptMessage opens ciphertext produced by EncryptMessage under s.
func (m *Manager) DecryptMessage(ctx context.Context, s *Session, ciphertext []byte, info models.EncryptionInfo) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := m.messageKeyCopy(s)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)
	if info.KeyID != s.KeyID {
		return nil, fmt.Errorf("%w: key id %q does not match session %q", ErrSessionRecovery, info.KeyID, s.KeyID)
	}
	return crypto.Decrypt(ciphertext, info, key)
}

// SealAttachment encrypts attachment bytes under a key derived from the
// session key for fileID.
func (m *Manager) SealAttachment(ctx context.Context, s *Session, fileID string, data []byte) ([]byte, models.EncryptionInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.EncryptionInfo{}, err
	}
	key, err := m.messageKeyCopy(s)
	if err != nil {
		return nil, models.EncryptionInfo{}, err
	}
	defer crypto.SecureWipe(key)
	return crypto.EncryptAttachment(key, fileID, data)
}

// OpenAttachment reverses SealAttachment.
func (m *Manager) OpenAttachment(ctx context.Context, s *Session, ciphertext []byte, info models.EncryptionInfo) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := m.messageKeyCopy(s)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)
	return crypto.DecryptAttachment(key, ciphertext, info)
}

// MessageMAC authenticates msg under s.
func (m *Manager) MessageMAC(ctx context.Context, s *Session, msg *models.Message) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := m.messageKeyCopy(s)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(key)
	return crypto.MessageMAC(key, msg)
}

// VerifyMessageMAC returns crypto.ErrIntegrity unless tag authenticates msg under s.
func (m *Manager) VerifyMessageMAC(ctx context.Context, s *Session, msg *models.Message, tag []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := m.messageKeyCopy(s)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)
	ok, err := crypto.VerifyMessageMAC(key, msg, tag)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: message authentication code mismatch", crypto.ErrIntegrity)
	}
	return nil
}

// messageKeyCopy returns a private copy of the message key of s. Eviction
// wipes session keys with m.mu held, so a copy taken under m.mu is either
// intact or refused.
func (m *Manager) messageKeyCopy(s *Session) ([]byte, error) {
	if s == nil {
		return nil, ErrSessionExpired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.messageKey == nil || s.Expired(m.clock.Now()) {
		return nil, ErrSessionExpired
	}
	return append([]byte(nil), s.messageKey...), nil
}

// CleanupExpired drops every cached session past its expiry and returns the count.
func (m *Manager) CleanupExpired() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, key := range m.cache.Keys() {
		v, ok := m.cache.Peek(key)
		if !ok {
			continue
		}
		if v.(*Session).Expired(now) {
			m.cache.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		m.log.WithField("removed", removed).Debug("Cleaned up expired sessions")
	}
	return removed
}

// ClearSession invalidates one session, e.g. on key rotation.
func (m *Manager) ClearSession(keyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Remove(keyID)
}

// ClearAllSessions invalidates every cached session, e.g. on logout.
func (m *Manager) ClearAllSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Purge()
	m.byRecipient = make(map[string]string)
}

// Len returns the number of cached sessions, including not yet cleaned expired ones.
func (m *Manager) Len() int {
	return m.cache.Len()
}

func (m *Manager) lookupRecipient(fingerprint string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyID, ok := m.byRecipient[fingerprint]
	if !ok {
		return nil
	}
	return m.liveLocked(keyID)
}

// liveLocked returns an unexpired cached session, removing it if expired.
func (m *Manager) liveLocked(keyID string) *Session {
	v, ok := m.cache.Get(keyID)
	if !ok {
		return nil
	}
	s := v.(*Session)
	if s.Expired(m.clock.Now()) {
		m.cache.Remove(keyID)
		return nil
	}
	return s
}

func (m *Manager) newSession(keyID, recipientID string, sharedSecret, kemCiphertext []byte, ttl time.Duration) (*Session, error) {
	messageKey, err := crypto.DeriveMessageKey(sharedSecret, kemCiphertext)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	return &Session{
		KeyID:         keyID,
		RecipientID:   recipientID,
		Algorithm:     m.kem.Algorithm(),
		SharedSecret:  sharedSecret,
		KEMCiphertext: kemCiphertext,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		messageKey:    messageKey,
	}, nil
}
