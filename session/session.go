// Package session manages post-quantum hybrid sessions: a KEM shared secret
// established per recipient key seeds the symmetric message cipher. Sessions
// live only in a bounded in-memory cache and are rebuilt from the KEM
// ciphertext carried by each message.
package session

import (
	"errors"
	"time"

	"pqchat/crypto"
)

const (
	// PostQuantumVersion marks EncryptionInfo produced under a KEM session.
	PostQuantumVersion = 2
	// DefaultTTL bounds how long a session may be reused.
	DefaultTTL = 24 * time.Hour
	// DefaultCacheSize caps the number of cached sessions.
	DefaultCacheSize = 1024
)

var (
	// ErrSessionEstablishment indicates KEM encapsulation failed.
	ErrSessionEstablishment = errors.New("session: establishment failed")
	// ErrSessionRecovery indicates a session could not be rebuilt from a KEM ciphertext.
	ErrSessionRecovery = errors.New("session: recovery failed")
	// ErrSessionExpired indicates a session was used past its expiry.
	ErrSessionExpired = errors.New("session: expired")
)

// Session is a KEM-derived key shared with one recipient key.
type Session struct {
	KeyID         string
	RecipientID   string
	Algorithm     string
	SharedSecret  []byte
	KEMCiphertext []byte
	CreatedAt     time.Time
	ExpiresAt     time.Time

	recipientFingerprint string
	messageKey           []byte
}

// Expired reports whether the session is no longer usable at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CompositeAlgorithm is the algorithm tag stamped on messages sealed under s.
func (s *Session) CompositeAlgorithm() string {
	return s.Algorithm + "+" + crypto.SymmetricAlgorithm
}

func (s *Session) wipe() {
	crypto.SecureWipe(s.SharedSecret, s.messageKey)
	s.messageKey = nil
}
