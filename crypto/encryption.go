package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"pqchat/models"
)

const (
	// KeySize is the symmetric key length for every AEAD operation.
	KeySize = chacha20poly1305.KeySize
	// NonceSize is the XChaCha20-Poly1305 nonce length.
	NonceSize = chacha20poly1305.NonceSizeX
	// SymmetricAlgorithm names the AEAD stamped into EncryptionInfo.
	SymmetricAlgorithm = "XChaCha20-Poly1305"
	// EncryptionVersion is the framing version of symmetric-only ciphertexts.
	EncryptionVersion = 1
)

var (
	// ErrIntegrity indicates a stored checksum does not match the ciphertext.
	ErrIntegrity = errors.New("crypto: integrity check failed")
	// ErrDecryption indicates authenticated decryption failed.
	ErrDecryption = errors.New("crypto: decryption failed")
)

// Encrypt seals content under sessionKey with a fresh random nonce and
// returns the ciphertext together with its EncryptionInfo.
func Encrypt(content, sessionKey []byte, keyID string) ([]byte, models.EncryptionInfo, error) {
	if len(sessionKey) != KeySize {
		return nil, models.EncryptionInfo{}, fmt.Errorf("invalid session key length: got %d want %d", len(sessionKey), KeySize)
	}

	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, models.EncryptionInfo{}, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, models.EncryptionInfo{}, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, content, []byte(keyID))
	info := models.EncryptionInfo{
		Algorithm:        SymmetricAlgorithm,
		KeyID:            keyID,
		Nonce:            nonce,
		CiphertextLength: len(ciphertext),
		Checksum:         Checksum(ciphertext),
		Version:          EncryptionVersion,
	}
	return ciphertext, info, nil
}

// Decrypt verifies the checksum in info and opens ciphertext under sessionKey.
func Decrypt(ciphertext []byte, info models.EncryptionInfo, sessionKey []byte) ([]byte, error) {
	if len(sessionKey) != KeySize {
		return nil, fmt.Errorf("%w: invalid session key length %d", ErrDecryption, len(sessionKey))
	}
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: ciphertext is required", ErrDecryption)
	}
	if !VerifyChecksum(ciphertext, info.Checksum) {
		return nil, ErrIntegrity
	}
	if len(info.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: invalid nonce length %d", ErrDecryption, len(info.Nonce))
	}

	aead, err := chacha20poly1305.NewX(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, info.Nonce, ciphertext, []byte(info.KeyID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// EncryptForStorage seals data under a storage key and returns nonce || ciphertext.
func EncryptForStorage(storageKey, data []byte) ([]byte, error) {
	if len(storageKey) != KeySize {
		return nil, fmt.Errorf("invalid storage key length: got %d want %d", len(storageKey), KeySize)
	}

	aead, err := chacha20poly1305.NewX(storageKey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	blob := make([]byte, NonceSize, NonceSize+len(data)+aead.Overhead())
	if _, err := rand.Read(blob); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(blob, blob[:NonceSize], data, nil), nil
}

// DecryptFromStorage opens a nonce || ciphertext blob produced by EncryptForStorage.
func DecryptFromStorage(storageKey, blob []byte) ([]byte, error) {
	if len(storageKey) != KeySize {
		return nil, fmt.Errorf("%w: invalid storage key length %d", ErrDecryption, len(storageKey))
	}
	if len(blob) < NonceSize+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: storage blob too short", ErrDecryption)
	}

	aead, err := chacha20poly1305.NewX(storageKey)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum compares the hex SHA-256 of data to want in constant time.
func VerifyChecksum(data []byte, want string) bool {
	got := Checksum(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// GenerateKey returns a random symmetric key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
