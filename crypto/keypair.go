package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

const (
	ed25519PrivatePEMType = "ED25519 PRIVATE KEY"
	ed25519PublicPEMType  = "ED25519 PUBLIC KEY"
	mldsaSeedPEMType      = "ML-DSA-65 PRIVATE SEED"
	mldsaPublicPEMType    = "ML-DSA-65 PUBLIC KEY"
	storageKeyPEMType     = "PQCHAT STORAGE KEY"
)

// EnsureEd25519KeyPair loads the envelope signing keypair from disk, generating it on first run.
func EnsureEd25519KeyPair(privatePath, publicPath string) (ed25519.PrivateKey, ed25519.PublicKey, error) {
	raw, err := readPEM(privatePath, ed25519PrivatePEMType, ed25519.PrivateKeySize)
	if err == nil {
		privateKey := ed25519.PrivateKey(raw)
		publicKey := privateKey.Public().(ed25519.PublicKey)

		stored, pubErr := readPEM(publicPath, ed25519PublicPEMType, ed25519.PublicKeySize)
		if pubErr != nil || !bytes.Equal(stored, publicKey) {
			if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
				return nil, nil, err
			}
		}
		return privateKey, publicKey, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}

	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	if err := writePEM(privatePath, ed25519PrivatePEMType, privateKey, 0o600); err != nil {
		return nil, nil, err
	}
	if err := writePEM(publicPath, ed25519PublicPEMType, publicKey, 0o644); err != nil {
		return nil, nil, err
	}
	return privateKey, publicKey, nil
}

// LoadEd25519PublicKey loads a peer's Ed25519 public key from a PEM file.
func LoadEd25519PublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := readPEM(path, ed25519PublicPEMType, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(raw), nil
}

// EnsureMLDSAKeyPair loads the post-quantum signing keypair, generating it
// on first run. Only the 32-byte seed is kept on disk; the expanded key is
// rebuilt from it.
func EnsureMLDSAKeyPair(privatePath, publicPath string) (*mldsa65.PrivateKey, *mldsa65.PublicKey, error) {
	raw, err := readPEM(privatePath, mldsaSeedPEMType, mldsa65.SeedSize)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, err
	}
	if err != nil {
		raw = make([]byte, mldsa65.SeedSize)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("generate ML-DSA-65 seed: %w", err)
		}
		if err := writePEM(privatePath, mldsaSeedPEMType, raw, 0o600); err != nil {
			return nil, nil, err
		}
	}

	var seed [mldsa65.SeedSize]byte
	copy(seed[:], raw)
	SecureWipe(raw)
	publicKey, privateKey := mldsa65.NewKeyFromSeed(&seed)
	SecureWipe(seed[:])

	packed := publicKey.Bytes()
	stored, pubErr := readPEM(publicPath, mldsaPublicPEMType, mldsa65.PublicKeySize)
	if pubErr != nil || !bytes.Equal(stored, packed) {
		if err := writePEM(publicPath, mldsaPublicPEMType, packed, 0o644); err != nil {
			return nil, nil, err
		}
	}
	return privateKey, publicKey, nil
}

// LoadMLDSAPublicKey loads a peer's ML-DSA-65 public key from a PEM file.
func LoadMLDSAPublicKey(path string) (*mldsa65.PublicKey, error) {
	raw, err := readPEM(path, mldsaPublicPEMType, mldsa65.PublicKeySize)
	if err != nil {
		return nil, err
	}
	var publicKey mldsa65.PublicKey
	if err := publicKey.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", strings.ToLower(mldsaPublicPEMType), err)
	}
	return &publicKey, nil
}

// SaveMLDSAPublicKey writes publicKey in the format LoadMLDSAPublicKey reads.
func SaveMLDSAPublicKey(path string, publicKey *mldsa65.PublicKey) error {
	if publicKey == nil {
		return errors.New("ML-DSA-65 public key is required")
	}
	return writePEM(path, mldsaPublicPEMType, publicKey.Bytes(), 0o644)
}

// EnsureStorageKey loads the per-installation storage key, generating it if absent.
func EnsureStorageKey(path string) ([]byte, error) {
	key, err := readPEM(path, storageKeyPEMType, KeySize)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := writePEM(path, storageKeyPEMType, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}
	return b.String()
}

func readPEM(path, blockType string, size int) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", strings.ToLower(blockType), err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode %s PEM: no PEM block", blockType)
	}
	if block.Type != blockType {
		return nil, fmt.Errorf("decode %s PEM: unexpected type %q", blockType, block.Type)
	}
	if len(block.Bytes) != size {
		return nil, fmt.Errorf("decode %s PEM: invalid key size %d", blockType, len(block.Bytes))
	}
	return block.Bytes, nil
}

func writePEM(path, blockType string, key []byte, perm os.FileMode) error {
	block := &pem.Block{Type: blockType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), perm); err != nil {
		return fmt.Errorf("write %s: %w", strings.ToLower(blockType), err)
	}
	return nil
}
