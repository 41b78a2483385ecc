package crypto

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
)

const (
	// KEMAlgorithm names the key encapsulation mechanism.
	KEMAlgorithm = "ML-KEM-768"

	kemPrivatePEMType = "ML-KEM-768 PRIVATE KEY"
	kemPublicPEMType  = "ML-KEM-768 PUBLIC KEY"
)

// ErrKEM wraps failures from encapsulation or decapsulation.
var ErrKEM = errors.New("crypto: kem operation failed")

// KEM is the key encapsulation primitive the session layer depends on.
type KEM interface {
	Algorithm() string
	Encapsulate(publicKey []byte) (sharedSecret, ciphertext []byte, err error)
	Decapsulate(privateKey, ciphertext []byte) (sharedSecret []byte, err error)
}

// KEMKeyPair holds packed ML-KEM-768 key material.
type KEMKeyPair struct {
	PublicKey  []byte
	PrivateKey []byte
}

// MLKEM768 implements KEM with circl's ML-KEM-768.
type MLKEM768 struct{}

var mlkemScheme = mlkem768.Scheme()

// Algorithm returns the KEM name.
func (MLKEM768) Algorithm() string {
	return KEMAlgorithm
}

// Encapsulate derives a fresh shared secret for publicKey.
func (MLKEM768) Encapsulate(publicKey []byte) ([]byte, []byte, error) {
	pub, err := mlkemScheme.UnmarshalBinaryPublicKey(publicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parse public key: %v", ErrKEM, err)
	}
	ciphertext, sharedSecret, err := mlkemScheme.Encapsulate(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: encapsulate: %v", ErrKEM, err)
	}
	return sharedSecret, ciphertext, nil
}

// Decapsulate recovers the shared secret for ciphertext. ML-KEM rejects
// implicitly: a wrong private key yields an unrelated secret, which the
// subsequent AEAD open detects.
func (MLKEM768) Decapsulate(privateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != mlkemScheme.CiphertextSize() {
		return nil, fmt.Errorf("%w: invalid ciphertext size %d", ErrKEM, len(ciphertext))
	}
	priv, err := mlkemScheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrKEM, err)
	}
	sharedSecret, err := mlkemScheme.Decapsulate(priv, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulate: %v", ErrKEM, err)
	}
	return sharedSecret, nil
}

// GenerateKEMKeyPair creates a new ML-KEM-768 key pair.
func GenerateKEMKeyPair() (*KEMKeyPair, error) {
	pub, priv, err := mlkemScheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ML-KEM-768 keypair: %w", err)
	}
	return packKEMKeyPair(pub, priv)
}

func packKEMKeyPair(pub kem.PublicKey, priv kem.PrivateKey) (*KEMKeyPair, error) {
	pubBytes, err := pub.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ML-KEM-768 public key: %w", err)
	}
	privBytes, err := priv.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal ML-KEM-768 private key: %w", err)
	}
	return &KEMKeyPair{PublicKey: pubBytes, PrivateKey: privBytes}, nil
}

// EnsureKEMKeyPair loads an ML-KEM-768 private key from disk, generating it if absent.
func EnsureKEMKeyPair(path string) (*KEMKeyPair, error) {
	pair, err := LoadKEMKeyPair(path)
	if err == nil {
		return pair, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	pair, err = GenerateKEMKeyPair()
	if err != nil {
		return nil, err
	}
	if err := SaveKEMPrivateKey(path, pair.PrivateKey); err != nil {
		return nil, err
	}
	return pair, nil
}

// LoadKEMKeyPair reads a private key PEM and rebuilds the public half from it.
func LoadKEMKeyPair(path string) (*KEMKeyPair, error) {
	raw, err := readPEM(path, kemPrivatePEMType, mlkemScheme.PrivateKeySize())
	if err != nil {
		return nil, err
	}
	priv, err := mlkemScheme.UnmarshalBinaryPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ML-KEM-768 private key: %w", err)
	}
	return packKEMKeyPair(priv.Public(), priv)
}

// SaveKEMPrivateKey writes an ML-KEM-768 private key PEM file with 0600 permissions.
func SaveKEMPrivateKey(path string, privateKey []byte) error {
	if len(privateKey) != mlkemScheme.PrivateKeySize() {
		return fmt.Errorf("save ML-KEM-768 private key: invalid key size %d", len(privateKey))
	}
	return writePEM(path, kemPrivatePEMType, privateKey, 0o600)
}

// SaveKEMPublicKey writes an ML-KEM-768 public key PEM file for distribution.
func SaveKEMPublicKey(path string, publicKey []byte) error {
	if len(publicKey) != mlkemScheme.PublicKeySize() {
		return fmt.Errorf("save ML-KEM-768 public key: invalid key size %d", len(publicKey))
	}
	return writePEM(path, kemPublicPEMType, publicKey, 0o644)
}

// LoadKEMPublicKey reads a peer's ML-KEM-768 public key PEM.
func LoadKEMPublicKey(path string) ([]byte, error) {
	return readPEM(path, kemPublicPEMType, mlkemScheme.PublicKeySize())
}
