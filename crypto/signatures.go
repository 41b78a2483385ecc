package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

const (
	envelopeSignatureContext = "pqchat/v1 envelope signature\x00"
	// mldsaContext is the FIPS 204 context string bound into every ML-DSA signature.
	mldsaContext = "pqchat/v1 envelope signature"

	// SignatureAlgorithm names the hybrid envelope signature.
	SignatureAlgorithm = "Ed25519+ML-DSA-65"
)

// SigningKeys pairs the classical and post-quantum envelope signing keys.
type SigningKeys struct {
	Ed25519 ed25519.PrivateKey
	MLDSA   *mldsa65.PrivateKey
}

// Valid reports whether both halves are present.
func (k SigningKeys) Valid() bool {
	return len(k.Ed25519) == ed25519.PrivateKeySize && k.MLDSA != nil
}

// Public returns the verifying half of k.
func (k SigningKeys) Public() VerifyingKeys {
	var pub VerifyingKeys
	if len(k.Ed25519) == ed25519.PrivateKeySize {
		pub.Ed25519 = k.Ed25519.Public().(ed25519.PublicKey)
	}
	if k.MLDSA != nil {
		pub.MLDSA = k.MLDSA.Public().(*mldsa65.PublicKey)
	}
	return pub
}

// VerifyingKeys are the public halves of SigningKeys.
type VerifyingKeys struct {
	Ed25519 ed25519.PublicKey
	MLDSA   *mldsa65.PublicKey
}

// GenerateSigningKeys creates a fresh Ed25519 and ML-DSA-65 keypair.
func GenerateSigningKeys() (SigningKeys, error) {
	_, edPrivate, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeys{}, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	_, dsaPrivate, err := mldsa65.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeys{}, fmt.Errorf("generate ML-DSA-65 keypair: %w", err)
	}
	return SigningKeys{Ed25519: edPrivate, MLDSA: dsaPrivate}, nil
}

// Sign signs data with an Ed25519 private key under the envelope context prefix.
func Sign(privateKey ed25519.PrivateKey, data []byte) ([]byte, error) {
	if len(privateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid Ed25519 private key length: got %d want %d", len(privateKey), ed25519.PrivateKeySize)
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	return ed25519.Sign(privateKey, withSignatureContext(data)), nil
}

// Verify checks an Ed25519 signature produced by Sign.
func Verify(publicKey ed25519.PublicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(data) == 0 || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, withSignatureContext(data), signature)
}

// SignMLDSA signs data with ML-DSA-65 using hedged randomness.
func SignMLDSA(privateKey *mldsa65.PrivateKey, data []byte) ([]byte, error) {
	if privateKey == nil {
		return nil, errors.New("ML-DSA-65 private key is required")
	}
	if len(data) == 0 {
		return nil, errors.New("data is required")
	}

	sig := make([]byte, mldsa65.SignatureSize)
	if err := mldsa65.SignTo(privateKey, data, []byte(mldsaContext), true, sig); err != nil {
		return nil, fmt.Errorf("sign ML-DSA-65: %w", err)
	}
	return sig, nil
}

// VerifyMLDSA checks an ML-DSA-65 signature produced by SignMLDSA.
func VerifyMLDSA(publicKey *mldsa65.PublicKey, data, signature []byte) bool {
	if publicKey == nil || len(data) == 0 || len(signature) != mldsa65.SignatureSize {
		return false
	}
	return mldsa65.Verify(publicKey, data, []byte(mldsaContext), signature)
}

// SignHybrid signs data with both halves of keys.
func SignHybrid(keys SigningKeys, data []byte) (classical, postQuantum []byte, err error) {
	classical, err = Sign(keys.Ed25519, data)
	if err != nil {
		return nil, nil, err
	}
	postQuantum, err = SignMLDSA(keys.MLDSA, data)
	if err != nil {
		return nil, nil, err
	}
	return classical, postQuantum, nil
}

// VerifyHybrid accepts only when both signatures verify. A missing
// post-quantum key or signature is a failure, never a downgrade.
func VerifyHybrid(keys VerifyingKeys, data, classical, postQuantum []byte) bool {
	edOK := Verify(keys.Ed25519, data, classical)
	dsaOK := VerifyMLDSA(keys.MLDSA, data, postQuantum)
	return edOK && dsaOK
}

func withSignatureContext(data []byte) []byte {
	msg := make([]byte, 0, len(envelopeSignatureContext)+len(data))
	msg = append(msg, envelopeSignatureContext...)
	return append(msg, data...)
}
