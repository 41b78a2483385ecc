package network

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"

	"pqchat/crypto"
	"pqchat/models"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"ack","id":"m1","from":"a","to":"b","status":"delivered","timestamp":1}`)

	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := ReadFrame(bytes.NewReader(header)); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte("hello world")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	truncated := buffer.Bytes()[:buffer.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatalf("expected truncated frame to fail")
	}
}

func testEncryptedMessage() *EncryptedMessage {
	info := models.EncryptionInfo{
		Algorithm: "ML-KEM-768+XChaCha20-Poly1305",
		KeyID:     "key-1",
		Nonce:     bytes.Repeat([]byte{0x01}, 24),
		Checksum:  strings.Repeat("ab", 32),
		Version:   2,
	}
	return NewEncryptedMessage("msg-1", "alice", "bob", []byte("ciphertext"), []byte("kem-ct"), info, time.UnixMilli(1_700_000_000_000))
}

func TestEncryptedMessageWireFormat(t *testing.T) {
	payload, err := EncodeJSON(testEncryptedMessage())
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	for _, want := range []string{
		`"type":"encrypted_message"`,
		`"content":"Y2lwaGVydGV4dA=="`,
		`"kemCiphertext":"a2VtLWN0"`,
		`"keyId":"key-1"`,
		`"timestamp":1700000000000`,
	} {
		if !strings.Contains(string(payload), want) {
			t.Fatalf("payload %s missing %s", payload, want)
		}
	}
}

func TestDecodeEnvelopeDispatchesOnType(t *testing.T) {
	payload, err := EncodeJSON(testEncryptedMessage())
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}

	env, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	msg, ok := env.(*EncryptedMessage)
	if !ok {
		t.Fatalf("expected *EncryptedMessage, got %T", env)
	}
	info := msg.EncryptionInfo()
	if info.KeyID != "key-1" || info.CiphertextLength != len("ciphertext") {
		t.Fatalf("unexpected encryption info %+v", info)
	}

	ack, err := EncodeJSON(AckMessage{Type: TypeAck, ID: "msg-1", Status: AckDelivered})
	if err != nil {
		t.Fatalf("EncodeJSON ack failed: %v", err)
	}
	env, err = DecodeEnvelope(ack)
	if err != nil {
		t.Fatalf("DecodeEnvelope ack failed: %v", err)
	}
	if _, ok := env.(*AckMessage); !ok {
		t.Fatalf("expected *AckMessage, got %T", env)
	}
}

func TestDecodeEnvelopeRejectsUnknownType(t *testing.T) {
	for _, payload := range []string{`{"type":"ping"}`, `{"id":"x"}`} {
		if _, err := DecodeEnvelope([]byte(payload)); !errors.Is(err, ErrInvalidMessageType) {
			t.Fatalf("payload %s: expected ErrInvalidMessageType, got %v", payload, err)
		}
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Fatalf("expected malformed payload to fail")
	}
}

func mustSigningKeys(t *testing.T) crypto.SigningKeys {
	t.Helper()
	keys, err := crypto.GenerateSigningKeys()
	if err != nil {
		t.Fatalf("GenerateSigningKeys failed: %v", err)
	}
	return keys
}

func TestSignAndVerifyEnvelope(t *testing.T) {
	keys := mustSigningKeys(t)
	pub := keys.Public()

	msg := testEncryptedMessage()
	if err := SignEnvelope(msg, keys); err != nil {
		t.Fatalf("SignEnvelope failed: %v", err)
	}
	if len(msg.Signature) != ed25519.SignatureSize {
		t.Fatalf("unexpected signature length %d", len(msg.Signature))
	}
	if len(msg.PQSignature) != mldsa65.SignatureSize {
		t.Fatalf("unexpected post-quantum signature length %d", len(msg.PQSignature))
	}
	if err := VerifyEnvelope(msg, pub); err != nil {
		t.Fatalf("VerifyEnvelope failed: %v", err)
	}

	payload, err := EncodeJSON(msg)
	if err != nil {
		t.Fatalf("EncodeJSON failed: %v", err)
	}
	decoded, err := DecodeEnvelope(payload)
	if err != nil {
		t.Fatalf("DecodeEnvelope failed: %v", err)
	}
	if err := VerifyEnvelope(decoded, pub); err != nil {
		t.Fatalf("VerifyEnvelope after round trip failed: %v", err)
	}

	msg.Data.Content[0] ^= 0x01
	if err := VerifyEnvelope(msg, pub); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature after tamper, got %v", err)
	}
}

func TestVerifyEnvelopeRejectsOtherKey(t *testing.T) {
	keys := mustSigningKeys(t)
	other := mustSigningKeys(t)

	ack := &AckMessage{Type: TypeAck, ID: "m1", From: "a", To: "b", Status: AckDelivered, Timestamp: 1}
	if err := SignEnvelope(ack, keys); err != nil {
		t.Fatalf("SignEnvelope failed: %v", err)
	}
	if err := VerifyEnvelope(ack, other.Public()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	unsigned := &PublicMessage{Type: TypePublicMessage, ID: "p1", From: "a"}
	if err := VerifyEnvelope(unsigned, other.Public()); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected unsigned envelope to fail, got %v", err)
	}
}

func TestVerifyEnvelopeRequiresPostQuantumSignature(t *testing.T) {
	keys := mustSigningKeys(t)
	other := mustSigningKeys(t)
	pub := keys.Public()

	ack := &AckMessage{Type: TypeAck, ID: "m1", From: "a", To: "b", Status: AckDelivered, Timestamp: 1}
	if err := SignEnvelope(ack, keys); err != nil {
		t.Fatalf("SignEnvelope failed: %v", err)
	}
	genuine := ack.PQSignature

	// A valid Ed25519 signature alone is not enough.
	ack.PQSignature = nil
	if err := VerifyEnvelope(ack, pub); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected stripped post-quantum signature to fail, got %v", err)
	}

	// Nor is a classical signature paired with someone else's ML-DSA signature.
	forged := &AckMessage{Type: TypeAck, ID: "m1", From: "a", To: "b", Status: AckDelivered, Timestamp: 1}
	if err := SignEnvelope(forged, other); err != nil {
		t.Fatalf("SignEnvelope failed: %v", err)
	}
	ack.PQSignature = forged.PQSignature
	if err := VerifyEnvelope(ack, pub); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected foreign post-quantum signature to fail, got %v", err)
	}

	ack.PQSignature = genuine
	if err := VerifyEnvelope(ack, crypto.VerifyingKeys{Ed25519: pub.Ed25519}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected a peer without an ML-DSA key to fail, got %v", err)
	}
	if err := VerifyEnvelope(ack, pub); err != nil {
		t.Fatalf("VerifyEnvelope failed: %v", err)
	}
}
