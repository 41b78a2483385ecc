package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"pqchat/crypto"
	"pqchat/models"
)

const (
	// ProtocolVersion is the current envelope version.
	ProtocolVersion = 2
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultFrameReadTimeout bounds each frame read on stream transports.
	DefaultFrameReadTimeout = 30 * time.Second
	// DefaultFrameWriteTimeout bounds each frame write on stream transports.
	DefaultFrameWriteTimeout = 10 * time.Second
)

const (
	TypeEncryptedMessage = "encrypted_message"
	TypePublicMessage    = "public_message"
	TypeAck              = "ack"
)

const (
	AckDelivered = "delivered"
	AckRejected  = "rejected"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrInvalidSignature indicates signature verification failed.
	ErrInvalidSignature = errors.New("network: invalid signature")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

type header struct {
	Type string `json:"type"`
}

// EncryptedData carries the AEAD ciphertext and what the recipient needs to
// recover the session and verify integrity.
type EncryptedData struct {
	Content       []byte `json:"content"`
	KEMCiphertext []byte `json:"kemCiphertext"`
	KeyID         string `json:"keyId"`
	Algorithm     string `json:"algorithm"`
	Nonce         []byte `json:"nonce"`
	Checksum      string `json:"checksum"`
	Version       int    `json:"version"`
	Timestamp     int64  `json:"timestamp"`
	// Attachment describes the inner encryption of the attachment bytes
	// carried in the sealed message, when there is one.
	Attachment *models.EncryptionInfo `json:"attachment,omitempty"`
	// MAC authenticates the plaintext message under the session key.
	MAC []byte `json:"mac"`
}

// EncryptedMessage is the wire format of an encrypted chat message.
type EncryptedMessage struct {
	Type        string        `json:"type"`
	ID          string        `json:"id"`
	From        string        `json:"from"`
	To          string        `json:"to"`
	Data        EncryptedData `json:"data"`
	Signature   []byte        `json:"signature,omitempty"`
	PQSignature []byte        `json:"pqSignature,omitempty"`
}

// PublicData is the plaintext body of a public message.
type PublicData struct {
	Content   []byte `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// PublicMessage is an unencrypted broadcast such as a presence note.
type PublicMessage struct {
	Type        string     `json:"type"`
	ID          string     `json:"id"`
	From        string     `json:"from"`
	To          string     `json:"to"`
	Data        PublicData `json:"data"`
	Signature   []byte     `json:"signature,omitempty"`
	PQSignature []byte     `json:"pqSignature,omitempty"`
}

// AckMessage confirms or rejects delivery of a message.
type AckMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	From        string `json:"from"`
	To          string `json:"to"`
	Status      string `json:"status"`
	Timestamp   int64  `json:"timestamp"`
	Signature   []byte `json:"signature,omitempty"`
	PQSignature []byte `json:"pqSignature,omitempty"`
}

// Envelope is any signed wire message. Every envelope carries an Ed25519
// and an ML-DSA-65 signature over its JSON form without either signature.
type Envelope interface {
	signable() ([]byte, error)
	setSignatures(classical, postQuantum []byte)
	signatures() (classical, postQuantum []byte)
}

func (m *EncryptedMessage) signable() ([]byte, error) {
	c := *m
	c.Signature, c.PQSignature = nil, nil
	return json.Marshal(c)
}
func (m *EncryptedMessage) setSignatures(classical, postQuantum []byte) {
	m.Signature, m.PQSignature = classical, postQuantum
}
func (m *EncryptedMessage) signatures() ([]byte, []byte) { return m.Signature, m.PQSignature }

func (m *PublicMessage) signable() ([]byte, error) {
	c := *m
	c.Signature, c.PQSignature = nil, nil
	return json.Marshal(c)
}
func (m *PublicMessage) setSignatures(classical, postQuantum []byte) {
	m.Signature, m.PQSignature = classical, postQuantum
}
func (m *PublicMessage) signatures() ([]byte, []byte) { return m.Signature, m.PQSignature }

func (m *AckMessage) signable() ([]byte, error) {
	c := *m
	c.Signature, c.PQSignature = nil, nil
	return json.Marshal(c)
}
func (m *AckMessage) setSignatures(classical, postQuantum []byte) {
	m.Signature, m.PQSignature = classical, postQuantum
}
func (m *AckMessage) signatures() ([]byte, []byte) { return m.Signature, m.PQSignature }

// NewEncryptedMessage builds an envelope from a ciphertext and its metadata.
func NewEncryptedMessage(id, from, to string, ciphertext, kemCiphertext []byte, info models.EncryptionInfo, sentAt time.Time) *EncryptedMessage {
	return &EncryptedMessage{
		Type: TypeEncryptedMessage,
		ID:   id,
		From: from,
		To:   to,
		Data: EncryptedData{
			Content:       ciphertext,
			KEMCiphertext: kemCiphertext,
			KeyID:         info.KeyID,
			Algorithm:     info.Algorithm,
			Nonce:         info.Nonce,
			Checksum:      info.Checksum,
			Version:       info.Version,
			Timestamp:     sentAt.UnixMilli(),
		},
	}
}

// EncryptionInfo rebuilds the EncryptionInfo the sender produced.
func (m *EncryptedMessage) EncryptionInfo() models.EncryptionInfo {
	return models.EncryptionInfo{
		Algorithm:        m.Data.Algorithm,
		KeyID:            m.Data.KeyID,
		Nonce:            m.Data.Nonce,
		CiphertextLength: len(m.Data.Content),
		Checksum:         m.Data.Checksum,
		Version:          m.Data.Version,
	}
}

// SignEnvelope signs msg in place with both of the sender's signing keys.
func SignEnvelope(msg Envelope, keys crypto.SigningKeys) error {
	signable, err := msg.signable()
	if err != nil {
		return fmt.Errorf("marshal signable envelope: %w", err)
	}
	classical, postQuantum, err := crypto.SignHybrid(keys, signable)
	if err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	msg.setSignatures(classical, postQuantum)
	return nil
}

// VerifyEnvelope checks both signatures of msg against the sender's keys.
func VerifyEnvelope(msg Envelope, keys crypto.VerifyingKeys) error {
	signable, err := msg.signable()
	if err != nil {
		return fmt.Errorf("marshal signable envelope: %w", err)
	}
	classical, postQuantum := msg.signatures()
	if !crypto.VerifyHybrid(keys, signable, classical, postQuantum) {
		return ErrInvalidSignature
	}
	return nil
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var h header
	if err := json.Unmarshal(payload, &h); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if h.Type == "" {
		return "", ErrInvalidMessageType
	}
	return h.Type, nil
}

// DecodeEnvelope parses a payload into *EncryptedMessage, *PublicMessage or
// *AckMessage according to its type.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return nil, err
	}

	var msg Envelope
	switch msgType {
	case TypeEncryptedMessage:
		msg = &EncryptedMessage{}
	case TypePublicMessage:
		msg = &PublicMessage{}
	case TypeAck:
		msg = &AckMessage{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMessageType, msgType)
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", msgType, err)
	}
	return msg, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
