package models

import (
	"fmt"
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText      MessageType = "text"
	MessageTypeImage     MessageType = "image"
	MessageTypeFile      MessageType = "file"
	MessageTypeVoice     MessageType = "voice"
	MessageTypeVideo     MessageType = "video"
	MessageTypeSystem    MessageType = "system"
	MessageTypeEphemeral MessageType = "ephemeral"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeVoice,
		MessageTypeVideo, MessageTypeSystem, MessageTypeEphemeral:
		return true
	default:
		return false
	}
}

// IsAttachment reports whether the type carries a binary attachment.
func (t MessageType) IsAttachment() bool {
	switch t {
	case MessageTypeImage, MessageTypeFile, MessageTypeVoice, MessageTypeVideo:
		return true
	default:
		return false
	}
}

// DeliveryStatus tracks outbound progress of a message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Content is the opaque payload of a message plus optional attachment details.
type Content struct {
	Data      []byte        `json:"data,omitempty"`
	MimeType  string        `json:"mimeType,omitempty"`
	Size      int64         `json:"size,omitempty"`
	FileName  string        `json:"fileName,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Thumbnail []byte        `json:"thumbnail,omitempty"`
}

// Reaction is one user's emoji reaction to a message.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReadReceipt records when a user read a message.
type ReadReceipt struct {
	UserID string    `json:"userId"`
	ReadAt time.Time `json:"readAt"`
}

// Edit is one prior revision of message content.
type Edit struct {
	PreviousData []byte    `json:"previousData,omitempty"`
	EditedAt     time.Time `json:"editedAt"`
}

// Metadata holds routing and social state attached to a message.
type Metadata struct {
	SenderID       string         `json:"senderId"`
	RecipientIDs   []string       `json:"recipientIds,omitempty"`
	ConversationID string         `json:"conversationId"`
	ReplyTo        string         `json:"replyTo,omitempty"`
	ThreadID       string         `json:"threadId,omitempty"`
	Mentions       []string       `json:"mentions,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	EditHistory    []Edit         `json:"editHistory,omitempty"`
	DeliveryStatus DeliveryStatus `json:"deliveryStatus,omitempty"`
	ReadReceipts   []ReadReceipt  `json:"readReceipts,omitempty"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

// Message is a chat message in plaintext form after decryption.
type Message struct {
	ID         string          `json:"id"`
	Type       MessageType     `json:"type"`
	Content    Content         `json:"content"`
	Metadata   Metadata        `json:"metadata"`
	Encryption *EncryptionInfo `json:"encryption,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Validate checks the fields every stored message must carry.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id is required")
	}
	if !m.Type.Valid() {
		return fmt.Errorf("invalid message type %q", m.Type)
	}
	if m.Metadata.ConversationID == "" {
		return fmt.Errorf("message %q: conversation id is required", m.ID)
	}
	if m.Metadata.SenderID == "" {
		return fmt.Errorf("message %q: sender id is required", m.ID)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("message %q: created timestamp is required", m.ID)
	}
	return nil
}

// Expired reports whether an ephemeral expiry has passed at now.
func (m *Message) Expired(now time.Time) bool {
	return m.Metadata.ExpiresAt != nil && !m.Metadata.ExpiresAt.After(now)
}

// LastModified returns UpdatedAt, falling back to CreatedAt.
func (m *Message) LastModified() time.Time {
	if m.UpdatedAt.IsZero() {
		return m.CreatedAt
	}
	return m.UpdatedAt
}

// HasAttachment reports whether the message carries attachment content.
func (m *Message) HasAttachment() bool {
	return m.Type.IsAttachment() || m.Content.FileName != ""
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Content.Data = cloneBytes(m.Content.Data)
	out.Content.Thumbnail = cloneBytes(m.Content.Thumbnail)
	out.Metadata.RecipientIDs = append([]string(nil), m.Metadata.RecipientIDs...)
	out.Metadata.Mentions = append([]string(nil), m.Metadata.Mentions...)
	out.Metadata.Reactions = append([]Reaction(nil), m.Metadata.Reactions...)
	out.Metadata.ReadReceipts = append([]ReadReceipt(nil), m.Metadata.ReadReceipts...)
	if m.Metadata.EditHistory != nil {
		out.Metadata.EditHistory = make([]Edit, len(m.Metadata.EditHistory))
		for i, edit := range m.Metadata.EditHistory {
			out.Metadata.EditHistory[i] = Edit{PreviousData: cloneBytes(edit.PreviousData), EditedAt: edit.EditedAt}
		}
	}
	if m.Metadata.ExpiresAt != nil {
		expires := *m.Metadata.ExpiresAt
		out.Metadata.ExpiresAt = &expires
	}
	if m.Encryption != nil {
		info := *m.Encryption
		info.Nonce = cloneBytes(m.Encryption.Nonce)
		out.Encryption = &info
	}
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
