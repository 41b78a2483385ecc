package models

import "time"

// SearchEntry is the derived, rebuildable search projection of a message.
type SearchEntry struct {
	MessageID      string      `json:"messageId"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Keywords       []string    `json:"keywords"`
	Type           MessageType `json:"type"`
	Timestamp      time.Time   `json:"timestamp"`
	Participants   []string    `json:"participants,omitempty"`
}

// PortableConversation is a checksummed export of one conversation.
type PortableConversation struct {
	Conversation  Conversation `json:"conversation"`
	Messages      []*Message   `json:"messages"`
	ExportedAt    time.Time    `json:"exportedAt"`
	TotalSize     int64        `json:"totalSize"`
	Checksum      string       `json:"checksum"`
	EncryptionKey []byte       `json:"encryptionKey,omitempty"`

	// Source holds the bytes this value was decoded from, when it was read
	// from an export file. Importers require it to be the canonical
	// encoding of the decoded value.
	Source []byte `json:"-"`
}
