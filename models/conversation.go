package models

import "time"

// ConversationType describes the audience shape of a conversation.
type ConversationType string

const (
	ConversationDirect    ConversationType = "direct"
	ConversationGroup     ConversationType = "group"
	ConversationChannel   ConversationType = "channel"
	ConversationBroadcast ConversationType = "broadcast"
)

// ParticipantRole is a participant's privilege level within a conversation.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
	RoleGuest  ParticipantRole = "guest"
)

// Participant is one member of a conversation.
type Participant struct {
	UserID      string          `json:"userId"`
	Role        ParticipantRole `json:"role"`
	Permissions []string        `json:"permissions,omitempty"`
	JoinedAt    time.Time       `json:"joinedAt"`
}

// MessagePreview is the denormalized pointer to a conversation's newest message.
type MessagePreview struct {
	MessageID string      `json:"messageId"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
}

// Conversation groups messages exchanged among participants.
type Conversation struct {
	ID           string           `json:"id"`
	Type         ConversationType `json:"type"`
	Participants []Participant    `json:"participants"`
	Name         string           `json:"name,omitempty"`
	Avatar       string           `json:"avatar,omitempty"`
	Archived     bool             `json:"archived,omitempty"`
	Muted        bool             `json:"muted,omitempty"`
	Pinned       bool             `json:"pinned,omitempty"`
	LastMessage  *MessagePreview  `json:"lastMessage,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// ParticipantIDs returns participant user IDs in membership order.
func (c *Conversation) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// HasParticipant reports whether userID is a member.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// Preview builds the LastMessage pointer for m.
func Preview(m *Message) *MessagePreview {
	return &MessagePreview{
		MessageID: m.ID,
		SenderID:  m.Metadata.SenderID,
		Type:      m.Type,
		CreatedAt: m.CreatedAt,
	}
}
