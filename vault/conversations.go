package vault

import (
	"errors"
	"fmt"

	"pqchat/models"
	"pqchat/storage"
)

// StoreConversation creates or replaces a conversation.
func (v *Vault) StoreConversation(conv *models.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("vault: conversation id is required")
	}
	switch conv.Type {
	case models.ConversationDirect, models.ConversationGroup, models.ConversationChannel, models.ConversationBroadcast:
	default:
		return fmt.Errorf("vault: invalid conversation type %q", conv.Type)
	}

	now := v.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now

	v.mu.Lock()
	defer v.mu.Unlock()
	return v.saveConversation(conv)
}

func (v *Vault) saveConversation(conv *models.Conversation) error {
	record, err := v.sealConversation(conv)
	if err != nil {
		return err
	}
	if err := v.store.UpsertConversation(record); err != nil {
		return fmt.Errorf("store conversation %q: %w", conv.ID, err)
	}
	return nil
}

// GetConversation returns one conversation.
func (v *Vault) GetConversation(id string) (*models.Conversation, error) {
	record, err := v.store.GetConversation(id)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation %q: %w", id, err)
	}
	return v.openConversation(record)
}

// ListConversations returns every conversation, most recently active first.
func (v *Vault) ListConversations() ([]*models.Conversation, error) {
	records, err := v.store.ListConversations()
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := make([]*models.Conversation, 0, len(records))
	for i := range records {
		conv, err := v.openConversation(&records[i])
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, nil
}

// DeleteConversation removes a conversation together with its messages.
func (v *Vault) DeleteConversation(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.DeleteConversation(id); err != nil {
		if notFound(err) {
			return fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete conversation %q: %w", id, err)
	}
	for _, messageID := range v.index.removeConversation(id) {
		v.forget(messageID)
	}
	return nil
}

// touchConversation advances LastMessage when msg is newer than the current
// preview. Messages for unknown conversations are stored without one.
func (v *Vault) touchConversation(msg *models.Message) error {
	conv, err := v.GetConversation(msg.Metadata.ConversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.LastMessage != nil && conv.LastMessage.CreatedAt.After(msg.CreatedAt) {
		return nil
	}

	conv.LastMessage = models.Preview(msg)
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	return v.saveConversation(conv)
}

// refreshLastMessage recomputes the preview after removedID was deleted.
func (v *Vault) refreshLastMessage(conversationID, removedID string) error {
	conv, err := v.GetConversation(conversationID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if conv.LastMessage == nil || conv.LastMessage.MessageID != removedID {
		return nil
	}

	records, err := v.store.QueryMessages(storage.MessageQuery{ConversationID: conversationID, Limit: 1})
	if err != nil {
		return fmt.Errorf("find latest message of %q: %w", conversationID, err)
	}
	conv.LastMessage = nil
	if len(records) > 0 {
		latest, err := v.openMessage(&records[0])
		if err != nil {
			return err
		}
		conv.LastMessage = models.Preview(latest)
	}
	return v.saveConversation(conv)
}
