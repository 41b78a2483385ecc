package vault

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/forPelevin/gomoji"
	"github.com/sirupsen/logrus"

	"pqchat/models"
	"pqchat/storage"
)

// Filter narrows GetMessages. Query restricts results to search matches.
type Filter struct {
	ConversationID string
	SenderID       string
	Types          []models.MessageType
	From           *time.Time
	To             *time.Time
	HasAttachment  *bool
	Query          string
	Offset         int
	Limit          int
	// Cursor is a NextCursor from a previous page and overrides Offset.
	Cursor string
}

// Page is one batch of messages.
type Page struct {
	Messages   []*models.Message
	Total      int
	HasMore    bool
	NextCursor string
}

// StoreMessage persists msg and indexes it.
func (v *Vault) StoreMessage(msg *models.Message) error {
	return v.StoreMessages([]*models.Message{msg})
}

// StoreMessages persists a batch of messages in one transaction.
func (v *Vault) StoreMessages(msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	records := make([]storage.MessageRecord, 0, len(msgs))
	for _, msg := range msgs {
		if msg == nil {
			return fmt.Errorf("vault: nil message")
		}
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("vault: %w", err)
		}
		if msg.UpdatedAt.IsZero() {
			msg.UpdatedAt = msg.CreatedAt
		}
		record, err := v.sealMessage(msg)
		if err != nil {
			return err
		}
		records = append(records, record)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.store.UpsertMessages(records); err != nil {
		return fmt.Errorf("store messages: %w", err)
	}
	for _, msg := range msgs {
		v.index.put(msg)
		v.remember(msg)
		if err := v.recordSync(msg.ID, storage.SyncOpCreate); err != nil {
			return err
		}
		if err := v.touchConversation(msg); err != nil {
			return err
		}
	}

	v.log.WithField("count", len(msgs)).Debug("Stored messages")
	return nil
}

// GetMessage returns one message. Tombstones are reported as not found.
func (v *Vault) GetMessage(id string) (*models.Message, error) {
	if msg, ok := v.cached(id); ok {
		return msg, nil
	}

	record, err := v.store.GetMessage(id)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get message %q: %w", id, err)
	}
	if record.Deleted {
		return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
	}

	msg, err := v.openMessage(record)
	if err != nil {
		return nil, err
	}
	v.remember(msg)
	return msg, nil
}

// GetMessages returns a newest-first page of messages matching filter.
func (v *Vault) GetMessages(filter Filter) (*Page, error) {
	return v.page(filter, false)
}

// GetConversationMessages returns a chronological page of one conversation.
func (v *Vault) GetConversationMessages(conversationID string, offset, limit int) (*Page, error) {
	return v.page(Filter{ConversationID: conversationID, Offset: offset, Limit: limit}, true)
}

func (v *Vault) page(filter Filter, ascending bool) (*Page, error) {
	offset := filter.Offset
	if filter.Cursor != "" {
		parsed, err := strconv.Atoi(filter.Cursor)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("vault: invalid cursor %q", filter.Cursor)
		}
		offset = parsed
	}
	if offset < 0 {
		offset = 0
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	q := storage.MessageQuery{
		ConversationID: filter.ConversationID,
		SenderID:       filter.SenderID,
		HasAttachment:  filter.HasAttachment,
		Ascending:      ascending,
		Limit:          limit,
		Offset:         offset,
	}
	for _, t := range filter.Types {
		q.MessageTypes = append(q.MessageTypes, string(t))
	}
	if filter.From != nil {
		from := filter.From.UnixMilli()
		q.FromTimestamp = &from
	}
	if filter.To != nil {
		to := filter.To.UnixMilli()
		q.ToTimestamp = &to
	}
	if filter.Query != "" {
		q.RestrictToIDs = true
		for _, result := range v.Search(filter.Query, SearchOptions{ConversationID: filter.ConversationID}) {
			q.MessageIDs = append(q.MessageIDs, result.Entry.MessageID)
		}
	}

	total, err := v.store.CountMessages(q)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	records, err := v.store.QueryMessages(q)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	page := &Page{Messages: make([]*models.Message, 0, len(records)), Total: total}
	for i := range records {
		msg, err := v.openMessage(&records[i])
		if err != nil {
			return nil, err
		}
		page.Messages = append(page.Messages, msg)
	}
	if next := offset + len(records); next < total {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(next)
	}
	return page, nil
}

// UpdateMessage replaces a stored message and stamps UpdatedAt.
func (v *Vault) UpdateMessage(msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if _, err := v.GetMessage(msg.ID); err != nil {
		return err
	}

	msg.UpdatedAt = v.now()
	return v.rewrite(msg)
}

// EditMessage replaces the content data of a message, keeping the previous
// revision in its edit history.
func (v *Vault) EditMessage(id string, data []byte) (*models.Message, error) {
	msg, err := v.GetMessage(id)
	if err != nil {
		return nil, err
	}

	now := v.now()
	msg.Metadata.EditHistory = append(msg.Metadata.EditHistory, models.Edit{
		PreviousData: msg.Content.Data,
		EditedAt:     now,
	})
	msg.Content.Data = append([]byte(nil), data...)
	msg.Content.Size = int64(len(data))
	msg.UpdatedAt = now
	if err := v.rewrite(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// AddReaction records userID's emoji on a message. A user reacting with the
// same emoji twice is a no-op.
func (v *Vault) AddReaction(messageID, userID, emoji string) (*models.Message, error) {
	if err := validateReaction(emoji); err != nil {
		return nil, err
	}

	msg, err := v.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	for _, r := range msg.Metadata.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return msg, nil
		}
	}

	now := v.now()
	msg.Metadata.Reactions = append(msg.Metadata.Reactions, models.Reaction{
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: now,
	})
	msg.UpdatedAt = now
	if err := v.rewrite(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func validateReaction(emoji string) error {
	found := gomoji.CollectAll(emoji)
	if len(found) != 1 || found[0].Character != emoji {
		return fmt.Errorf("%w: %q", ErrInvalidReaction, emoji)
	}
	return nil
}

// MarkRead records a read receipt for userID and marks the message read.
func (v *Vault) MarkRead(messageID, userID string) (*models.Message, error) {
	msg, err := v.GetMessage(messageID)
	if err != nil {
		return nil, err
	}
	for _, receipt := range msg.Metadata.ReadReceipts {
		if receipt.UserID == userID {
			return msg, nil
		}
	}

	now := v.now()
	msg.Metadata.ReadReceipts = append(msg.Metadata.ReadReceipts, models.ReadReceipt{UserID: userID, ReadAt: now})
	msg.Metadata.DeliveryStatus = models.DeliveryRead
	msg.UpdatedAt = now
	if err := v.rewrite(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SetDeliveryStatus updates the delivery status of a stored message.
func (v *Vault) SetDeliveryStatus(messageID string, status models.DeliveryStatus) error {
	msg, err := v.GetMessage(messageID)
	if err != nil {
		return err
	}
	if msg.Metadata.DeliveryStatus == status {
		return nil
	}
	msg.Metadata.DeliveryStatus = status
	msg.UpdatedAt = v.now()
	return v.rewrite(msg)
}

// AdvanceDeliveryStatus moves a message's delivery status forward along
// pending, sending, sent, delivered, read. It reports whether the status
// changed; a status at or behind the current one is ignored.
func (v *Vault) AdvanceDeliveryStatus(messageID string, status models.DeliveryStatus) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	msg, err := v.GetMessage(messageID)
	if err != nil {
		return false, err
	}
	if deliveryRank(status) <= deliveryRank(msg.Metadata.DeliveryStatus) {
		return false, nil
	}
	msg.Metadata.DeliveryStatus = status
	msg.UpdatedAt = v.now()
	if err := v.writeMessage(msg, storage.SyncOpUpdate); err != nil {
		return false, err
	}
	return true, nil
}

// SwapDeliveryStatus sets status only when the current status is one of
// from, and reports whether it did.
func (v *Vault) SwapDeliveryStatus(messageID string, status models.DeliveryStatus, from ...models.DeliveryStatus) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	msg, err := v.GetMessage(messageID)
	if err != nil {
		return false, err
	}
	if msg.Metadata.DeliveryStatus == status || !slices.Contains(from, msg.Metadata.DeliveryStatus) {
		return false, nil
	}
	msg.Metadata.DeliveryStatus = status
	msg.UpdatedAt = v.now()
	if err := v.writeMessage(msg, storage.SyncOpUpdate); err != nil {
		return false, err
	}
	return true, nil
}

func (v *Vault) rewrite(msg *models.Message) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeMessage(msg, storage.SyncOpUpdate)
}

// writeMessage persists one message and refreshes the index and cache.
// An empty syncOp skips the replication record. Callers hold v.mu.
func (v *Vault) writeMessage(msg *models.Message, syncOp string) error {
	record, err := v.sealMessage(msg)
	if err != nil {
		return err
	}
	if err := v.store.UpsertMessage(record); err != nil {
		return fmt.Errorf("write message %q: %w", msg.ID, err)
	}
	v.index.put(msg)
	v.remember(msg)
	if syncOp == "" {
		return nil
	}
	return v.recordSync(msg.ID, syncOp)
}

// DeleteMessage removes a message. With sync enabled the row is kept as a
// tombstone until the deletion has been replicated.
func (v *Vault) DeleteMessage(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	record, err := v.store.GetMessage(id)
	if err != nil {
		if notFound(err) {
			return fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	if record.Deleted {
		return fmt.Errorf("message %q: %w", id, ErrNotFound)
	}

	if v.syncEnabled {
		err = v.store.TombstoneMessage(id, v.now().UnixMilli())
	} else {
		err = v.store.DeleteMessage(id)
	}
	if err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}

	v.index.remove(id)
	v.forget(id)
	if err := v.recordSync(id, storage.SyncOpDelete); err != nil {
		return err
	}
	if err := v.refreshLastMessage(record.ConversationID, id); err != nil {
		return err
	}

	v.log.WithFields(logrus.Fields{
		"message_id": id,
		"tombstone":  v.syncEnabled,
	}).Debug("Deleted message")
	return nil
}

func (v *Vault) recordSync(messageID, operation string) error {
	if !v.syncEnabled {
		return nil
	}
	if err := v.store.AppendSyncOp(messageID, operation, v.now().UnixMilli()); err != nil {
		return fmt.Errorf("record sync %s for %q: %w", operation, messageID, err)
	}
	return nil
}
