package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"pqchat/crypto"
	"pqchat/models"
	"pqchat/network"
	"pqchat/queue"
	"pqchat/session"
	"pqchat/vault"
)

// OutboundMessage is what a caller hands to Send.
type OutboundMessage struct {
	ConversationID string
	RecipientIDs   []string
	Type           models.MessageType
	Content        models.Content
	ReplyTo        string
	ThreadID       string
	Mentions       []string
	Priority       models.Priority
	// ScheduledAt delays the first delivery attempt.
	ScheduledAt *time.Time
	// ExpiresIn makes the message ephemeral when positive.
	ExpiresIn time.Duration
}

// DirectConversationID is the conversation ID two users share for direct
// messages, independent of who writes first.
func DirectConversationID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "direct:" + a + ":" + b
}

// Send stores the message locally as pending and queues it for delivery.
// It returns the stored message and the queue temp ID.
func (e *Engine) Send(ctx context.Context, out OutboundMessage) (*models.Message, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if len(out.RecipientIDs) == 0 {
		return nil, "", errors.New("engine: at least one recipient is required")
	}
	if out.Type == "" {
		out.Type = models.MessageTypeText
	}

	now := e.now()
	msg := &models.Message{
		ID:      uuid.NewString(),
		Type:    out.Type,
		Content: out.Content,
		Metadata: models.Metadata{
			SenderID:       e.identity.ID,
			RecipientIDs:   append([]string(nil), out.RecipientIDs...),
			ConversationID: out.ConversationID,
			ReplyTo:        out.ReplyTo,
			ThreadID:       out.ThreadID,
			Mentions:       append([]string(nil), out.Mentions...),
			DeliveryStatus: models.DeliveryPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if out.ExpiresIn > 0 {
		expires := now.Add(out.ExpiresIn)
		msg.Metadata.ExpiresAt = &expires
	}
	if err := msg.Validate(); err != nil {
		return nil, "", fmt.Errorf("engine: %w", err)
	}

	if err := e.ensureConversation(msg); err != nil {
		return nil, "", fmt.Errorf("engine: %w", err)
	}
	if err := e.vault.StoreMessage(msg); err != nil {
		return nil, "", fmt.Errorf("engine: store outgoing message: %w", err)
	}
	tempID, err := e.queue.QueueMessage(msg, out.ConversationID, out.Priority, out.ScheduledAt)
	if err != nil {
		return nil, "", fmt.Errorf("engine: %w", err)
	}

	e.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"temp_id":    tempID,
		"recipients": len(out.RecipientIDs),
	}).Debug("Queued outgoing message")
	return msg.Clone(), tempID, nil
}

// RemoveMessage cancels a queued message by temp ID, dropping any pending
// retry and the record of recipients it already reached.
func (e *Engine) RemoveMessage(tempID string) bool {
	removed := e.queue.RemoveMessage(tempID)
	e.forgetDelivered(tempID)
	if removed {
		e.log.WithField("temp_id", tempID).Debug("Removed queued message")
	}
	return removed
}

// deliver encrypts the queued message for every recipient not yet reached
// and hands each signed envelope to the transport. Key and encryption
// failures are permanent; transport failures are retried by the queue.
func (e *Engine) deliver(ctx context.Context, qm models.QueuedMessage) (string, error) {
	msg := qm.Message
	if _, err := e.vault.AdvanceDeliveryStatus(msg.ID, models.DeliverySending); err != nil && !errors.Is(err, vault.ErrNotFound) {
		e.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to mark message sending")
	}

	wire := msg.Clone()
	wire.Encryption = nil
	wire.Metadata.DeliveryStatus = ""

	recordInfo := len(msg.Metadata.RecipientIDs) == 1
	for _, recipientID := range msg.Metadata.RecipientIDs {
		if e.alreadyDelivered(qm.TempID, recipientID) {
			continue
		}
		if err := e.deliverTo(ctx, wire, recipientID, recordInfo); err != nil {
			return "", err
		}
		e.markDelivered(qm.TempID, recipientID)
	}
	return msg.ID, nil
}

// deliverTo seals wire for one recipient and sends it. With recordInfo
// the encryption info is stored on the local copy before the envelope
// leaves, so a fast ack cannot be overwritten.
func (e *Engine) deliverTo(ctx context.Context, wire *models.Message, recipientID string, recordInfo bool) error {
	keys, err := e.directory.PeerKeys(recipientID)
	if err != nil {
		return queue.Permanent(err)
	}

	sess, err := e.sessions.EstablishSession(ctx, recipientID, keys.KEMPublicKey, e.sessionTTL)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return queue.Permanent(err)
	}
	ciphertext, info, sealed, err := e.seal(ctx, sess, wire)
	if err != nil {
		if errors.Is(err, session.ErrSessionExpired) || ctx.Err() != nil {
			return err
		}
		return queue.Permanent(err)
	}

	if recordInfo {
		e.recordEncryption(wire.ID, info)
	}

	env := network.NewEncryptedMessage(wire.ID, e.identity.ID, recipientID, ciphertext, sess.KEMCiphertext, info, e.now())
	env.Data.Attachment = sealed.attachment
	env.Data.MAC = sealed.mac
	if err := network.SignEnvelope(env, e.identity.SigningKey); err != nil {
		return queue.Permanent(err)
	}
	payload, err := network.EncodeJSON(env)
	if err != nil {
		return queue.Permanent(err)
	}

	if err := e.transport.Send(ctx, recipientID, payload); err != nil {
		if errors.Is(err, network.ErrFrameTooLarge) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("send to %s: %w", recipientID, err)
	}

	e.log.WithFields(logrus.Fields{
		"message_id": wire.ID,
		"recipient":  recipientID,
		"key_id":     info.KeyID,
		"attachment": sealed.attachment != nil,
	}).Debug("Delivered envelope")
	return nil
}

type sealExtras struct {
	attachment *models.EncryptionInfo
	mac        []byte
}

// seal encrypts wire under sess. Attachment bytes get a second layer under
// a key derived for the message ID, and the plaintext message is
// authenticated with a session MAC.
func (e *Engine) seal(ctx context.Context, sess *session.Session, wire *models.Message) ([]byte, models.EncryptionInfo, sealExtras, error) {
	var extras sealExtras
	mac, err := e.sessions.MessageMAC(ctx, sess, wire)
	if err != nil {
		return nil, models.EncryptionInfo{}, extras, err
	}
	extras.mac = mac

	body := wire
	if wire.Type.IsAttachment() && len(wire.Content.Data) > 0 {
		sealed, attachment, err := e.sessions.SealAttachment(ctx, sess, wire.ID, wire.Content.Data)
		if err != nil {
			return nil, models.EncryptionInfo{}, extras, fmt.Errorf("encrypt attachment: %w", err)
		}
		body = wire.Clone()
		body.Content.Data = sealed
		extras.attachment = &attachment
	}

	plaintext, err := json.Marshal(body)
	if err != nil {
		return nil, models.EncryptionInfo{}, extras, fmt.Errorf("encode message: %w", err)
	}
	ciphertext, info, err := e.sessions.EncryptMessage(ctx, sess, plaintext)
	crypto.SecureWipe(plaintext)
	if err != nil {
		return nil, models.EncryptionInfo{}, extras, err
	}
	return ciphertext, info, extras, nil
}

func (e *Engine) recordEncryption(messageID string, info models.EncryptionInfo) {
	stored, err := e.vault.GetMessage(messageID)
	if err != nil {
		return
	}
	stored.Encryption = &info
	if err := e.vault.UpdateMessage(stored); err != nil {
		e.log.WithError(err).WithField("message_id", messageID).Warn("Failed to record encryption info")
	}
}

// MessageSent implements queue.Listener.
func (e *Engine) MessageSent(qm models.QueuedMessage, finalID string) {
	e.forgetDelivered(qm.TempID)
	if _, err := e.vault.AdvanceDeliveryStatus(finalID, models.DeliverySent); err != nil && !errors.Is(err, vault.ErrNotFound) {
		e.log.WithError(err).WithField("message_id", finalID).Warn("Failed to mark message sent")
	}

	msg := qm.Message
	if stored, err := e.vault.GetMessage(finalID); err == nil {
		msg = stored
	} else {
		msg.Metadata.DeliveryStatus = models.DeliverySent
	}
	e.observer.OnMessageSent(msg)
}

// MessageRetryScheduled implements queue.Listener.
func (e *Engine) MessageRetryScheduled(qm models.QueuedMessage, delay time.Duration) {
	e.log.WithFields(logrus.Fields{
		"message_id": qm.Message.ID,
		"attempt":    qm.RetryCount,
		"delay":      delay,
	}).Debug("Delivery retry scheduled")
	// An ack may already have moved the message past sending.
	if _, err := e.vault.SwapDeliveryStatus(qm.Message.ID, models.DeliveryPending, models.DeliverySending); err != nil && !errors.Is(err, vault.ErrNotFound) {
		e.log.WithError(err).WithField("message_id", qm.Message.ID).Warn("Failed to mark message pending")
	}
}

// MessagePermanentlyFailed implements queue.Listener.
func (e *Engine) MessagePermanentlyFailed(qm models.QueuedMessage, err error) {
	e.forgetDelivered(qm.TempID)
	_, setErr := e.vault.SwapDeliveryStatus(qm.Message.ID, models.DeliveryFailed,
		"", models.DeliveryPending, models.DeliverySending)
	if setErr != nil && !errors.Is(setErr, vault.ErrNotFound) {
		e.log.WithError(setErr).WithField("message_id", qm.Message.ID).Warn("Failed to mark message failed")
	}

	msg := qm.Message
	msg.Metadata.DeliveryStatus = models.DeliveryFailed
	e.observer.OnMessagePermanentlyFailed(msg, err)
}
