package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"pqchat/crypto"
	"pqchat/models"
	"pqchat/network"
	"pqchat/session"
	"pqchat/storage"
	"pqchat/vault"
)

// HandleInbound processes one payload received from peerID. Encrypted
// messages are verified, replay-checked, decrypted and stored; the stored
// message is returned. Acks update delivery status and return nil.
func (e *Engine) HandleInbound(ctx context.Context, payload []byte, peerID string) (*models.Message, error) {
	env, err := network.DecodeEnvelope(payload)
	if err != nil {
		return nil, err
	}

	switch m := env.(type) {
	case *network.EncryptedMessage:
		return e.handleEncrypted(ctx, m, peerID)
	case *network.AckMessage:
		return nil, e.handleAck(m, peerID)
	case *network.PublicMessage:
		if err := e.verify(m, m.From, m.To, peerID); err != nil {
			return nil, err
		}
		e.log.WithFields(logrus.Fields{
			"peer":       peerID,
			"message_id": m.ID,
		}).Debug("Ignoring public message")
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %T", network.ErrInvalidMessageType, env)
	}
}

// verify checks routing and the envelope signature against the sender's key.
func (e *Engine) verify(env network.Envelope, from, to, peerID string) error {
	if from != peerID || (to != "" && to != e.identity.ID) {
		err := fmt.Errorf("%w: from %q to %q via %q", ErrMisrouted, from, to, peerID)
		e.securityEvent(storage.SecurityEventSignatureInvalid, peerID, storage.SecuritySeverityWarning, err, nil)
		return err
	}
	keys, err := e.directory.PeerKeys(from)
	if err != nil {
		return err
	}
	if err := network.VerifyEnvelope(env, keys.SigningKey); err != nil {
		e.log.WithField("peer", peerID).Error("Envelope signature verification failed")
		e.securityEvent(storage.SecurityEventSignatureInvalid, peerID, storage.SecuritySeverityCritical, err, nil)
		return err
	}
	return nil
}

func (e *Engine) handleEncrypted(ctx context.Context, m *network.EncryptedMessage, peerID string) (*models.Message, error) {
	if err := e.verify(m, m.From, m.To, peerID); err != nil {
		return nil, err
	}
	fields := map[string]string{"message_id": m.ID, "key_id": m.Data.KeyID}

	msg, info, err := e.open(ctx, m)
	if err != nil {
		e.recordDecryptFailure(peerID, err, fields)
		return nil, err
	}
	if err := e.checkOwnership(msg); err != nil {
		e.recordDecryptFailure(peerID, err, fields)
		return nil, err
	}

	first, err := e.store.MarkSeen(m.ID, e.clock.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	if !first {
		err := fmt.Errorf("%w: %s", ErrReplay, m.ID)
		e.securityEvent(storage.SecurityEventReplayRejected, peerID, storage.SecuritySeverityWarning, err, fields)
		return nil, err
	}

	msg.Encryption = &info
	msg.Metadata.DeliveryStatus = models.DeliveryDelivered
	if err := e.ensureConversation(msg); err != nil {
		return nil, err
	}
	stored, err := e.vault.ApplyRemote(msg)
	if err != nil && !errors.Is(err, vault.ErrSyncConflict) {
		return nil, fmt.Errorf("store inbound message: %w", err)
	}
	if stored == nil {
		stored = msg
	}

	e.log.WithFields(logrus.Fields{
		"message_id":   msg.ID,
		"peer":         peerID,
		"conversation": msg.Metadata.ConversationID,
	}).Debug("Received message")
	e.sendAck(ctx, m.ID, peerID)
	e.observer.OnMessage(stored)
	return stored, nil
}

// open recovers the session of m and returns the authenticated plaintext
// message. A session evicted between recovery and use is recovered once more.
func (e *Engine) open(ctx context.Context, m *network.EncryptedMessage) (*models.Message, models.EncryptionInfo, error) {
	info := m.EncryptionInfo()
	for attempt := 0; ; attempt++ {
		msg, err := e.openOnce(ctx, m, info)
		if errors.Is(err, session.ErrSessionExpired) && attempt == 0 {
			continue
		}
		return msg, info, err
	}
}

func (e *Engine) openOnce(ctx context.Context, m *network.EncryptedMessage, info models.EncryptionInfo) (*models.Message, error) {
	sess, err := e.sessions.RecoverSession(ctx, m.Data.KEMCiphertext, e.identity.KEM.PrivateKey, m.Data.KeyID)
	if err != nil {
		return nil, err
	}
	plaintext, err := e.sessions.DecryptMessage(ctx, sess, m.Data.Content, info)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(plaintext)

	var msg models.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("%w: decode message: %v", crypto.ErrIntegrity, err)
	}
	if msg.ID != m.ID || msg.Metadata.SenderID != m.From {
		return nil, fmt.Errorf("%w: envelope %q from %q carries message %q from %q", crypto.ErrIntegrity, m.ID, m.From, msg.ID, msg.Metadata.SenderID)
	}

	switch attachment := m.Data.Attachment; {
	case attachment != nil:
		if !msg.Type.IsAttachment() || attachment.KeyID != msg.ID {
			return nil, fmt.Errorf("%w: attachment sealed for %q on %s message %q", crypto.ErrIntegrity, attachment.KeyID, msg.Type, msg.ID)
		}
		data, err := e.sessions.OpenAttachment(ctx, sess, msg.Content.Data, *attachment)
		if err != nil {
			return nil, err
		}
		msg.Content.Data = data
	case msg.Type.IsAttachment() && len(msg.Content.Data) > 0:
		return nil, fmt.Errorf("%w: %s message %q carries an unsealed attachment", crypto.ErrIntegrity, msg.Type, msg.ID)
	}

	if err := e.sessions.VerifyMessageMAC(ctx, sess, &msg, m.Data.MAC); err != nil {
		return nil, err
	}
	return &msg, nil
}

// checkOwnership rejects an inbound message whose ID is already held
// locally under a different sender or conversation. Only the original
// sender may update a message through ApplyRemote.
func (e *Engine) checkOwnership(msg *models.Message) error {
	existing, err := e.vault.GetMessage(msg.ID)
	switch {
	case errors.Is(err, vault.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("load existing message: %w", err)
	}
	if existing.Metadata.SenderID != msg.Metadata.SenderID ||
		existing.Metadata.ConversationID != msg.Metadata.ConversationID {
		return fmt.Errorf("%w: message %q belongs to %q in %q", crypto.ErrIntegrity,
			msg.ID, existing.Metadata.SenderID, existing.Metadata.ConversationID)
	}
	return nil
}

func (e *Engine) recordDecryptFailure(peerID string, err error, fields map[string]string) {
	eventType := storage.SecurityEventDecryptionFailure
	if errors.Is(err, crypto.ErrIntegrity) {
		eventType = storage.SecurityEventIntegrityFailure
	}
	if errors.Is(err, session.ErrSessionExpired) {
		e.log.WithField("peer", peerID).Warn("Inbound message for expired session")
	}
	e.log.WithFields(logrus.Fields{
		"peer":  peerID,
		"error": err.Error(),
	}).Error("Inbound message failed to decrypt")
	e.securityEvent(eventType, peerID, storage.SecuritySeverityCritical, err, fields)
}

// ensureConversation creates the conversation of an inbound message when
// it is not known locally yet.
func (e *Engine) ensureConversation(msg *models.Message) error {
	_, err := e.vault.GetConversation(msg.Metadata.ConversationID)
	if err == nil || !errors.Is(err, vault.ErrNotFound) {
		return err
	}

	members := append([]string{msg.Metadata.SenderID}, msg.Metadata.RecipientIDs...)
	convType := models.ConversationDirect
	if len(members) > 2 {
		convType = models.ConversationGroup
	}
	conv := &models.Conversation{
		ID:        msg.Metadata.ConversationID,
		Type:      convType,
		CreatedAt: msg.CreatedAt,
	}
	for _, id := range members {
		conv.Participants = append(conv.Participants, models.Participant{
			UserID:   id,
			Role:     models.RoleMember,
			JoinedAt: msg.CreatedAt,
		})
	}
	return e.vault.StoreConversation(conv)
}

func (e *Engine) sendAck(ctx context.Context, messageID, peerID string) {
	ack := &network.AckMessage{
		Type:      network.TypeAck,
		ID:        messageID,
		From:      e.identity.ID,
		To:        peerID,
		Status:    network.AckDelivered,
		Timestamp: e.clock.Now().UnixMilli(),
	}
	err := network.SignEnvelope(ack, e.identity.SigningKey)
	if err == nil {
		var payload []byte
		payload, err = network.EncodeJSON(ack)
		if err == nil {
			err = e.transport.Send(ctx, peerID, payload)
		}
	}
	if err != nil {
		e.log.WithError(err).WithField("message_id", messageID).Debug("Ack not delivered")
	}
}

func (e *Engine) handleAck(m *network.AckMessage, peerID string) error {
	if err := e.verify(m, m.From, m.To, peerID); err != nil {
		return err
	}
	if m.Status != network.AckDelivered {
		e.log.WithFields(logrus.Fields{
			"message_id": m.ID,
			"status":     m.Status,
		}).Warn("Peer rejected message")
		return nil
	}

	if _, err := e.vault.AdvanceDeliveryStatus(m.ID, models.DeliveryDelivered); err != nil && !errors.Is(err, vault.ErrNotFound) {
		return err
	}
	return nil
}
