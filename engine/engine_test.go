package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqchat/crypto"
	"pqchat/models"
	"pqchat/network"
	"pqchat/queue"
	"pqchat/storage"
	"pqchat/vault"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type peer struct {
	id       string
	opts     Options
	engine   *Engine
	store    *storage.Store
	vault    *vault.Vault
	received chan *models.Message
	failed   chan error
}

func newPeer(t *testing.T, id string, dir *Directory, transport network.Transport) *peer {
	t.Helper()
	return newPeerWith(t, id, dir, transport, nil)
}

func newPeerWith(t *testing.T, id string, dir *Directory, transport network.Transport, mutate func(*Options)) *peer {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	storageKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	v, err := vault.New(vault.Options{Store: store, StorageKey: storageKey, Logger: quietLogger()})
	require.NoError(t, err)

	kemPair, err := crypto.GenerateKEMKeyPair()
	require.NoError(t, err)
	signing, err := crypto.GenerateSigningKeys()
	require.NoError(t, err)
	dir.Add(id, PeerKeys{KEMPublicKey: kemPair.PublicKey, SigningKey: signing.Public()})

	p := &peer{
		id:       id,
		store:    store,
		vault:    v,
		received: make(chan *models.Message, 8),
		failed:   make(chan error, 8),
	}
	opts := Options{
		Identity:       Identity{ID: id, KEM: kemPair, SigningKey: signing},
		Directory:      dir,
		Transport:      transport,
		Vault:          v,
		Store:          store,
		MaxRetries:     2,
		RetryBaseDelay: 10 * time.Millisecond,
		Observer: ObserverFuncs{
			Message: func(msg *models.Message) { p.received <- msg },
			MessagePermanentlyFail: func(msg *models.Message, err error) {
				p.failed <- err
			},
		},
		Logger: quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	e, err := New(opts)
	require.NoError(t, err)
	p.opts = opts
	p.engine = e
	return p
}

func (p *peer) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Errorf("engine %s did not stop", p.id)
		}
	})
}

// captureTransport records outgoing payloads instead of delivering them.
type captureTransport struct {
	mu      sync.Mutex
	sent    []network.Inbound
	sendErr error
	inbound chan network.Inbound
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{inbound: make(chan network.Inbound)}
}

func (c *captureTransport) Send(_ context.Context, peerID string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, network.Inbound{PeerID: peerID, Payload: append([]byte(nil), payload...)})
	return nil
}

func (c *captureTransport) Receive() <-chan network.Inbound { return c.inbound }
func (c *captureTransport) Close() error                    { return nil }

func (c *captureTransport) last(t *testing.T) network.Inbound {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

func hello(recipients ...string) OutboundMessage {
	return OutboundMessage{
		ConversationID: "conv-ab",
		RecipientIDs:   recipients,
		Content:        models.Content{Data: []byte("hello"), MimeType: "text/plain"},
	}
}

// sealFromAlice runs one dispatch of a freshly sent message and returns
// the envelope payload alice produced for bob.
func sealFromAlice(t *testing.T, alice *peer, capture *captureTransport) (*models.Message, []byte) {
	t.Helper()
	msg, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)

	qm, ok := alice.engine.Queue().Next()
	require.True(t, ok)
	finalID, err := alice.engine.deliver(context.Background(), qm)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, finalID)
	return msg, capture.last(t).Payload
}

func TestSendDeliversEncryptedMessageEndToEnd(t *testing.T) {
	hub := network.NewMemoryHub()
	dir := NewDirectory()
	alice := newPeer(t, "alice", dir, hub.Join("alice"))
	bob := newPeer(t, "bob", dir, hub.Join("bob"))
	alice.run(t)
	bob.run(t)

	sent, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryPending, sent.Metadata.DeliveryStatus)

	var got *models.Message
	select {
	case got = <-bob.received:
	case <-time.After(5 * time.Second):
		t.Fatal("bob did not receive the message")
	}
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hello", string(got.Content.Data))
	assert.Equal(t, "alice", got.Metadata.SenderID)
	require.NotNil(t, got.Encryption)
	assert.Equal(t, crypto.KEMAlgorithm+"+"+crypto.SymmetricAlgorithm, got.Encryption.Algorithm)

	stored, err := bob.vault.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, stored.Metadata.DeliveryStatus)

	conv, err := bob.vault.GetConversation("conv-ab")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDirect, conv.Type)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs())

	assert.Eventually(t, func() bool {
		local, err := alice.vault.GetMessage(sent.ID)
		return err == nil && local.Metadata.DeliveryStatus == models.DeliveryDelivered && local.Encryption != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, alice.engine.Queue().Len())
}

func TestSendRetriesUntilRecipientComesOnline(t *testing.T) {
	hub := network.NewMemoryHub()
	dir := NewDirectory()
	alice := newPeerWith(t, "alice", dir, hub.Join("alice"), func(o *Options) {
		o.MaxRetries = 50
		o.RetryBaseDelay = 5 * time.Millisecond
	})
	bobTransport := hub.Join("bob")
	bob := newPeer(t, "bob", dir, bobTransport)
	bobTransport.SetOnline(false)
	alice.run(t)
	bob.run(t)

	sent, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	bobTransport.SetOnline(true)

	select {
	case got := <-bob.received:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("message was not delivered after the recipient came online")
	}
}

func TestOutboxResumesDeliveryAfterRestart(t *testing.T) {
	hub := network.NewMemoryHub()
	dir := NewDirectory()
	outboxKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	alice := newPeerWith(t, "alice", dir, hub.Join("alice"), func(o *Options) {
		o.Outbox = o.Store.Outbox(outboxKey)
	})
	bob := newPeer(t, "bob", dir, hub.Join("bob"))
	bob.run(t)

	sent, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)
	n, err := alice.store.Outbox(outboxKey).Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restarted, err := New(alice.opts)
	require.NoError(t, err)
	resumed := *alice
	resumed.engine = restarted
	resumed.run(t)

	select {
	case got := <-bob.received:
		assert.Equal(t, sent.ID, got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("restored message was not delivered")
	}
	assert.Eventually(t, func() bool {
		n, err := alice.store.Outbox(outboxKey).Len()
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendToUnknownRecipientFailsPermanently(t *testing.T) {
	hub := network.NewMemoryHub()
	dir := NewDirectory()
	alice := newPeer(t, "alice", dir, hub.Join("alice"))
	alice.run(t)

	sent, _, err := alice.engine.Send(context.Background(), hello("carol"))
	require.NoError(t, err)

	select {
	case err := <-alice.failed:
		assert.ErrorIs(t, err, queue.ErrRetryExhausted)
		assert.ErrorIs(t, err, ErrUnknownPeer)
	case <-time.After(5 * time.Second):
		t.Fatal("expected permanent failure")
	}

	assert.Eventually(t, func() bool {
		local, err := alice.vault.GetMessage(sent.ID)
		return err == nil && local.Metadata.DeliveryStatus == models.DeliveryFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSendRequiresRecipient(t *testing.T) {
	dir := NewDirectory()
	alice := newPeer(t, "alice", dir, newCaptureTransport())

	_, _, err := alice.engine.Send(context.Background(), OutboundMessage{ConversationID: "conv-ab"})
	assert.Error(t, err)
	assert.Equal(t, 0, alice.engine.Queue().Len())
}

func TestDeliverTransportFailureIsRetryable(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	capture.sendErr = network.ErrPeerUnreachable
	alice := newPeer(t, "alice", dir, capture)
	newPeer(t, "bob", dir, newCaptureTransport())

	_, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)
	qm, ok := alice.engine.Queue().Next()
	require.True(t, ok)

	_, err = alice.engine.deliver(context.Background(), qm)
	require.ErrorIs(t, err, network.ErrPeerUnreachable)
	assert.False(t, queue.IsPermanent(err))
}

func TestDeliverSkipsRecipientsAlreadyReached(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	newPeer(t, "bob", dir, newCaptureTransport())
	newPeer(t, "carol", dir, newCaptureTransport())

	_, _, err := alice.engine.Send(context.Background(), hello("bob", "carol"))
	require.NoError(t, err)
	qm, ok := alice.engine.Queue().Next()
	require.True(t, ok)

	alice.engine.markDelivered(qm.TempID, "bob")
	_, err = alice.engine.deliver(context.Background(), qm)
	require.NoError(t, err)

	capture.mu.Lock()
	defer capture.mu.Unlock()
	require.Len(t, capture.sent, 1)
	assert.Equal(t, "carol", capture.sent[0].PeerID)
}

func TestHandleInboundRejectsTamperedCiphertext(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())
	_, payload := sealFromAlice(t, alice, capture)

	env, err := network.DecodeEnvelope(payload)
	require.NoError(t, err)
	msg := env.(*network.EncryptedMessage)
	msg.Data.Content[0] ^= 0xff
	require.NoError(t, network.SignEnvelope(msg, alice.engine.identity.SigningKey))
	tampered, err := network.EncodeJSON(msg)
	require.NoError(t, err)

	_, err = bob.engine.HandleInbound(context.Background(), tampered, "alice")
	require.ErrorIs(t, err, crypto.ErrIntegrity)

	// Same tamper with a matching checksum reaches the AEAD tag check.
	msg.Data.Checksum = crypto.Checksum(msg.Data.Content)
	require.NoError(t, network.SignEnvelope(msg, alice.engine.identity.SigningKey))
	tampered, err = network.EncodeJSON(msg)
	require.NoError(t, err)

	_, err = bob.engine.HandleInbound(context.Background(), tampered, "alice")
	require.ErrorIs(t, err, crypto.ErrDecryption)

	events, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{PeerID: "alice"})
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, storage.SecurityEventIntegrityFailure)
	assert.Contains(t, types, storage.SecurityEventDecryptionFailure)

	_, err = bob.vault.GetMessage(msg.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)
}

func TestHandleInboundRejectsBadSignature(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())
	_, payload := sealFromAlice(t, alice, capture)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	raw["id"] = "forged-id"
	forged, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = bob.engine.HandleInbound(context.Background(), forged, "alice")
	require.ErrorIs(t, err, network.ErrInvalidSignature)

	events, err := bob.store.GetSecurityEvents(storage.SecurityEventFilter{EventType: storage.SecurityEventSignatureInvalid})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestHandleInboundRejectsMisroutedEnvelope(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())
	newPeer(t, "mallory", dir, newCaptureTransport())
	_, payload := sealFromAlice(t, alice, capture)

	_, err := bob.engine.HandleInbound(context.Background(), payload, "mallory")
	assert.ErrorIs(t, err, ErrMisrouted)
}

func TestHandleInboundRejectsReplay(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())
	sent, payload := sealFromAlice(t, alice, capture)

	got, err := bob.engine.HandleInbound(context.Background(), payload, "alice")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hello", string(got.Content.Data))

	_, err = bob.engine.HandleInbound(context.Background(), payload, "alice")
	assert.ErrorIs(t, err, ErrReplay)

	select {
	case msg := <-bob.received:
		assert.Equal(t, sent.ID, msg.ID)
	default:
		t.Fatal("expected observer notification for the first delivery")
	}
	select {
	case <-bob.received:
		t.Fatal("replay must not notify the observer")
	default:
	}
}

func TestHandleAckAdvancesDeliveryStatus(t *testing.T) {
	dir := NewDirectory()
	aliceCapture := newCaptureTransport()
	bobCapture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, aliceCapture)
	bob := newPeer(t, "bob", dir, bobCapture)
	sent, payload := sealFromAlice(t, alice, aliceCapture)

	_, err := bob.engine.HandleInbound(context.Background(), payload, "alice")
	require.NoError(t, err)
	ack := bobCapture.last(t)
	assert.Equal(t, "alice", ack.PeerID)

	msg, err := alice.engine.HandleInbound(context.Background(), ack.Payload, "bob")
	require.NoError(t, err)
	assert.Nil(t, msg)

	local, err := alice.vault.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, local.Metadata.DeliveryStatus)
}

func TestHandleInboundRejectsGarbage(t *testing.T) {
	dir := NewDirectory()
	bob := newPeer(t, "bob", dir, newCaptureTransport())

	_, err := bob.engine.HandleInbound(context.Background(), []byte(`{"type":"ping"}`), "alice")
	assert.True(t, errors.Is(err, network.ErrInvalidMessageType))
}

func TestDirectConversationIDIsSymmetric(t *testing.T) {
	assert.Equal(t, DirectConversationID("alice", "bob"), DirectConversationID("bob", "alice"))
	assert.Equal(t, "direct:alice:bob", DirectConversationID("bob", "alice"))
}

func TestSendCreatesConversationForSender(t *testing.T) {
	dir := NewDirectory()
	alice := newPeer(t, "alice", dir, newCaptureTransport())

	sent, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)

	conv, err := alice.vault.GetConversation("conv-ab")
	require.NoError(t, err)
	assert.Equal(t, models.ConversationDirect, conv.Type)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, sent.ID, conv.LastMessage.MessageID)
}

// sealFrom has from encrypt and sign msg for recipientID exactly as a
// delivery would, returning the envelope payload.
func sealFrom(t *testing.T, from *peer, capture *captureTransport, msg *models.Message, recipientID string) []byte {
	t.Helper()
	require.NoError(t, from.engine.deliverTo(context.Background(), msg, recipientID, false))
	return capture.last(t).Payload
}

func decodeEncrypted(t *testing.T, payload []byte) *network.EncryptedMessage {
	t.Helper()
	env, err := network.DecodeEnvelope(payload)
	require.NoError(t, err)
	msg, ok := env.(*network.EncryptedMessage)
	require.True(t, ok)
	return msg
}

func resign(t *testing.T, from *peer, msg *network.EncryptedMessage) []byte {
	t.Helper()
	require.NoError(t, network.SignEnvelope(msg, from.engine.identity.SigningKey))
	payload, err := network.EncodeJSON(msg)
	require.NoError(t, err)
	return payload
}

func TestHandleInboundRejectsMessageIDOwnedByAnotherSender(t *testing.T) {
	dir := NewDirectory()
	aliceCapture := newCaptureTransport()
	bobCapture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, aliceCapture)
	bob := newPeer(t, "bob", dir, bobCapture)
	sent, _ := sealFromAlice(t, alice, aliceCapture)

	// Bob signs a well-formed message of his own that reuses alice's ID.
	hijack := &models.Message{
		ID:      sent.ID,
		Type:    models.MessageTypeText,
		Content: models.Content{Data: []byte("overwritten"), MimeType: "text/plain"},
		Metadata: models.Metadata{
			SenderID:       "bob",
			RecipientIDs:   []string{"alice"},
			ConversationID: sent.Metadata.ConversationID,
		},
		CreatedAt: sent.CreatedAt.Add(time.Minute),
		UpdatedAt: sent.CreatedAt.Add(time.Minute),
	}
	payload := sealFrom(t, bob, bobCapture, hijack, "alice")

	_, err := alice.engine.HandleInbound(context.Background(), payload, "bob")
	require.ErrorIs(t, err, crypto.ErrIntegrity)

	stored, err := alice.vault.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Metadata.SenderID)
	assert.Equal(t, "hello", string(stored.Content.Data))

	events, err := alice.store.GetSecurityEvents(storage.SecurityEventFilter{
		EventType: storage.SecurityEventIntegrityFailure,
		MessageID: sent.ID,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].PeerID)
	assert.Equal(t, "bob", *events[0].PeerID)

	select {
	case <-alice.received:
		t.Fatal("rejected message must not reach the observer")
	default:
	}
}

func TestAttachmentIsSealedSeparatelyAndRoundTrips(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())

	image := bytes.Repeat([]byte{0x89, 'P', 'N', 'G', 0x00, 0xff}, 64)
	out := hello("bob")
	out.Type = models.MessageTypeImage
	out.Content = models.Content{Data: image, MimeType: "image/png", FileName: "cat.png", Size: int64(len(image))}
	sent, _, err := alice.engine.Send(context.Background(), out)
	require.NoError(t, err)
	qm, ok := alice.engine.Queue().Next()
	require.True(t, ok)
	_, err = alice.engine.deliver(context.Background(), qm)
	require.NoError(t, err)
	payload := capture.last(t).Payload

	env := decodeEncrypted(t, payload)
	require.NotNil(t, env.Data.Attachment)
	assert.Equal(t, sent.ID, env.Data.Attachment.KeyID)
	assert.NotEmpty(t, env.Data.MAC)

	// The outer layer alone yields only the attachment ciphertext.
	sess, err := bob.engine.sessions.RecoverSession(context.Background(), env.Data.KEMCiphertext, bob.engine.identity.KEM.PrivateKey, env.Data.KeyID)
	require.NoError(t, err)
	inner, err := bob.engine.sessions.DecryptMessage(context.Background(), sess, env.Data.Content, env.EncryptionInfo())
	require.NoError(t, err)
	var sealed models.Message
	require.NoError(t, json.Unmarshal(inner, &sealed))
	assert.NotEqual(t, image, sealed.Content.Data)
	assert.Len(t, sealed.Content.Data, env.Data.Attachment.CiphertextLength)

	got, err := bob.engine.HandleInbound(context.Background(), payload, "alice")
	require.NoError(t, err)
	assert.Equal(t, image, got.Content.Data)
	assert.Equal(t, "cat.png", got.Content.FileName)

	stored, err := bob.vault.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, image, stored.Content.Data)
}

func TestHandleInboundRejectsMessageMACMismatch(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())
	sent, payload := sealFromAlice(t, alice, capture)

	env := decodeEncrypted(t, payload)
	env.Data.MAC[0] ^= 0x01
	_, err := bob.engine.HandleInbound(context.Background(), resign(t, alice, env), "alice")
	require.ErrorIs(t, err, crypto.ErrIntegrity)

	env.Data.MAC = nil
	_, err = bob.engine.HandleInbound(context.Background(), resign(t, alice, env), "alice")
	require.ErrorIs(t, err, crypto.ErrIntegrity)

	n, err := bob.store.CountSecurityEvents(storage.SecurityEventFilter{
		EventType: storage.SecurityEventIntegrityFailure,
		MessageID: sent.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = bob.vault.GetMessage(sent.ID)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	// The untouched envelope is still accepted; nothing was marked seen.
	_, err = bob.engine.HandleInbound(context.Background(), payload, "alice")
	require.NoError(t, err)
}

func TestHandleInboundRequiresPostQuantumSignature(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	bob := newPeer(t, "bob", dir, newCaptureTransport())
	_, payload := sealFromAlice(t, alice, capture)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(payload, &raw))
	require.Contains(t, raw, "pqSignature")
	delete(raw, "pqSignature")
	stripped, err := json.Marshal(raw)
	require.NoError(t, err)

	_, err = bob.engine.HandleInbound(context.Background(), stripped, "alice")
	require.ErrorIs(t, err, network.ErrInvalidSignature)

	got, err := bob.engine.HandleInbound(context.Background(), payload, "alice")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Content.Data))
}

func TestRetryAndFailureNeverDowngradeAckedMessage(t *testing.T) {
	dir := NewDirectory()
	alice := newPeer(t, "alice", dir, newCaptureTransport())

	sent, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)
	qm, ok := alice.engine.Queue().Next()
	require.True(t, ok)

	status := func() models.DeliveryStatus {
		local, err := alice.vault.GetMessage(sent.ID)
		require.NoError(t, err)
		return local.Metadata.DeliveryStatus
	}

	_, err = alice.vault.AdvanceDeliveryStatus(sent.ID, models.DeliverySending)
	require.NoError(t, err)
	alice.engine.MessageRetryScheduled(qm, time.Second)
	assert.Equal(t, models.DeliveryPending, status())

	// An ack arrives while a retry for another recipient is outstanding.
	_, err = alice.vault.AdvanceDeliveryStatus(sent.ID, models.DeliveryDelivered)
	require.NoError(t, err)
	alice.engine.MessageRetryScheduled(qm, time.Second)
	assert.Equal(t, models.DeliveryDelivered, status())

	alice.engine.MessagePermanentlyFailed(qm, queue.ErrRetryExhausted)
	assert.Equal(t, models.DeliveryDelivered, status())
	select {
	case err := <-alice.failed:
		assert.ErrorIs(t, err, queue.ErrRetryExhausted)
	default:
		t.Fatal("observer must still hear about the failure")
	}
}

func TestPermanentFailureMarksUnackedMessageFailed(t *testing.T) {
	dir := NewDirectory()
	alice := newPeer(t, "alice", dir, newCaptureTransport())

	sent, _, err := alice.engine.Send(context.Background(), hello("bob"))
	require.NoError(t, err)
	qm, ok := alice.engine.Queue().Next()
	require.True(t, ok)

	alice.engine.MessagePermanentlyFailed(qm, queue.ErrRetryExhausted)
	local, err := alice.vault.GetMessage(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryFailed, local.Metadata.DeliveryStatus)
}

func TestRemoveMessageForgetsReachedRecipients(t *testing.T) {
	dir := NewDirectory()
	capture := newCaptureTransport()
	alice := newPeer(t, "alice", dir, capture)
	newPeer(t, "bob", dir, newCaptureTransport())
	newPeer(t, "carol", dir, newCaptureTransport())

	_, tempID, err := alice.engine.Send(context.Background(), hello("bob", "carol"))
	require.NoError(t, err)
	alice.engine.markDelivered(tempID, "bob")
	require.True(t, alice.engine.alreadyDelivered(tempID, "bob"))

	assert.True(t, alice.engine.RemoveMessage(tempID))
	assert.False(t, alice.engine.alreadyDelivered(tempID, "bob"))
	assert.Equal(t, 0, alice.engine.Queue().Len())

	alice.engine.mu.Lock()
	assert.Empty(t, alice.engine.delivered)
	alice.engine.mu.Unlock()

	assert.False(t, alice.engine.RemoveMessage(tempID))
}
