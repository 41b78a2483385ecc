package vault

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqchat/crypto"
	"pqchat/models"
	"pqchat/storage"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fixture struct {
	vault *Vault
	store *storage.Store
	key   []byte
	clock *clock.Mock
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(testNow)

	opts := Options{Store: store, StorageKey: key, Clock: mock, Logger: quietLogger()}
	if mutate != nil {
		mutate(&opts)
	}
	v, err := New(opts)
	require.NoError(t, err)
	return &fixture{vault: v, store: store, key: key, clock: mock}
}

func textMessage(id, conversationID, sender, text string, createdAt time.Time) *models.Message {
	return &models.Message{
		ID:      id,
		Type:    models.MessageTypeText,
		Content: models.Content{Data: []byte(text), MimeType: "text/plain", Size: int64(len(text))},
		Metadata: models.Metadata{
			SenderID:       sender,
			RecipientIDs:   []string{"bob"},
			ConversationID: conversationID,
			DeliveryStatus: models.DeliverySent,
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func directConversation(id string) *models.Conversation {
	return &models.Conversation{
		ID:   id,
		Type: models.ConversationDirect,
		Participants: []models.Participant{
			{UserID: "alice", Role: models.RoleOwner, JoinedAt: testNow.Add(-time.Hour)},
			{UserID: "bob", Role: models.RoleMember, JoinedAt: testNow.Add(-time.Hour)},
		},
		Name: "Alice & Bob",
	}
}

func TestStoreAndGetMessageRoundTripIsSealedAtRest(t *testing.T) {
	f := newFixture(t, nil)
	msg := textMessage("m1", "conv-1", "alice", "hello vault", testNow)

	require.NoError(t, f.vault.StoreMessage(msg))

	got, err := f.vault.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "hello vault", string(got.Content.Data))
	assert.Equal(t, "alice", got.Metadata.SenderID)

	record, err := f.store.GetMessage("m1")
	require.NoError(t, err)
	assert.NotContains(t, string(record.Payload), "hello vault")

	got.Content.Data[0] = 'J'
	again, err := f.vault.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "hello vault", string(again.Content.Data), "cached copy must not alias caller state")
}

func TestStoreMessageRejectsInvalidMessage(t *testing.T) {
	f := newFixture(t, nil)

	msg := textMessage("m1", "", "alice", "x", testNow)
	require.Error(t, f.vault.StoreMessage(msg))

	_, err := f.vault.GetMessage("m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRejectsWrongStorageKeyForExistingData(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "hi", testNow)))

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	_, err = New(Options{Store: f.store, StorageKey: other, Logger: quietLogger()})
	assert.ErrorIs(t, err, crypto.ErrDecryption)
}

func TestNewRebuildsIndexFromStore(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "persistent words", testNow)))

	reopened, err := New(Options{Store: f.store, StorageKey: f.key, Clock: f.clock, Logger: quietLogger()})
	require.NoError(t, err)

	results := reopened.Search("persistent", SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, "m1", results[0].Entry.MessageID)
}

func TestGetMessagesPaginatesNewestFirst(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		id := string(rune('a' + i))
		require.NoError(t, f.vault.StoreMessage(textMessage(id, "conv-1", "alice", "msg "+id, testNow.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, f.vault.StoreMessage(textMessage("other", "conv-2", "alice", "elsewhere", testNow)))

	page, err := f.vault.GetMessages(Filter{ConversationID: "conv-1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, "e", page.Messages[0].ID)
	assert.Equal(t, "d", page.Messages[1].ID)
	assert.True(t, page.HasMore)
	assert.Equal(t, "2", page.NextCursor)

	page, err = f.vault.GetMessages(Filter{ConversationID: "conv-1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, "c", page.Messages[0].ID)

	page, err = f.vault.GetMessages(Filter{ConversationID: "conv-1", Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "a", page.Messages[0].ID)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	_, err = f.vault.GetMessages(Filter{Cursor: "bogus"})
	assert.Error(t, err)
}

func TestGetMessagesFilters(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessages([]*models.Message{
		textMessage("t1", "conv-1", "alice", "lunch at noon", testNow.Add(-48*time.Hour)),
		textMessage("t2", "conv-1", "bob", "dinner later", testNow.Add(-time.Hour)),
		{
			ID:        "f1",
			Type:      models.MessageTypeFile,
			Content:   models.Content{FileName: "report.pdf", MimeType: "application/pdf", Data: []byte{1, 2, 3}},
			Metadata:  models.Metadata{SenderID: "alice", ConversationID: "conv-1"},
			CreatedAt: testNow.Add(-30 * time.Minute),
		},
	}))

	withAttachment := true
	page, err := f.vault.GetMessages(Filter{HasAttachment: &withAttachment})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "f1", page.Messages[0].ID)

	page, err = f.vault.GetMessages(Filter{SenderID: "alice", Types: []models.MessageType{models.MessageTypeText}})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "t1", page.Messages[0].ID)

	from := testNow.Add(-2 * time.Hour)
	page, err = f.vault.GetMessages(Filter{From: &from})
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)

	page, err = f.vault.GetMessages(Filter{Query: "DINNER"})
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "t2", page.Messages[0].ID)

	page, err = f.vault.GetMessages(Filter{Query: "nothing-matches"})
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.False(t, page.HasMore)
}

func TestGetConversationMessagesIsChronological(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessage(textMessage("late", "conv-1", "alice", "2", testNow)))
	require.NoError(t, f.vault.StoreMessage(textMessage("early", "conv-1", "bob", "1", testNow.Add(-time.Minute))))

	page, err := f.vault.GetConversationMessages("conv-1", 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "early", page.Messages[0].ID)
	assert.Equal(t, "late", page.Messages[1].ID)
}

func TestEditReactAndMarkRead(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "first draft", testNow)))

	f.clock.Add(time.Minute)
	edited, err := f.vault.EditMessage("m1", []byte("final text"))
	require.NoError(t, err)
	require.Len(t, edited.Metadata.EditHistory, 1)
	assert.Equal(t, "first draft", string(edited.Metadata.EditHistory[0].PreviousData))
	assert.Equal(t, testNow.Add(time.Minute), edited.UpdatedAt)

	assert.Empty(t, f.vault.Search("draft", SearchOptions{}))
	assert.Len(t, f.vault.Search("final", SearchOptions{}), 1)

	_, err = f.vault.AddReaction("m1", "bob", "not an emoji")
	assert.ErrorIs(t, err, ErrInvalidReaction)
	_, err = f.vault.AddReaction("m1", "bob", "👍👍")
	assert.ErrorIs(t, err, ErrInvalidReaction)

	reacted, err := f.vault.AddReaction("m1", "bob", "👍")
	require.NoError(t, err)
	reacted, err = f.vault.AddReaction("m1", "bob", "👍")
	require.NoError(t, err)
	assert.Len(t, reacted.Metadata.Reactions, 1)

	read, err := f.vault.MarkRead("m1", "bob")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryRead, read.Metadata.DeliveryStatus)
	require.Len(t, read.Metadata.ReadReceipts, 1)

	stored, err := f.vault.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, "final text", string(stored.Content.Data))
	assert.Len(t, stored.Metadata.Reactions, 1)

	_, err = f.vault.AddReaction("missing", "bob", "👍")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMessageRequiresExistingMessage(t *testing.T) {
	f := newFixture(t, nil)

	err := f.vault.UpdateMessage(textMessage("ghost", "conv-1", "alice", "boo", testNow))
	assert.ErrorIs(t, err, ErrNotFound)

	msg := textMessage("m1", "conv-1", "alice", "hi", testNow)
	require.NoError(t, f.vault.StoreMessage(msg))
	msg.Metadata.DeliveryStatus = models.DeliveryDelivered
	require.NoError(t, f.vault.UpdateMessage(msg))

	got, err := f.vault.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Metadata.DeliveryStatus)
}

func TestAdvanceDeliveryStatusNeverDowngrades(t *testing.T) {
	f := newFixture(t, nil)
	msg := textMessage("m1", "conv-1", "alice", "hi", testNow)
	msg.Metadata.DeliveryStatus = models.DeliveryPending
	require.NoError(t, f.vault.StoreMessage(msg))

	changed, err := f.vault.AdvanceDeliveryStatus("m1", models.DeliveryDelivered)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.vault.AdvanceDeliveryStatus("m1", models.DeliverySent)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := f.vault.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Metadata.DeliveryStatus)

	_, err = f.vault.AdvanceDeliveryStatus("missing", models.DeliverySent)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSwapDeliveryStatusOnlyFromExpectedStates(t *testing.T) {
	f := newFixture(t, nil)
	msg := textMessage("m1", "conv-1", "alice", "hi", testNow)
	msg.Metadata.DeliveryStatus = models.DeliverySending
	require.NoError(t, f.vault.StoreMessage(msg))

	swapped, err := f.vault.SwapDeliveryStatus("m1", models.DeliveryPending, models.DeliverySending)
	require.NoError(t, err)
	assert.True(t, swapped)

	_, err = f.vault.AdvanceDeliveryStatus("m1", models.DeliveryDelivered)
	require.NoError(t, err)
	swapped, err = f.vault.SwapDeliveryStatus("m1", models.DeliveryPending, models.DeliverySending)
	require.NoError(t, err)
	assert.False(t, swapped)
	swapped, err = f.vault.SwapDeliveryStatus("m1", models.DeliveryFailed, models.DeliveryPending, models.DeliverySending)
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := f.vault.GetMessage("m1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryDelivered, got.Metadata.DeliveryStatus)

	_, err = f.vault.SwapDeliveryStatus("missing", models.DeliveryFailed, models.DeliveryPending)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationLastMessageTracksNewestLiveMessage(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreConversation(directConversation("conv-1")))

	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "one", testNow.Add(-time.Minute))))
	require.NoError(t, f.vault.StoreMessage(textMessage("m2", "conv-1", "bob", "two", testNow)))
	require.NoError(t, f.vault.StoreMessage(textMessage("m0", "conv-1", "bob", "zero", testNow.Add(-time.Hour))))

	conv, err := f.vault.GetConversation("conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m2", conv.LastMessage.MessageID)

	require.NoError(t, f.vault.DeleteMessage("m2"))
	conv, err = f.vault.GetConversation("conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "m1", conv.LastMessage.MessageID)

	list, err := f.vault.ListConversations()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Alice & Bob", list[0].Name)

	require.NoError(t, f.vault.DeleteConversation("conv-1"))
	_, err = f.vault.GetConversation("conv-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.vault.GetMessage("m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, f.vault.Search("one", SearchOptions{}))
}

func TestStoreConversationRejectsUnknownType(t *testing.T) {
	f := newFixture(t, nil)
	conv := directConversation("conv-1")
	conv.Type = "party"
	assert.Error(t, f.vault.StoreConversation(conv))
}

func TestDeleteWithSyncLeavesTombstoneUntilAcknowledged(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SyncEnabled = true })
	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "sync me", testNow)))
	require.NoError(t, f.vault.DeleteMessage("m1"))

	_, err := f.vault.GetMessage("m1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, f.vault.DeleteMessage("m1"), ErrNotFound)

	record, err := f.store.GetMessage("m1")
	require.NoError(t, err)
	assert.True(t, record.Deleted)

	ops, err := f.vault.PendingSync(0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, storage.SyncOpCreate, ops[0].Operation)
	assert.Equal(t, storage.SyncOpDelete, ops[1].Operation)

	require.NoError(t, f.vault.AcknowledgeSync([]int64{ops[0].ID, ops[1].ID}))
	_, err = f.store.GetMessage("m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteWithoutSyncIsHardDelete(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "bye", testNow)))
	require.NoError(t, f.vault.DeleteMessage("m1"))

	_, err := f.store.GetMessage("m1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ops, err := f.vault.PendingSync(0)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestStats(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.SyncEnabled = true })
	require.NoError(t, f.vault.StoreConversation(directConversation("conv-1")))
	require.NoError(t, f.vault.StoreMessages([]*models.Message{
		textMessage("m1", "conv-1", "alice", "a", testNow),
		{
			ID:        "img",
			Type:      models.MessageTypeImage,
			Content:   models.Content{FileName: "cat.png", MimeType: "image/png", Data: []byte{0x89}},
			Metadata:  models.Metadata{SenderID: "bob", ConversationID: "conv-1"},
			CreatedAt: testNow,
		},
	}))

	stats, err := f.vault.Stats()
	require.NoError(t, err)
	assert.Equal(t, Stats{
		Conversations:      1,
		Messages:           2,
		AttachmentMessages: 1,
		IndexEntries:       2,
		PendingSync:        2,
	}, stats)
}
