package vault

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pqchat/models"
)

func TestSearchScoresExactPrefixAndSubstring(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessages([]*models.Message{
		textMessage("substring", "conv-1", "alice", "sayhello", testNow),
		textMessage("exact", "conv-1", "alice", "Hello world", testNow),
		textMessage("prefix", "conv-1", "alice", "helloworld", testNow),
		textMessage("unrelated", "conv-1", "alice", "goodbye", testNow),
	}))

	results := f.vault.Search("HELLO", SearchOptions{})
	require.Len(t, results, 3)

	assert.Equal(t, "exact", results[0].Entry.MessageID)
	assert.Equal(t, 10+50+20+5, results[0].Score)
	assert.Equal(t, "prefix", results[1].Entry.MessageID)
	assert.Equal(t, 10+30+20+5, results[1].Score)
	assert.Equal(t, "substring", results[2].Entry.MessageID)
	assert.Equal(t, 10+20+20+5, results[2].Score)
}

func TestSearchRecencyBonusAndTieBreak(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessages([]*models.Message{
		textMessage("month", "conv-1", "alice", "status report", testNow.Add(-20*24*time.Hour)),
		textMessage("week", "conv-1", "alice", "status report", testNow.Add(-3*24*time.Hour)),
		textMessage("old", "conv-1", "alice", "status report", testNow.Add(-60*24*time.Hour)),
		textMessage("today-early", "conv-1", "alice", "status report", testNow.Add(-2*time.Hour)),
		textMessage("today-late", "conv-1", "alice", "status report", testNow.Add(-time.Hour)),
	}))

	results := f.vault.Search("status report", SearchOptions{})
	require.Len(t, results, 5)

	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Entry.MessageID
	}
	assert.Equal(t, []string{"today-late", "today-early", "week", "month", "old"}, ids)
	assert.Equal(t, 2*10+2*50+5, results[4].Score)
}

func TestSearchAttachmentsAndLabels(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessages([]*models.Message{
		{
			ID:        "doc",
			Type:      models.MessageTypeFile,
			Content:   models.Content{FileName: "Quarterly-Report.PDF", MimeType: "application/pdf", Data: []byte("%PDF")},
			Metadata:  models.Metadata{SenderID: "bob", ConversationID: "conv-2"},
			CreatedAt: testNow,
		},
		{
			ID:        "memo",
			Type:      models.MessageTypeVoice,
			Content:   models.Content{MimeType: "audio/ogg", Data: []byte{1}, Duration: 3 * time.Second},
			Metadata:  models.Metadata{SenderID: "alice", ConversationID: "conv-1"},
			CreatedAt: testNow,
		},
	}))

	results := f.vault.Search("quarterly", SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, "doc", results[0].Entry.MessageID)
	assert.Equal(t, []string{"bob"}, results[0].Entry.Participants)

	results = f.vault.Search("voice", SearchOptions{})
	require.Len(t, results, 1)
	assert.Equal(t, "memo", results[0].Entry.MessageID)

	assert.Empty(t, f.vault.Search("quarterly", SearchOptions{ConversationID: "conv-1"}))
	assert.Empty(t, f.vault.Search("voice", SearchOptions{Types: []models.MessageType{models.MessageTypeText}}))
	assert.Empty(t, f.vault.Search("   ", SearchOptions{}))
}

func TestSearchForgetsDeletedMessages(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.vault.StoreMessage(textMessage("m1", "conv-1", "alice", "ephemeral secret", testNow)))
	require.Len(t, f.vault.Search("secret", SearchOptions{}), 1)

	require.NoError(t, f.vault.DeleteMessage("m1"))
	assert.Empty(t, f.vault.Search("secret", SearchOptions{}))

	require.NoError(t, f.vault.RebuildIndex())
	assert.Empty(t, f.vault.Search("secret", SearchOptions{}))
}

func TestSearchLimit(t *testing.T) {
	f := newFixture(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, f.vault.StoreMessage(textMessage(id, "conv-1", "alice", "ping", testNow)))
	}
	assert.Len(t, f.vault.Search("ping", SearchOptions{Limit: 2}), 2)
}
