package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertConversation(t *testing.T, store *Store, conversationID string) {
	t.Helper()

	err := store.UpsertConversation(ConversationRecord{
		ConversationID:   conversationID,
		ConversationType: "direct",
		Payload:          []byte("sealed-" + conversationID),
	})
	if err != nil {
		t.Fatalf("upsert conversation %q: %v", conversationID, err)
	}
}

func testMessage(id, conversationID, senderID string, createdAt int64) MessageRecord {
	return MessageRecord{
		MessageID:      id,
		ConversationID: conversationID,
		SenderID:       senderID,
		MessageType:    "text",
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
		Payload:        []byte("sealed-" + id),
	}
}
