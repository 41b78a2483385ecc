package storage

import (
	"bytes"
	"testing"
	"time"

	"pqchat/crypto"
	"pqchat/models"
)

func TestOutboxRoundTripIsSealed(t *testing.T) {
	store := newTestStore(t)
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	outbox := store.Outbox(key)

	enqueued := time.UnixMilli(nowUnixMilli()).UTC()
	msg := models.QueuedMessage{
		TempID:         "temp-1",
		ConversationID: "conv-1",
		Priority:       models.PriorityHigh,
		EnqueuedAt:     enqueued,
		Sequence:       2,
		Message: &models.Message{
			ID:   "temp-1",
			Type: models.MessageTypeText,
			Content: models.Content{
				Data:     []byte("very secret text"),
				MimeType: "text/plain",
			},
		},
	}
	first := msg
	first.TempID = "temp-0"
	first.Sequence = 1

	if err := outbox.SaveQueued(msg); err != nil {
		t.Fatalf("SaveQueued failed: %v", err)
	}
	if err := outbox.SaveQueued(first); err != nil {
		t.Fatalf("SaveQueued first failed: %v", err)
	}

	var payload []byte
	if err := store.db.QueryRow(`SELECT payload FROM outbox WHERE temp_id = ?`, "temp-1").Scan(&payload); err != nil {
		t.Fatalf("read raw payload: %v", err)
	}
	if bytes.Contains(payload, []byte("very secret text")) {
		t.Fatalf("outbox payload stored in plaintext")
	}

	msg.RetryCount = 2
	if err := outbox.SaveQueued(msg); err != nil {
		t.Fatalf("SaveQueued update failed: %v", err)
	}

	loaded, err := outbox.LoadQueued()
	if err != nil {
		t.Fatalf("LoadQueued failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 queued messages, got %d", len(loaded))
	}
	if loaded[0].TempID != "temp-0" || loaded[1].TempID != "temp-1" {
		t.Fatalf("expected sequence order, got %q then %q", loaded[0].TempID, loaded[1].TempID)
	}
	if loaded[1].RetryCount != 2 || string(loaded[1].Message.Content.Data) != "very secret text" {
		t.Fatalf("unexpected restored message: %+v", loaded[1])
	}

	if err := outbox.DeleteQueued("temp-0"); err != nil {
		t.Fatalf("DeleteQueued failed: %v", err)
	}
	if err := outbox.DeleteQueued("missing"); err != nil {
		t.Fatalf("DeleteQueued missing should not fail: %v", err)
	}
	n, err := outbox.Len()
	if err != nil {
		t.Fatalf("Len failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued message after delete, got %d", n)
	}
}

func TestOutboxRejectsWrongKey(t *testing.T) {
	store := newTestStore(t)
	key, _ := crypto.GenerateKey()
	other, _ := crypto.GenerateKey()

	if err := store.Outbox(key).SaveQueued(models.QueuedMessage{
		TempID:         "temp-1",
		ConversationID: "conv-1",
		EnqueuedAt:     time.Now(),
	}); err != nil {
		t.Fatalf("SaveQueued failed: %v", err)
	}
	if _, err := store.Outbox(other).LoadQueued(); err == nil {
		t.Fatalf("expected LoadQueued with the wrong key to fail")
	}
}
