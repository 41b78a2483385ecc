package storage

import "testing"

func logEvent(t *testing.T, store *Store, event SecurityEvent) {
	t.Helper()
	if err := store.LogSecurityEvent(event); err != nil {
		t.Fatalf("LogSecurityEvent %q: %v", event.EventType, err)
	}
}

func TestSecurityEventsFilterByPeerAndMessage(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()
	alice, mallory := "alice", "  mallory "
	msg1, msg2 := "msg-1", "msg-2"

	logEvent(t, store, SecurityEvent{
		EventType: SecurityEventIntegrityFailure,
		PeerID:    &alice,
		MessageID: &msg1,
		Details:   `{"key_id":"k1"}`,
		Severity:  SecuritySeverityCritical,
		Timestamp: now - 2_000,
	})
	logEvent(t, store, SecurityEvent{
		EventType: SecurityEventReplayRejected,
		PeerID:    &mallory,
		MessageID: &msg2,
		Severity:  SecuritySeverityWarning,
		Timestamp: now - 1_000,
	})
	logEvent(t, store, SecurityEvent{EventType: SecurityEventImportRejected, Timestamp: now})

	all, err := store.GetSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("GetSecurityEvents: %v", err)
	}
	if len(all) != 3 || all[0].EventType != SecurityEventImportRejected {
		t.Fatalf("expected 3 events newest first, got %+v", all)
	}
	if all[0].PeerID != nil || all[0].MessageID != nil || all[0].Details != "{}" {
		t.Fatalf("expected empty optional columns on import event, got %+v", all[0])
	}

	byPeer, err := store.GetSecurityEvents(SecurityEventFilter{PeerID: "mallory"})
	if err != nil {
		t.Fatalf("GetSecurityEvents by peer: %v", err)
	}
	if len(byPeer) != 1 || byPeer[0].EventType != SecurityEventReplayRejected {
		t.Fatalf("expected trimmed peer id to match, got %+v", byPeer)
	}

	byMessage, err := store.GetSecurityEvents(SecurityEventFilter{MessageID: msg1, Severity: SecuritySeverityCritical})
	if err != nil {
		t.Fatalf("GetSecurityEvents by message: %v", err)
	}
	if len(byMessage) != 1 || byMessage[0].Details != `{"key_id":"k1"}` {
		t.Fatalf("unexpected message filter result %+v", byMessage)
	}

	from := now - 1_500
	count, err := store.CountSecurityEvents(SecurityEventFilter{FromTimestamp: &from})
	if err != nil {
		t.Fatalf("CountSecurityEvents: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 events since cutoff, got %d", count)
	}
}

func TestLogSecurityEventRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)

	cases := map[string]SecurityEvent{
		"blank type":       {EventType: " "},
		"unknown severity": {EventType: SecurityEventDecryptionFailure, Severity: "panic"},
		"non-json details": {EventType: SecurityEventDecryptionFailure, Details: "not json"},
	}
	for name, event := range cases {
		if err := store.LogSecurityEvent(event); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := store.GetSecurityEvents(SecurityEventFilter{Severity: "loud"}); err == nil {
		t.Fatalf("expected invalid severity filter to fail")
	}
}

func TestPruneSecurityEventsBeforeCutoff(t *testing.T) {
	store := newTestStore(t)
	now := nowUnixMilli()

	logEvent(t, store, SecurityEvent{EventType: "old_event", Timestamp: now - 10_000})
	logEvent(t, store, SecurityEvent{EventType: "new_event", Timestamp: now})

	pruned, err := store.PruneSecurityEvents(now - 5_000)
	if err != nil {
		t.Fatalf("PruneSecurityEvents: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned event, got %d", pruned)
	}
	events, err := store.GetSecurityEvents(SecurityEventFilter{})
	if err != nil {
		t.Fatalf("GetSecurityEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "new_event" {
		t.Fatalf("expected only new_event to remain, got %+v", events)
	}
	if _, err := store.PruneSecurityEvents(0); err == nil {
		t.Fatalf("expected zero cutoff to fail")
	}
}
