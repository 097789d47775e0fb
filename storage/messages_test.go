package storage

import (
	"testing"
)

func TestAppendAndHistory(t *testing.T) {
	store := newTestStore(t)

	base := nowUnixMilli()
	entries := []LogEntry{
		{SessionID: "sess-1", Direction: DirectionSent, Seq: 1, Timestamp: base, Body: "first", Status: LogStatusDelivered},
		{SessionID: "sess-1", Direction: DirectionReceived, Seq: 1, Timestamp: base + 10, Body: "reply", Status: LogStatusDelivered},
		{SessionID: "sess-1", Direction: DirectionSent, Seq: 2, Timestamp: base + 20, Body: "second", Status: LogStatusFailed},
		{SessionID: "sess-2", Direction: DirectionSent, Seq: 1, Timestamp: base, Body: "other session", Status: LogStatusDelivered},
	}
	for _, entry := range entries {
		if err := store.AppendLogEntry(entry); err != nil {
			t.Fatalf("AppendLogEntry %q failed: %v", entry.Body, err)
		}
	}

	history, err := store.History("sess-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries for sess-1, got %d", len(history))
	}
	if history[0].Body != "first" || history[1].Body != "reply" || history[2].Body != "second" {
		t.Fatalf("history not in timestamp order: %+v", history)
	}
	if history[2].Status != LogStatusFailed {
		t.Fatalf("expected failed status preserved, got %q", history[2].Status)
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	entry := LogEntry{
		SessionID: "sess-1",
		Direction: DirectionReceived,
		Seq:       7,
		Timestamp: nowUnixMilli(),
		Body:      "delivered once",
		Status:    LogStatusDelivered,
	}
	if err := store.AppendLogEntry(entry); err != nil {
		t.Fatalf("first AppendLogEntry failed: %v", err)
	}

	// A retransmitted message replays the same (session, direction, seq).
	entry.Body = "duplicate"
	if err := store.AppendLogEntry(entry); err != nil {
		t.Fatalf("duplicate AppendLogEntry failed: %v", err)
	}

	history, err := store.History("sess-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 entry after replay, got %d", len(history))
	}
	if history[0].Body != "delivered once" {
		t.Fatalf("replay overwrote original entry: %q", history[0].Body)
	}
}

func TestAppendRejectsInvalidFields(t *testing.T) {
	store := newTestStore(t)

	if err := store.AppendLogEntry(LogEntry{
		SessionID: "sess-1",
		Direction: "sideways",
		Seq:       1,
		Timestamp: nowUnixMilli(),
		Body:      "bad direction",
		Status:    LogStatusDelivered,
	}); err == nil {
		t.Fatal("expected invalid direction to be rejected")
	}

	if err := store.AppendLogEntry(LogEntry{
		SessionID: "sess-1",
		Direction: DirectionSent,
		Seq:       1,
		Timestamp: nowUnixMilli(),
		Body:      "bad status",
		Status:    "maybe",
	}); err == nil {
		t.Fatal("expected invalid status to be rejected")
	}
}

func TestHistoryEmptySession(t *testing.T) {
	store := newTestStore(t)

	history, err := store.History("no-such-session")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d entries", len(history))
	}
}
