package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesDatabaseUnderDataDir(t *testing.T) {
	dataDir := t.TempDir()

	store, dbPath, err := Open(dataDir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	if dbPath != filepath.Join(dataDir, "lanshare.db") {
		t.Fatalf("unexpected database path %q", dbPath)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected database file on disk: %v", err)
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	dataDir := t.TempDir()

	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	entry := LogEntry{
		SessionID: "sess-1",
		Direction: DirectionSent,
		Seq:       1,
		Timestamp: 1000,
		Body:      "survives reopen",
		Status:    LogStatusDelivered,
	}
	if err := store.AppendLogEntry(entry); err != nil {
		t.Fatalf("AppendLogEntry failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Reopening an up-to-date schema must not rerun migrations or lose rows.
	store, _, err = Open(dataDir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	entries, err := store.History("sess-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Body != "survives reopen" {
		t.Fatalf("unexpected history after reopen: %+v", entries)
	}
}
