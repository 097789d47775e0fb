package storage

import (
	"errors"
	"testing"
)

func TestAccessCodeLifecycle(t *testing.T) {
	store := newTestStore(t)

	code := AccessCode{
		CodeHash:  "hash-1",
		Role:      "member",
		SubLan:    "office",
		ExpiresAt: nowUnixMilli() + 60_000,
		Reusable:  false,
	}
	if err := store.SaveAccessCode(code); err != nil {
		t.Fatalf("SaveAccessCode failed: %v", err)
	}

	codes, err := store.ListAccessCodes()
	if err != nil {
		t.Fatalf("ListAccessCodes failed: %v", err)
	}
	if len(codes) != 1 {
		t.Fatalf("expected 1 code, got %d", len(codes))
	}
	loaded := codes[0]
	if loaded.Role != "member" || loaded.SubLan != "office" || loaded.Consumed {
		t.Fatalf("unexpected loaded code: %+v", loaded)
	}

	if err := store.MarkCodeConsumed("hash-1"); err != nil {
		t.Fatalf("MarkCodeConsumed failed: %v", err)
	}
	codes, err = store.ListAccessCodes()
	if err != nil {
		t.Fatalf("ListAccessCodes after consume failed: %v", err)
	}
	if !codes[0].Consumed {
		t.Fatal("expected code to be marked consumed")
	}

	if err := store.DeleteAccessCode("hash-1"); err != nil {
		t.Fatalf("DeleteAccessCode failed: %v", err)
	}
	codes, err = store.ListAccessCodes()
	if err != nil {
		t.Fatalf("ListAccessCodes after delete failed: %v", err)
	}
	if len(codes) != 0 {
		t.Fatalf("expected no codes after delete, got %d", len(codes))
	}
}

func TestMarkCodeConsumedUnknown(t *testing.T) {
	store := newTestStore(t)

	err := store.MarkCodeConsumed("no-such-hash")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAccessCodeRejectsInvalidRole(t *testing.T) {
	store := newTestStore(t)

	err := store.SaveAccessCode(AccessCode{
		CodeHash:  "hash-bad",
		Role:      "emperor",
		ExpiresAt: nowUnixMilli() + 60_000,
	})
	if err == nil {
		t.Fatal("expected role outside the CHECK constraint to be rejected")
	}
}
