package session

import (
	"errors"
	"testing"
	"time"

	"lanshare/access"
	"lanshare/discovery"
	"lanshare/storage"
)

func newTestLedger(t *testing.T) *access.Ledger {
	t.Helper()

	store, _, err := storage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ledger, err := access.NewLedger(access.LedgerOptions{Store: store})
	if err != nil {
		t.Fatalf("NewLedger failed: %v", err)
	}
	return ledger
}

func newTestManager(t *testing.T, deviceID string, opts ManagerOptions) *Manager {
	t.Helper()

	opts.DeviceID = deviceID
	opts.DeviceName = deviceID
	opts.ListenAddress = "127.0.0.1:0"
	if opts.Ledger == nil {
		opts.Ledger = newTestLedger(t)
	}

	manager, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager %s failed: %v", deviceID, err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start %s failed: %v", deviceID, err)
	}
	t.Cleanup(manager.Stop)
	return manager
}

func peerFor(m *Manager, deviceID string) discovery.Peer {
	return discovery.Peer{
		DeviceID:   deviceID,
		DeviceName: deviceID,
		Addr:       "127.0.0.1",
		Port:       m.Port(),
	}
}

func TestHandshakeHappyPath(t *testing.T) {
	hostLedger := newTestLedger(t)
	host := newTestManager(t, "host#0001", ManagerOptions{Ledger: hostLedger})
	guest := newTestManager(t, "guest#0002", ManagerOptions{})

	code, err := hostLedger.Issue(access.RoleAdmin, access.RoleMember, "", time.Hour, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := guest.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	sess, err := guest.PresentCode("host#0001", code)
	if err != nil {
		t.Fatalf("PresentCode failed: %v", err)
	}

	if sess.Role() != access.RoleMember {
		t.Fatalf("expected member role, got %s", sess.Role())
	}
	if !sess.Initiated() {
		t.Fatal("expected dialer session to be marked initiated")
	}
	if sess.State() != StateEstablished {
		t.Fatalf("expected established state, got %s", sess.State())
	}

	// Both sides agree on the session ID.
	deadline := time.After(2 * time.Second)
	for {
		if hostSess, ok := host.SessionByPeer("guest#0002"); ok {
			if hostSess.ID() != sess.ID() {
				t.Fatalf("session ID mismatch: host %s, guest %s", hostSess.ID(), sess.ID())
			}
			if hostSess.Initiated() {
				t.Fatal("expected responder session to not be marked initiated")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("host never registered the session")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHandshakeBadCode(t *testing.T) {
	host := newTestManager(t, "host#0001", ManagerOptions{})
	guest := newTestManager(t, "guest#0002", ManagerOptions{})

	if err := guest.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	_, err := guest.PresentCode("host#0001", "WRONGCODE")
	if !errors.Is(err, access.ErrCodeUnknown) {
		t.Fatalf("expected ErrCodeUnknown, got %v", err)
	}

	if _, ok := guest.SessionByPeer("host#0001"); ok {
		t.Fatal("expected no session after denial")
	}
}

func TestHandshakeSingleUseCodeSecondPeerDenied(t *testing.T) {
	hostLedger := newTestLedger(t)
	host := newTestManager(t, "host#0001", ManagerOptions{Ledger: hostLedger})
	first := newTestManager(t, "first#0002", ManagerOptions{})
	second := newTestManager(t, "second#0003", ManagerOptions{})

	code, err := hostLedger.Issue(access.RoleAdmin, access.RoleMember, "", time.Hour, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	if err := first.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("first Initiate failed: %v", err)
	}
	if _, err := first.PresentCode("host#0001", code); err != nil {
		t.Fatalf("first PresentCode failed: %v", err)
	}

	if err := second.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("second Initiate failed: %v", err)
	}
	if _, err := second.PresentCode("host#0001", code); !errors.Is(err, access.ErrCodeAlreadyUsed) {
		t.Fatalf("expected ErrCodeAlreadyUsed, got %v", err)
	}
}

func TestHandshakeTimeoutWithoutCode(t *testing.T) {
	host := newTestManager(t, "host#0001", ManagerOptions{HandshakeTimeout: 100 * time.Millisecond})
	guest := newTestManager(t, "guest#0002", ManagerOptions{HandshakeTimeout: 100 * time.Millisecond})

	if err := guest.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	// Never present a code; the pending handshake must expire on its own.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-guest.Events():
			if event.Type == EventHandshakeFailed {
				if !errors.Is(event.Err, ErrHandshakeTimeout) {
					t.Fatalf("expected ErrHandshakeTimeout, got %v", event.Err)
				}
				if _, err := guest.PresentCode("host#0001", "LATE"); err == nil {
					t.Fatal("expected PresentCode after expiry to fail")
				}
				return
			}
		case <-deadline:
			t.Fatal("handshake never timed out")
		}
	}
}

func TestInitiateTwiceRejected(t *testing.T) {
	host := newTestManager(t, "host#0001", ManagerOptions{})
	guest := newTestManager(t, "guest#0002", ManagerOptions{})

	if err := guest.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if err := guest.Initiate(peerFor(host, "host#0001")); !errors.Is(err, ErrHandshakePending) {
		t.Fatalf("expected ErrHandshakePending, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	hostLedger := newTestLedger(t)
	host := newTestManager(t, "host#0001", ManagerOptions{Ledger: hostLedger})
	guest := newTestManager(t, "guest#0002", ManagerOptions{})

	code, err := hostLedger.Issue(access.RoleAdmin, access.RoleVisitor, "", time.Hour, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := guest.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	sess, err := guest.PresentCode("host#0001", code)
	if err != nil {
		t.Fatalf("PresentCode failed: %v", err)
	}

	guest.Close(sess.ID(), "test close")
	guest.Close(sess.ID(), "test close again")
	guest.Close("no-such-session", "ignored")

	if sess.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Fatal("expected Done to be closed")
	}
	if err := sess.Send(struct{}{}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed on send, got %v", err)
	}
}

func TestCloseByPeerCascades(t *testing.T) {
	hostLedger := newTestLedger(t)
	host := newTestManager(t, "host#0001", ManagerOptions{Ledger: hostLedger})
	guest := newTestManager(t, "guest#0002", ManagerOptions{})

	code, err := hostLedger.Issue(access.RoleAdmin, access.RoleMember, "", time.Hour, false)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if err := guest.Initiate(peerFor(host, "host#0001")); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	sess, err := guest.PresentCode("host#0001", code)
	if err != nil {
		t.Fatalf("PresentCode failed: %v", err)
	}

	// Eviction of the peer tears the session down.
	guest.CloseByPeer("host#0001")

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never closed after peer eviction")
	}
	if _, ok := guest.SessionByPeer("host#0001"); ok {
		t.Fatal("expected session to be removed from the peer table")
	}
}
