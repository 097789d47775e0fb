package session

import (
	"errors"
	"net"
	"sync"
	"time"

	"lanshare/access"
	"lanshare/wire"
)

// State is the per-peer handshake lifecycle position.
type State string

const (
	StateDiscovered     State = "DISCOVERED"
	StateAwaitingCode   State = "AWAITING_CODE"
	StateAuthenticating State = "AUTHENTICATING"
	StateEstablished    State = "ESTABLISHED"
	StateClosed         State = "CLOSED"
)

var (
	// ErrHandshakeTimeout indicates the handshake exceeded its time bound.
	ErrHandshakeTimeout = errors.New("session: handshake timeout")
	// ErrSessionClosed indicates the session was closed while an operation
	// was outstanding.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNotEstablished indicates an operation requiring an established
	// session ran against one that is not.
	ErrNotEstablished = errors.New("session: not established")
	// ErrHandshakePending indicates a handshake with the peer is already in
	// flight.
	ErrHandshakePending = errors.New("session: handshake already pending")
)

// Session is the authenticated, role-bearing channel between the local node
// and one peer. Sessions are owned exclusively by the Manager; other
// components hold references for the session's lifetime only.
type Session struct {
	id             string
	peerDeviceID   string
	peerDeviceName string
	role           access.Role
	initiated      bool
	createdAt      time.Time

	conn   net.Conn
	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason error
}

func newSession(id, peerDeviceID, peerDeviceName string, role access.Role, initiated bool, conn net.Conn) *Session {
	return &Session{
		id:             id,
		peerDeviceID:   peerDeviceID,
		peerDeviceName: peerDeviceName,
		role:           role,
		initiated:      initiated,
		createdAt:      time.Now(),
		conn:           conn,
		state:          StateEstablished,
		closed:         make(chan struct{}),
	}
}

// ID returns the session identifier shared by both endpoints.
func (s *Session) ID() string { return s.id }

// PeerDeviceID returns the remote peer's identity.
func (s *Session) PeerDeviceID() string { return s.peerDeviceID }

// PeerDeviceName returns the remote peer's display name.
func (s *Session) PeerDeviceName() string { return s.peerDeviceName }

// Role returns the capability granted at handshake. Roles are immutable for
// the session's life; a change requires closing and re-establishing.
func (s *Session) Role() access.Role { return s.role }

// Initiated reports whether the local node dialed this session. The role
// constrains the authenticated side: the dialer on initiated sessions, the
// peer on accepted ones.
func (s *Session) Initiated() bool { return s.initiated }

// CreatedAt returns the establishment time.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Established reports whether the session can carry transfers.
func (s *Session) Established() bool {
	return s.State() == StateEstablished
}

// Done is closed when the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// CloseReason returns the terminal error, if any, after Done.
func (s *Session) CloseReason() error {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.closeReason
}

// Send marshals one protocol frame and writes it to the peer.
func (s *Session) Send(frame any) error {
	if !s.Established() {
		return ErrSessionClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return wire.WriteJSONFrame(s.conn, frame)
}

// close transitions to CLOSED exactly once. Safe to call repeatedly.
func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.stateMu.Lock()
		s.state = StateClosed
		s.closeReason = reason
		s.stateMu.Unlock()
		_ = s.conn.Close()
		close(s.closed)
	})
}
