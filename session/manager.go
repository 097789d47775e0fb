package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"lanshare/access"
	"lanshare/discovery"
	"lanshare/wire"
)

const (
	// DefaultHandshakeTimeout bounds the whole handshake, hello through
	// result, on both sides.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultDialTimeout bounds the TCP dial to a discovered peer.
	DefaultDialTimeout = 5 * time.Second
)

// Event types emitted on the manager's event channel.
const (
	EventEstablished     = "established"
	EventClosed          = "closed"
	EventHandshakeFailed = "handshake_failed"
)

// Event is one session lifecycle notification.
type Event struct {
	Type         string
	PeerDeviceID string
	Session      *Session
	Err          error
}

// FrameHandler receives every post-handshake frame read from a session.
// Handlers must not block: the session read loop calls them inline.
type FrameHandler interface {
	HandleFrame(sess *Session, frameType string, payload []byte)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	DeviceID   string
	DeviceName string
	SubLan     string

	// ListenAddress is the TCP address for inbound handshakes. Empty means
	// an OS-assigned port on all interfaces.
	ListenAddress string

	Ledger *access.Ledger

	HandshakeTimeout time.Duration
	DialTimeout      time.Duration

	Logger zerolog.Logger
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	return out
}

func (o ManagerOptions) validate() error {
	if o.DeviceID == "" {
		return errors.New("device ID is required")
	}
	if o.Ledger == nil {
		return errors.New("ledger is required")
	}
	return nil
}

// pendingHandshake tracks one outbound handshake between Initiate and the
// final result frame.
type pendingHandshake struct {
	peer  discovery.Peer
	conn  net.Conn
	state State
	timer *time.Timer
}

// Manager owns every session: it accepts inbound handshakes, drives outbound
// ones, runs the per-session read loops, and closes sessions exactly once.
// At most one session per peer exists at a time.
type Manager struct {
	cfg ManagerOptions

	listener net.Listener
	handler  FrameHandler

	mu       sync.Mutex
	sessions map[string]*Session // by session ID
	byPeer   map[string]*Session // by peer device ID
	pending  map[string]*pendingHandshake

	events chan Event

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
}

// NewManager creates a manager; Start must be called before any handshake.
func NewManager(options ManagerOptions) (*Manager, error) {
	cfg := options.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byPeer:   make(map[string]*Session),
		pending:  make(map[string]*pendingHandshake),
		events:   make(chan Event, 64),
		stopped:  make(chan struct{}),
	}, nil
}

// SetFrameHandler installs the post-handshake frame consumer. Must be called
// before Start.
func (m *Manager) SetFrameHandler(handler FrameHandler) {
	m.handler = handler
}

// Start binds the session listener and begins accepting handshakes.
func (m *Manager) Start() error {
	var startErr error
	m.startOnce.Do(func() {
		listener, err := net.Listen("tcp", m.cfg.ListenAddress)
		if err != nil {
			startErr = fmt.Errorf("bind session listener on %s: %w", m.cfg.ListenAddress, err)
			return
		}
		m.listener = listener

		m.wg.Add(1)
		go m.acceptLoop()

		m.cfg.Logger.Info().
			Str("addr", listener.Addr().String()).
			Msg("session listener started")
	})
	return startErr
}

// Port returns the bound session port.
func (m *Manager) Port() int {
	if m.listener == nil {
		return 0
	}
	return m.listener.Addr().(*net.TCPAddr).Port
}

// Events returns the lifecycle event stream. Slow consumers lose events
// rather than stalling session handling.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Sessions returns all currently established sessions.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	return out
}

// SessionByID returns one session by its identifier.
func (m *Manager) SessionByID(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// SessionByPeer returns the session with a peer, if one is established.
func (m *Manager) SessionByPeer(peerDeviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.byPeer[peerDeviceID]
	return sess, ok
}

// Initiate dials a discovered peer and sends hello, leaving the handshake in
// AWAITING_CODE until PresentCode supplies the access code. The handshake
// expires after the handshake timeout.
func (m *Manager) Initiate(peer discovery.Peer) error {
	m.mu.Lock()
	if _, ok := m.byPeer[peer.DeviceID]; ok {
		m.mu.Unlock()
		return fmt.Errorf("session with %s already established", peer.DeviceID)
	}
	if _, ok := m.pending[peer.DeviceID]; ok {
		m.mu.Unlock()
		return ErrHandshakePending
	}
	// Reserve the slot before dialing so concurrent initiations to the same
	// peer collapse to one.
	m.pending[peer.DeviceID] = &pendingHandshake{peer: peer, state: StateDiscovered}
	m.mu.Unlock()

	addr := net.JoinHostPort(peer.Addr, strconv.Itoa(peer.Port))
	conn, err := net.DialTimeout("tcp", addr, m.cfg.DialTimeout)
	if err != nil {
		m.dropPending(peer.DeviceID)
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	hello := wire.Hello{
		Type:            wire.TypeHello,
		DeviceID:        m.cfg.DeviceID,
		DeviceName:      m.cfg.DeviceName,
		ProtocolVersion: wire.ProtocolVersion,
		SubLan:          m.cfg.SubLan,
		Timestamp:       time.Now().UnixMilli(),
	}
	if err := wire.WriteJSONFrame(conn, hello); err != nil {
		_ = conn.Close()
		m.dropPending(peer.DeviceID)
		return fmt.Errorf("send hello: %w", err)
	}

	m.mu.Lock()
	p, ok := m.pending[peer.DeviceID]
	if !ok {
		// Stop or a concurrent CloseByPeer raced us.
		m.mu.Unlock()
		_ = conn.Close()
		return ErrSessionClosed
	}
	p.conn = conn
	p.state = StateAwaitingCode
	p.timer = time.AfterFunc(m.cfg.HandshakeTimeout, func() {
		m.abortPending(peer.DeviceID, ErrHandshakeTimeout)
	})
	m.mu.Unlock()

	m.cfg.Logger.Debug().
		Str("peer", peer.DeviceID).
		Str("addr", addr).
		Msg("handshake initiated")
	return nil
}

// PresentCode sends the access code for a pending outbound handshake and
// blocks for the result. On acceptance it returns the established session.
func (m *Manager) PresentCode(peerDeviceID, code string) (*Session, error) {
	m.mu.Lock()
	p, ok := m.pending[peerDeviceID]
	if !ok || p.state != StateAwaitingCode {
		m.mu.Unlock()
		return nil, fmt.Errorf("no handshake awaiting a code for %s", peerDeviceID)
	}
	p.state = StateAuthenticating
	conn := p.conn
	m.mu.Unlock()

	frame := wire.Code{
		Type:      wire.TypeCode,
		DeviceID:  m.cfg.DeviceID,
		Code:      code,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := wire.WriteJSONFrame(conn, frame); err != nil {
		m.abortPending(peerDeviceID, fmt.Errorf("send code: %w", err))
		return nil, fmt.Errorf("send code: %w", err)
	}

	payload, err := wire.ReadFrameWithTimeout(conn, m.cfg.HandshakeTimeout)
	if err != nil {
		if isTimeout(err) {
			err = ErrHandshakeTimeout
		}
		m.abortPending(peerDeviceID, err)
		return nil, err
	}

	var result wire.Result
	if err := decodeFrame(payload, wire.TypeResult, &result); err != nil {
		m.abortPending(peerDeviceID, err)
		return nil, err
	}

	if result.Status != wire.ResultStatusOK {
		denyErr := errorForDenyCode(result.ErrorCode)
		m.abortPending(peerDeviceID, denyErr)
		return nil, denyErr
	}

	role, err := access.ParseRole(result.Role)
	if err != nil {
		m.abortPending(peerDeviceID, err)
		return nil, err
	}

	m.mu.Lock()
	p, ok = m.pending[peerDeviceID]
	if !ok {
		// The timeout fired between the read and here.
		m.mu.Unlock()
		return nil, ErrHandshakeTimeout
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(m.pending, peerDeviceID)

	sess := newSession(result.SessionID, peerDeviceID, p.peer.DeviceName, role, true, conn)
	m.sessions[sess.ID()] = sess
	m.byPeer[peerDeviceID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(sess)

	m.cfg.Logger.Info().
		Str("peer", peerDeviceID).
		Str("session", sess.ID()).
		Str("role", role.String()).
		Msg("session established")
	m.emit(Event{Type: EventEstablished, PeerDeviceID: peerDeviceID, Session: sess})

	return sess, nil
}

// Close tears down a session by ID. Unknown or already-closed sessions are a
// no-op; close never fails.
func (m *Manager) Close(sessionID, reason string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	// Best effort; the peer also detects the close from the broken conn.
	_ = sess.Send(wire.Bye{
		Type:      wire.TypeBye,
		SessionID: sessionID,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})
	m.closeSession(sess, ErrSessionClosed)
}

// CloseByPeer tears down whatever state exists for a peer, established
// session or pending handshake. Wired to registry eviction.
func (m *Manager) CloseByPeer(peerDeviceID string) {
	m.mu.Lock()
	sess := m.byPeer[peerDeviceID]
	m.mu.Unlock()

	if sess != nil {
		m.closeSession(sess, ErrSessionClosed)
	}
	m.abortPending(peerDeviceID, ErrSessionClosed)
}

// CloseAll closes every session, typically at shutdown.
func (m *Manager) CloseAll(reason string) {
	for _, sess := range m.Sessions() {
		m.Close(sess.ID(), reason)
	}
}

// Stop halts the listener, closes all sessions and pending handshakes, and
// waits for read loops to drain.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		if m.listener != nil {
			_ = m.listener.Close()
		}

		m.mu.Lock()
		pendingIDs := make([]string, 0, len(m.pending))
		for id := range m.pending {
			pendingIDs = append(pendingIDs, id)
		}
		m.mu.Unlock()
		for _, id := range pendingIDs {
			m.abortPending(id, ErrSessionClosed)
		}

		m.CloseAll("shutting down")
		m.wg.Wait()
	})
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopped:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.cfg.Logger.Debug().Err(err).Msg("accept failed")
			continue
		}

		m.wg.Add(1)
		go m.handleInbound(conn)
	}
}

// handleInbound runs the responder side of the handshake: hello, code,
// ledger redemption, result. The whole exchange shares one deadline.
func (m *Manager) handleInbound(conn net.Conn) {
	defer m.wg.Done()

	deadline := time.Now().Add(m.cfg.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	var hello wire.Hello
	if err := decodeFrame(payload, wire.TypeHello, &hello); err != nil {
		m.denyAndClose(conn, wire.DenyBadRequest)
		return
	}
	if hello.DeviceID == "" {
		m.denyAndClose(conn, wire.DenyBadRequest)
		return
	}
	if hello.ProtocolVersion != wire.ProtocolVersion {
		m.cfg.Logger.Warn().
			Str("peer", hello.DeviceID).
			Int("version", hello.ProtocolVersion).
			Msg("handshake rejected: protocol version mismatch")
		m.denyAndClose(conn, wire.DenyVersionMismatch)
		return
	}

	payload, err = wire.ReadFrame(conn)
	if err != nil {
		m.cfg.Logger.Debug().
			Str("peer", hello.DeviceID).
			Err(err).
			Msg("handshake expired before code")
		_ = conn.Close()
		m.emit(Event{Type: EventHandshakeFailed, PeerDeviceID: hello.DeviceID, Err: ErrHandshakeTimeout})
		return
	}
	var code wire.Code
	if err := decodeFrame(payload, wire.TypeCode, &code); err != nil {
		m.denyAndClose(conn, wire.DenyBadRequest)
		return
	}

	role, err := m.cfg.Ledger.Redeem(code.Code, hello.DeviceID, hello.SubLan)
	if err != nil {
		m.cfg.Logger.Info().
			Str("peer", hello.DeviceID).
			Err(err).
			Msg("handshake denied")
		m.denyAndClose(conn, denyCodeForError(err))
		m.emit(Event{Type: EventHandshakeFailed, PeerDeviceID: hello.DeviceID, Err: err})
		return
	}

	sessionID := uuid.NewString()
	result := wire.Result{
		Type:      wire.TypeResult,
		Status:    wire.ResultStatusOK,
		Role:      role.String(),
		SessionID: sessionID,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := wire.WriteJSONFrame(conn, result); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	sess := newSession(sessionID, hello.DeviceID, hello.DeviceName, role, false, conn)

	m.mu.Lock()
	// A stale session with the same peer yields to the fresh handshake.
	if old, ok := m.byPeer[hello.DeviceID]; ok {
		go m.closeSession(old, ErrSessionClosed)
	}
	m.sessions[sessionID] = sess
	m.byPeer[hello.DeviceID] = sess
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(sess)

	m.cfg.Logger.Info().
		Str("peer", hello.DeviceID).
		Str("session", sessionID).
		Str("role", role.String()).
		Msg("session established")
	m.emit(Event{Type: EventEstablished, PeerDeviceID: hello.DeviceID, Session: sess})
}

// readLoop reads post-handshake frames until the session dies and hands each
// one to the frame handler.
func (m *Manager) readLoop(sess *Session) {
	defer m.wg.Done()

	for {
		payload, err := wire.ReadFrame(sess.conn)
		if err != nil {
			m.closeSession(sess, err)
			return
		}

		frameType, err := wire.DecodeFrameType(payload)
		if err != nil {
			m.cfg.Logger.Debug().
				Str("session", sess.ID()).
				Err(err).
				Msg("dropping malformed frame")
			continue
		}

		switch frameType {
		case wire.TypeBye:
			m.closeSession(sess, ErrSessionClosed)
			return
		case wire.TypeHello, wire.TypeCode, wire.TypeResult:
			// Handshake frames have no place inside an established session.
			m.cfg.Logger.Debug().
				Str("session", sess.ID()).
				Str("frame", frameType).
				Msg("dropping handshake frame on established session")
		default:
			if m.handler != nil {
				m.handler.HandleFrame(sess, frameType, payload)
			}
		}
	}
}

// closeSession finalizes a session exactly once and removes it from the
// tables. Safe under concurrent callers.
func (m *Manager) closeSession(sess *Session, reason error) {
	alreadyClosed := sess.State() == StateClosed
	sess.close(reason)

	m.mu.Lock()
	delete(m.sessions, sess.ID())
	if current, ok := m.byPeer[sess.PeerDeviceID()]; ok && current == sess {
		delete(m.byPeer, sess.PeerDeviceID())
	}
	m.mu.Unlock()

	if alreadyClosed {
		return
	}

	m.cfg.Logger.Info().
		Str("peer", sess.PeerDeviceID()).
		Str("session", sess.ID()).
		Msg("session closed")
	m.emit(Event{Type: EventClosed, PeerDeviceID: sess.PeerDeviceID(), Session: sess})
}

// abortPending removes one outbound handshake and closes its conn.
func (m *Manager) abortPending(peerDeviceID string, reason error) {
	m.mu.Lock()
	p, ok := m.pending[peerDeviceID]
	if ok {
		delete(m.pending, peerDeviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}

	m.cfg.Logger.Debug().
		Str("peer", peerDeviceID).
		Err(reason).
		Msg("handshake aborted")
	m.emit(Event{Type: EventHandshakeFailed, PeerDeviceID: peerDeviceID, Err: reason})
}

func (m *Manager) dropPending(peerDeviceID string) {
	m.mu.Lock()
	delete(m.pending, peerDeviceID)
	m.mu.Unlock()
}

func (m *Manager) denyAndClose(conn net.Conn, errorCode string) {
	_ = wire.WriteJSONFrame(conn, wire.Result{
		Type:      wire.TypeResult,
		Status:    wire.ResultStatusDenied,
		ErrorCode: errorCode,
		Timestamp: time.Now().UnixMilli(),
	})
	_ = conn.Close()
}

func (m *Manager) emit(event Event) {
	select {
	case m.events <- event:
	default:
	}
}

// decodeFrame unmarshals a payload after checking its envelope type.
func decodeFrame(payload []byte, wantType string, dst any) error {
	frameType, err := wire.DecodeFrameType(payload)
	if err != nil {
		return err
	}
	if frameType != wantType {
		return fmt.Errorf("%w: got %q, want %q", wire.ErrInvalidFrameType, frameType, wantType)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return fmt.Errorf("decode %s frame: %w", wantType, err)
	}
	return nil
}

func denyCodeForError(err error) string {
	switch {
	case errors.Is(err, access.ErrCodeUnknown):
		return wire.DenyCodeUnknown
	case errors.Is(err, access.ErrCodeExpired):
		return wire.DenyCodeExpired
	case errors.Is(err, access.ErrCodeAlreadyUsed):
		return wire.DenyCodeAlreadyUsed
	case errors.Is(err, access.ErrSubLanMismatch):
		return wire.DenySubLanMismatch
	default:
		return wire.DenyBadRequest
	}
}

func errorForDenyCode(code string) error {
	switch code {
	case wire.DenyCodeUnknown:
		return access.ErrCodeUnknown
	case wire.DenyCodeExpired:
		return access.ErrCodeExpired
	case wire.DenyCodeAlreadyUsed:
		return access.ErrCodeAlreadyUsed
	case wire.DenySubLanMismatch:
		return access.ErrSubLanMismatch
	case wire.DenyVersionMismatch:
		return errors.New("session: protocol version mismatch")
	default:
		return fmt.Errorf("session: handshake denied (%s)", code)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
