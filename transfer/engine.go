package transfer

import (
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"lanshare/access"
	"lanshare/session"
	"lanshare/storage"
	"lanshare/wire"
)

const (
	// DefaultChunkSize is the file chunk payload size.
	DefaultChunkSize = 64 * 1024
	// DefaultWindowSize is the maximum number of unacknowledged chunks in
	// flight per transfer.
	DefaultWindowSize = 8
	// DefaultMessageAckTimeout is how long one message send attempt waits
	// for its ack before retrying.
	DefaultMessageAckTimeout = 5 * time.Second
	// DefaultMessageRetryLimit is the number of retransmissions before a
	// message is recorded as failed.
	DefaultMessageRetryLimit = 3
	// DefaultChunkRetryLimit is the number of sends of one chunk before the
	// whole transfer fails.
	DefaultChunkRetryLimit = 8
	// DefaultSequenceGapTimeout is how long an out-of-order message waits
	// for the gap before it to fill.
	DefaultSequenceGapTimeout = 10 * time.Second
	// DefaultOfferTimeout bounds the wait for a file offer response.
	DefaultOfferTimeout = 30 * time.Second
)

var (
	// ErrMessageDeliveryFailed indicates retries were exhausted without an ack.
	ErrMessageDeliveryFailed = errors.New("transfer: message delivery failed")
	// ErrTransferRejected indicates the receiver declined the file offer.
	ErrTransferRejected = errors.New("transfer: offer rejected")
	// ErrChunkDeliveryFailed indicates one chunk exhausted its retransmissions.
	ErrChunkDeliveryFailed = errors.New("transfer: chunk delivery failed")
	// ErrChecksumMismatch indicates the assembled file does not match the
	// offered checksum.
	ErrChecksumMismatch = errors.New("transfer: checksum mismatch")
	// ErrRoleDenied indicates the session's granted role does not permit the
	// operation.
	ErrRoleDenied = errors.New("transfer: role does not permit operation")
	// ErrOfferTimeout indicates the receiver never answered the offer.
	ErrOfferTimeout = errors.New("transfer: offer response timeout")
)

// Event types emitted on the engine's event channel.
const (
	EventMessage          = "message"
	EventMessageFailed    = "message_failed"
	EventSequenceGap      = "sequence_gap"
	EventFileReceived     = "file_received"
	EventTransferComplete = "transfer_complete"
	EventTransferFailed   = "transfer_failed"
)

// Event is one delivery notification surfaced to the owner.
type Event struct {
	Type       string
	SessionID  string
	PeerName   string
	Text       string
	Seq        uint64
	TransferID string
	Path       string
	Err        error
}

// MessageLog persists delivery outcomes. *storage.Store satisfies it.
type MessageLog interface {
	AppendLogEntry(entry storage.LogEntry) error
	History(sessionID string) ([]storage.LogEntry, error)
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Log         MessageLog
	DownloadDir string
	Logger      zerolog.Logger

	ChunkSize          int
	WindowSize         int
	MessageAckTimeout  time.Duration
	MessageRetryLimit  int
	ChunkRetryLimit    int
	SequenceGapTimeout time.Duration
	OfferTimeout       time.Duration
}

func (o EngineOptions) withDefaults() EngineOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.WindowSize <= 0 {
		out.WindowSize = DefaultWindowSize
	}
	if out.MessageAckTimeout <= 0 {
		out.MessageAckTimeout = DefaultMessageAckTimeout
	}
	if out.MessageRetryLimit <= 0 {
		out.MessageRetryLimit = DefaultMessageRetryLimit
	}
	if out.ChunkRetryLimit <= 0 {
		out.ChunkRetryLimit = DefaultChunkRetryLimit
	}
	if out.SequenceGapTimeout <= 0 {
		out.SequenceGapTimeout = DefaultSequenceGapTimeout
	}
	if out.OfferTimeout <= 0 {
		out.OfferTimeout = DefaultOfferTimeout
	}
	return out
}

// Engine carries reliable ordered messages and resumable file transfers over
// established sessions. It consumes post-handshake frames as the session
// manager's frame handler.
type Engine struct {
	cfg EngineOptions

	mu       sync.Mutex
	messages map[string]*messageState     // by session ID
	outbound map[string]*outboundTransfer // by transfer ID
	inbound  map[string]*inboundTransfer  // by transfer ID
	// resume remembers partially received files across sessions, keyed by
	// the offer checksum.
	resume map[string]*resumeState

	events   chan Event
	stopOnce sync.Once
	stopped  chan struct{}
}

type resumeState struct {
	partPath string
	size     int64
	received *rangeSet
}

// NewEngine creates a transfer engine.
func NewEngine(options EngineOptions) (*Engine, error) {
	cfg := options.withDefaults()
	if cfg.Log == nil {
		return nil, errors.New("message log is required")
	}
	if cfg.DownloadDir == "" {
		return nil, errors.New("download directory is required")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, err
	}

	return &Engine{
		cfg:      cfg,
		messages: make(map[string]*messageState),
		outbound: make(map[string]*outboundTransfer),
		inbound:  make(map[string]*inboundTransfer),
		resume:   make(map[string]*resumeState),
		events:   make(chan Event, 64),
		stopped:  make(chan struct{}),
	}, nil
}

// Events returns the delivery notification stream.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// History returns the persisted delivery log for one session.
func (e *Engine) History(sessionID string) ([]storage.LogEntry, error) {
	return e.cfg.Log.History(sessionID)
}

// Stop interrupts outstanding operations.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopped)
	})
}

// HandleFrame dispatches one post-handshake frame. Called inline from the
// session read loop, so each case hands off quickly.
func (e *Engine) HandleFrame(sess *session.Session, frameType string, payload []byte) {
	switch frameType {
	case wire.TypeMessage:
		var frame wire.Message
		if e.decode(payload, &frame) {
			e.handleMessage(sess, frame)
		}
	case wire.TypeMessageAck:
		var frame wire.MessageAck
		if e.decode(payload, &frame) {
			e.handleMessageAck(sess, frame)
		}
	case wire.TypeFileOffer:
		var frame wire.FileOffer
		if e.decode(payload, &frame) {
			e.handleFileOffer(sess, frame)
		}
	case wire.TypeFileAccept:
		var frame wire.FileAccept
		if e.decode(payload, &frame) {
			e.handleFileAccept(frame)
		}
	case wire.TypeChunk:
		var frame wire.Chunk
		if e.decode(payload, &frame) {
			e.handleChunk(sess, frame)
		}
	case wire.TypeChunkAck:
		var frame wire.ChunkAck
		if e.decode(payload, &frame) {
			e.handleChunkAck(frame)
		}
	case wire.TypeFileDone:
		var frame wire.FileDone
		if e.decode(payload, &frame) {
			e.handleFileDone(frame)
		}
	default:
		e.cfg.Logger.Debug().Str("frame", frameType).Msg("unhandled frame type")
	}
}

func (e *Engine) decode(payload []byte, dst any) bool {
	if err := json.Unmarshal(payload, dst); err != nil {
		e.cfg.Logger.Debug().Err(err).Msg("dropping undecodable frame")
		return false
	}
	return true
}

func (e *Engine) emit(event Event) {
	select {
	case e.events <- event:
	default:
	}
}

// peerAuthorized reports whether frames from the remote side of sess carry
// at least the required role. On initiated sessions the remote side is the
// unrestricted responder.
func peerAuthorized(sess *session.Session, required access.Role) bool {
	if sess.Initiated() {
		return true
	}
	return sess.Role().Satisfies(required)
}

// localAuthorized reports whether the local side may perform an operation
// requiring a role. The local side is constrained only on sessions it dialed.
func localAuthorized(sess *session.Session, required access.Role) bool {
	if !sess.Initiated() {
		return true
	}
	return sess.Role().Satisfies(required)
}
