package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

// Frame type constants. The protocol message set is fixed and small;
// consumers dispatch on these with an exhaustive switch.
const (
	TypeHello      = "hello"
	TypeCode       = "code"
	TypeResult     = "result"
	TypeMessage    = "message"
	TypeMessageAck = "message_ack"
	TypeFileOffer  = "file_offer"
	TypeFileAccept = "file_accept"
	TypeChunk      = "chunk"
	TypeChunkAck   = "chunk_ack"
	TypeFileDone   = "file_done"
	TypeBye        = "bye"
)

// Handshake result status values.
const (
	ResultStatusOK     = "ok"
	ResultStatusDenied = "denied"
)

// Handshake denial codes carried in Result.ErrorCode.
const (
	DenyCodeUnknown     = "code_unknown"
	DenyCodeExpired     = "code_expired"
	DenyCodeAlreadyUsed = "code_already_used"
	DenySubLanMismatch  = "sublan_mismatch"
	DenyBadRequest      = "bad_request"
	DenyVersionMismatch = "version_mismatch"
)

// File done status values.
const (
	FileDoneComplete = "complete"
	FileDoneFailed   = "failed"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds max size")
	// ErrInvalidFrameType indicates the frame type is missing or unknown.
	ErrInvalidFrameType = errors.New("wire: invalid frame type")
)

// Envelope identifies the frame type before full decoding.
type Envelope struct {
	Type string `json:"type"`
}

// Hello opens a handshake: the dialing peer identifies itself and declares
// the sub-network it wants to join.
type Hello struct {
	Type            string `json:"type"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
	SubLan          string `json:"sublan,omitempty"`
	Timestamp       int64  `json:"timestamp"`
}

// Code presents an access code in response to the implicit challenge.
type Code struct {
	Type      string `json:"type"`
	DeviceID  string `json:"device_id"`
	Code      string `json:"code"`
	Timestamp int64  `json:"timestamp"`
}

// Result completes a handshake with either a role-bearing session or a
// denial code.
type Result struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Role      string `json:"role,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Message carries one ordered text payload within a session.
type Message struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Text      string `json:"text"`
}

// MessageAck confirms delivery of one message sequence number.
type MessageAck struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
}

// FileOffer announces an outbound file transfer.
type FileOffer struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	SessionID  string `json:"session_id"`
	Filename   string `json:"filename"`
	TotalSize  int64  `json:"total_size"`
	ChunkSize  int    `json:"chunk_size"`
	Checksum   string `json:"checksum"`
	Timestamp  int64  `json:"timestamp"`
}

// FileAccept accepts an offered transfer. Ranges lists byte ranges the
// receiver already holds so an interrupted transfer resumes without resending
// them.
type FileAccept struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transfer_id"`
	Accepted   bool    `json:"accepted"`
	Ranges     []Range `json:"ranges,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Chunk carries one checksummed slice of a file transfer.
type Chunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Offset     int64  `json:"offset"`
	Length     int    `json:"length"`
	Checksum   string `json:"checksum"`
	Payload    []byte `json:"payload"`
}

// ChunkAck reports the receiver's full set of acknowledged byte ranges.
type ChunkAck struct {
	Type       string  `json:"type"`
	TransferID string  `json:"transfer_id"`
	Ranges     []Range `json:"ranges"`
	Timestamp  int64   `json:"timestamp"`
}

// FileDone reports transfer completion status exactly once.
type FileDone struct {
	Type       string `json:"type"`
	TransferID string `json:"transfer_id"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Bye requests a graceful session close.
type Bye struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// EncodeJSON marshals a protocol frame to JSON.
func EncodeJSON(frame any) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol frame: %w", err)
	}
	return payload, nil
}

// DecodeFrameType extracts the "type" field from a payload.
func DecodeFrameType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidFrameType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}

// WriteJSONFrame marshals a frame and writes it length-prefixed.
func WriteJSONFrame(w io.Writer, frame any) error {
	payload, err := EncodeJSON(frame)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
