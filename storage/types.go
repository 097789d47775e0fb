package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// DirectionSent marks messages the local node sent.
	DirectionSent = "sent"
	// DirectionReceived marks messages delivered by a peer.
	DirectionReceived = "received"
)

const (
	// LogStatusDelivered marks an acknowledged message.
	LogStatusDelivered = "delivered"
	// LogStatusFailed marks a message whose retries were exhausted.
	LogStatusFailed = "failed"
)

// LogEntry is the SQLite representation of one logged session message.
type LogEntry struct {
	SessionID string
	Direction string
	Seq       uint64
	Timestamp int64
	Body      string
	Status    string
}

// AccessCode is the SQLite representation of an issued access code. Only the
// code's hash is stored.
type AccessCode struct {
	CodeHash  string
	Role      string
	SubLan    string
	ExpiresAt int64
	Reusable  bool
	Consumed  bool
	CreatedAt int64
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSent, DirectionReceived:
		return nil
	default:
		return fmt.Errorf("invalid message direction %q", direction)
	}
}

func validateLogStatus(status string) error {
	switch status {
	case LogStatusDelivered, LogStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid log status %q", status)
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
