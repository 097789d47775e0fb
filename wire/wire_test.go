package wire

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	hello := Hello{
		Type:            TypeHello,
		DeviceID:        "alice#1a2b",
		DeviceName:      "alice-laptop",
		ProtocolVersion: ProtocolVersion,
		SubLan:          "office",
		Timestamp:       1700000000000,
	}
	if err := WriteJSONFrame(&buf, hello); err != nil {
		t.Fatalf("WriteJSONFrame failed: %v", err)
	}

	payload, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	frameType, err := DecodeFrameType(payload)
	if err != nil {
		t.Fatalf("DecodeFrameType failed: %v", err)
	}
	if frameType != TypeHello {
		t.Fatalf("expected type %q, got %q", TypeHello, frameType)
	}
}

func TestFrameSequence(t *testing.T) {
	var buf bytes.Buffer

	frames := []any{
		Message{Type: TypeMessage, SessionID: "s", Seq: 1, Text: "one"},
		MessageAck{Type: TypeMessageAck, SessionID: "s", Seq: 1},
		Chunk{Type: TypeChunk, TransferID: "t", Offset: 0, Length: 3, Payload: []byte("abc")},
	}
	for _, frame := range frames {
		if err := WriteJSONFrame(&buf, frame); err != nil {
			t.Fatalf("WriteJSONFrame failed: %v", err)
		}
	}

	want := []string{TypeMessage, TypeMessageAck, TypeChunk}
	for i, wantType := range want {
		payload, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", i, err)
		}
		frameType, err := DecodeFrameType(payload)
		if err != nil {
			t.Fatalf("DecodeFrameType %d failed: %v", i, err)
		}
		if frameType != wantType {
			t.Fatalf("frame %d: expected %q, got %q", i, wantType, frameType)
		}
	}
}

func TestWriteFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer

	err := WriteFrame(&buf, make([]byte, MaxFrameSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameRejectsOversizedHeader(t *testing.T) {
	// Length prefix claims more than the limit; nothing should be read.
	raw := []byte{0xFF, 0xFF, 0xFF, 0xFF}

	_, err := ReadFrame(bytes.NewReader(raw))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeFrameTypeMissing(t *testing.T) {
	_, err := DecodeFrameType([]byte(`{"no_type":"here"}`))
	if !errors.Is(err, ErrInvalidFrameType) {
		t.Fatalf("expected ErrInvalidFrameType, got %v", err)
	}
}

func TestReadFrameWithTimeoutExpires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	_, err := ReadFrameWithTimeout(server, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected a timeout net.Error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %v", elapsed)
	}
}

func TestReadFrameWithTimeoutDelivers(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = WriteJSONFrame(client, Bye{Type: TypeBye, SessionID: "s"})
	}()

	payload, err := ReadFrameWithTimeout(server, time.Second)
	if err != nil {
		t.Fatalf("ReadFrameWithTimeout failed: %v", err)
	}
	frameType, err := DecodeFrameType(payload)
	if err != nil {
		t.Fatalf("DecodeFrameType failed: %v", err)
	}
	if frameType != TypeBye {
		t.Fatalf("expected %q, got %q", TypeBye, frameType)
	}
}
