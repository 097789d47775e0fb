package transfer

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"lanshare/access"
	"lanshare/session"
	"lanshare/wire"
)

const (
	// chunkResendScanInterval is how often the sender re-examines in-flight
	// chunks for retransmission.
	chunkResendScanInterval = 100 * time.Millisecond
	// chunkBackoffInitial is the first retransmission delay per chunk.
	chunkBackoffInitial = 500 * time.Millisecond
	// chunkBackoffMax caps the per-chunk retransmission delay.
	chunkBackoffMax = 5 * time.Second
)

// outboundTransfer is the sender-side handle routing responder frames into
// the SendFile loop.
type outboundTransfer struct {
	id       string
	acceptCh chan wire.FileAccept
	ackCh    chan wire.ChunkAck
	doneCh   chan wire.FileDone
}

// inboundTransfer is one in-progress receive. All fields are guarded by the
// engine mutex.
type inboundTransfer struct {
	id        string
	sess      *session.Session
	offer     wire.FileOffer
	partPath  string
	file      *os.File
	received  *rangeSet
	finalized bool
}

// chunkState tracks one unacknowledged chunk of an outbound transfer.
type chunkState struct {
	offset   int64
	length   int
	attempts int
	nextSend time.Time
	retry    backoff.BackOff
}

// SendFile offers a file to the peer and blocks until the transfer completes
// or fails. Chunks are sent inside a fixed window; each unacknowledged chunk
// retransmits on its own exponential backoff until the retry limit. An
// interrupted transfer of the same file resumes from the receiver's
// acknowledged ranges.
func (e *Engine) SendFile(sess *session.Session, path string) error {
	if !localAuthorized(sess, access.RoleMember) {
		return ErrRoleDenied
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	size := info.Size()

	checksum, err := hashReader(file)
	if err != nil {
		return fmt.Errorf("checksum %s: %w", path, err)
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	transferID := uuid.NewString()
	out := &outboundTransfer{
		id:       transferID,
		acceptCh: make(chan wire.FileAccept, 1),
		ackCh:    make(chan wire.ChunkAck, 16),
		doneCh:   make(chan wire.FileDone, 1),
	}
	e.mu.Lock()
	e.outbound[transferID] = out
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.outbound, transferID)
		e.mu.Unlock()
	}()

	offer := wire.FileOffer{
		Type:       wire.TypeFileOffer,
		TransferID: transferID,
		SessionID:  sess.ID(),
		Filename:   filepath.Base(path),
		TotalSize:  size,
		ChunkSize:  e.cfg.ChunkSize,
		Checksum:   checksum,
		Timestamp:  time.Now().UnixMilli(),
	}
	if err := sess.Send(offer); err != nil {
		return fmt.Errorf("send file offer: %w", err)
	}

	var accept wire.FileAccept
	offerTimer := time.NewTimer(e.cfg.OfferTimeout)
	defer offerTimer.Stop()
	select {
	case accept = <-out.acceptCh:
	case <-offerTimer.C:
		return e.failOutbound(sess, transferID, ErrOfferTimeout)
	case <-sess.Done():
		return session.ErrSessionClosed
	case <-e.stopped:
		return session.ErrSessionClosed
	}
	if !accept.Accepted {
		e.cfg.Logger.Info().
			Str("transfer", transferID).
			Str("reason", accept.Reason).
			Msg("file offer rejected")
		return e.failOutbound(sess, transferID, ErrTransferRejected)
	}

	// Ranges the receiver already holds from an earlier attempt never go
	// back on the wire.
	acked := newRangeSet(accept.Ranges)
	pending := buildChunkStates(size, e.cfg.ChunkSize, acked)

	e.cfg.Logger.Info().
		Str("transfer", transferID).
		Str("file", offer.Filename).
		Int64("size", size).
		Int64("resumed", acked.covered()).
		Msg("file transfer started")

	buf := make([]byte, e.cfg.ChunkSize)
	ticker := time.NewTicker(chunkResendScanInterval)
	defer ticker.Stop()

	complete := false
	for !complete && !acked.covers(size) {
		if err := e.pumpWindow(sess, file, transferID, pending, acked, buf); err != nil {
			return e.failOutbound(sess, transferID, err)
		}

		select {
		case ack := <-out.ackCh:
			merged := newRangeSet(ack.Ranges)
			acked.ranges = merged.ranges
		case done := <-out.doneCh:
			if done.Status == wire.FileDoneFailed {
				return e.failOutbound(sess, transferID, fmt.Errorf("transfer: receiver failed: %s", done.Reason))
			}
			// The receiver finalized; a lost final ack no longer matters.
			complete = true
		case <-ticker.C:
		case <-sess.Done():
			return session.ErrSessionClosed
		case <-e.stopped:
			return session.ErrSessionClosed
		}
	}

	_ = sess.Send(wire.FileDone{
		Type:       wire.TypeFileDone,
		TransferID: transferID,
		Status:     wire.FileDoneComplete,
		Timestamp:  time.Now().UnixMilli(),
	})

	e.cfg.Logger.Info().
		Str("transfer", transferID).
		Str("file", offer.Filename).
		Msg("file transfer complete")
	e.emit(Event{Type: EventTransferComplete, SessionID: sess.ID(), TransferID: transferID, Path: path})
	return nil
}

// pumpWindow sends every due chunk among the lowest-offset unacknowledged
// ones, up to the window size.
func (e *Engine) pumpWindow(sess *session.Session, file *os.File, transferID string, pending []*chunkState, acked *rangeSet, buf []byte) error {
	now := time.Now()
	inFlight := 0
	for _, chunk := range pending {
		if inFlight >= e.cfg.WindowSize {
			break
		}
		if acked.contains(chunk.offset, chunk.offset+int64(chunk.length)) {
			continue
		}
		inFlight++
		if chunk.nextSend.After(now) {
			continue
		}
		if chunk.attempts >= e.cfg.ChunkRetryLimit {
			return ErrChunkDeliveryFailed
		}

		payload := buf[:chunk.length]
		if _, err := file.ReadAt(payload, chunk.offset); err != nil {
			return fmt.Errorf("read chunk at %d: %w", chunk.offset, err)
		}
		frame := wire.Chunk{
			Type:       wire.TypeChunk,
			TransferID: transferID,
			Offset:     chunk.offset,
			Length:     chunk.length,
			Checksum:   hashBytes(payload),
			Payload:    payload,
		}
		if err := sess.Send(frame); err != nil {
			return fmt.Errorf("send chunk at %d: %w", chunk.offset, err)
		}
		chunk.attempts++
		chunk.nextSend = now.Add(chunk.retry.NextBackOff())
	}
	return nil
}

func (e *Engine) failOutbound(sess *session.Session, transferID string, cause error) error {
	_ = sess.Send(wire.FileDone{
		Type:       wire.TypeFileDone,
		TransferID: transferID,
		Status:     wire.FileDoneFailed,
		Reason:     cause.Error(),
		Timestamp:  time.Now().UnixMilli(),
	})
	e.cfg.Logger.Warn().
		Str("transfer", transferID).
		Err(cause).
		Msg("file transfer failed")
	e.emit(Event{Type: EventTransferFailed, SessionID: sess.ID(), TransferID: transferID, Err: cause})
	return cause
}

// buildChunkStates lays out the chunk tiling of [0, size), skipping chunks
// the receiver already acknowledged.
func buildChunkStates(size int64, chunkSize int, acked *rangeSet) []*chunkState {
	pending := make([]*chunkState, 0, int(size/int64(chunkSize))+1)
	for offset := int64(0); offset < size; offset += int64(chunkSize) {
		length := chunkSize
		if offset+int64(length) > size {
			length = int(size - offset)
		}
		if acked.contains(offset, offset+int64(length)) {
			continue
		}
		retry := backoff.NewExponentialBackOff()
		retry.InitialInterval = chunkBackoffInitial
		retry.MaxInterval = chunkBackoffMax
		retry.MaxElapsedTime = 0
		pending = append(pending, &chunkState{
			offset: offset,
			length: length,
			retry:  retry,
		})
	}
	return pending
}

// handleFileOffer answers an inbound offer. Offers from peers without the
// member role are declined; everything else is accepted into the download
// directory, resuming from a matching partial file when one exists.
func (e *Engine) handleFileOffer(sess *session.Session, offer wire.FileOffer) {
	reject := func(reason string) {
		_ = sess.Send(wire.FileAccept{
			Type:       wire.TypeFileAccept,
			TransferID: offer.TransferID,
			Accepted:   false,
			Reason:     reason,
			Timestamp:  time.Now().UnixMilli(),
		})
	}

	if !peerAuthorized(sess, access.RoleMember) {
		reject("role does not permit sending files")
		return
	}
	if offer.TransferID == "" || offer.TotalSize < 0 || offer.ChunkSize <= 0 || offer.Filename == "" {
		reject("malformed offer")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	partPath, received := e.resumeStateLocked(offer)
	file, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		e.cfg.Logger.Error().Err(err).Msg("open partial file")
		reject("cannot store file")
		return
	}

	in := &inboundTransfer{
		id:       offer.TransferID,
		sess:     sess,
		offer:    offer,
		partPath: partPath,
		file:     file,
		received: received,
	}
	e.inbound[offer.TransferID] = in

	_ = sess.Send(wire.FileAccept{
		Type:       wire.TypeFileAccept,
		TransferID: offer.TransferID,
		Accepted:   true,
		Ranges:     received.snapshot(),
		Timestamp:  time.Now().UnixMilli(),
	})

	e.cfg.Logger.Info().
		Str("transfer", offer.TransferID).
		Str("file", offer.Filename).
		Int64("size", offer.TotalSize).
		Int64("resumed", received.covered()).
		Msg("file offer accepted")

	// A zero-byte file, or a fully resumed one, is already complete.
	if received.covers(offer.TotalSize) {
		e.finalizeInboundLocked(in)
	}
}

// resumeStateLocked returns the partial-file path and already-received
// ranges for an offer, reusing saved state when the same file was partially
// received before. Caller holds e.mu.
func (e *Engine) resumeStateLocked(offer wire.FileOffer) (string, *rangeSet) {
	if saved, ok := e.resume[offer.Checksum]; ok && saved.size == offer.TotalSize {
		if _, err := os.Stat(saved.partPath); err == nil {
			return saved.partPath, saved.received
		}
		delete(e.resume, offer.Checksum)
	}

	suffix := offer.Checksum
	if len(suffix) > 16 {
		suffix = suffix[:16]
	}
	partPath := filepath.Join(e.cfg.DownloadDir, "."+suffix+".part")
	received := newRangeSet(nil)
	e.resume[offer.Checksum] = &resumeState{
		partPath: partPath,
		size:     offer.TotalSize,
		received: received,
	}
	return partPath, received
}

// handleChunk verifies and stores one chunk, then acknowledges the full
// received set. Corrupt chunks are dropped without an ack so the sender's
// backoff retransmits them.
func (e *Engine) handleChunk(sess *session.Session, chunk wire.Chunk) {
	e.mu.Lock()
	defer e.mu.Unlock()

	in, ok := e.inbound[chunk.TransferID]
	if !ok || in.finalized {
		return
	}
	if len(chunk.Payload) != chunk.Length {
		return
	}
	if chunk.Offset < 0 || chunk.Offset+int64(chunk.Length) > in.offer.TotalSize {
		return
	}
	if hashBytes(chunk.Payload) != chunk.Checksum {
		e.cfg.Logger.Debug().
			Str("transfer", chunk.TransferID).
			Int64("offset", chunk.Offset).
			Msg("dropping corrupt chunk")
		return
	}

	if _, err := in.file.WriteAt(chunk.Payload, chunk.Offset); err != nil {
		e.cfg.Logger.Error().Err(err).Msg("write chunk")
		e.abortInboundLocked(in, "cannot store chunk")
		return
	}
	in.received.add(chunk.Offset, chunk.Offset+int64(chunk.Length))

	_ = sess.Send(wire.ChunkAck{
		Type:       wire.TypeChunkAck,
		TransferID: chunk.TransferID,
		Ranges:     in.received.snapshot(),
		Timestamp:  time.Now().UnixMilli(),
	})

	if in.received.covers(in.offer.TotalSize) {
		e.finalizeInboundLocked(in)
	}
}

func (e *Engine) handleFileAccept(frame wire.FileAccept) {
	e.mu.Lock()
	out, ok := e.outbound[frame.TransferID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case out.acceptCh <- frame:
	default:
	}
}

func (e *Engine) handleChunkAck(frame wire.ChunkAck) {
	e.mu.Lock()
	out, ok := e.outbound[frame.TransferID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case out.ackCh <- frame:
	default:
		// Acks carry the full range set; a dropped one is superseded by the
		// next.
	}
}

func (e *Engine) handleFileDone(frame wire.FileDone) {
	e.mu.Lock()
	if out, ok := e.outbound[frame.TransferID]; ok {
		e.mu.Unlock()
		select {
		case out.doneCh <- frame:
		default:
		}
		return
	}

	in, ok := e.inbound[frame.TransferID]
	if ok && frame.Status == wire.FileDoneFailed && !in.finalized {
		// Keep the partial file and resume state for a retry.
		_ = in.file.Close()
		delete(e.inbound, frame.TransferID)
		e.cfg.Logger.Warn().
			Str("transfer", frame.TransferID).
			Str("reason", frame.Reason).
			Msg("sender abandoned transfer")
	}
	e.mu.Unlock()
}

// finalizeInboundLocked verifies the assembled file against the offered
// checksum and moves it into the download directory exactly once. Caller
// holds e.mu.
func (e *Engine) finalizeInboundLocked(in *inboundTransfer) {
	if in.finalized {
		return
	}
	in.finalized = true
	defer delete(e.inbound, in.id)

	if err := in.file.Close(); err != nil {
		e.abortInboundLocked(in, "close partial file")
		return
	}

	actual, err := hashFile(in.partPath)
	if err != nil {
		e.abortInboundLocked(in, "checksum partial file")
		return
	}
	if actual != in.offer.Checksum {
		// The ranges tiled but the content is wrong; the partial file is
		// useless for resume.
		_ = os.Remove(in.partPath)
		delete(e.resume, in.offer.Checksum)
		e.cfg.Logger.Warn().
			Str("transfer", in.id).
			Str("file", in.offer.Filename).
			Msg("assembled file failed checksum")
		_ = in.sess.Send(wire.FileDone{
			Type:       wire.TypeFileDone,
			TransferID: in.id,
			Status:     wire.FileDoneFailed,
			Reason:     ErrChecksumMismatch.Error(),
			Timestamp:  time.Now().UnixMilli(),
		})
		e.emit(Event{Type: EventTransferFailed, SessionID: in.sess.ID(), TransferID: in.id, Err: ErrChecksumMismatch})
		return
	}

	finalPath := uniquePath(e.cfg.DownloadDir, filepath.Base(in.offer.Filename))
	if err := os.Rename(in.partPath, finalPath); err != nil {
		e.abortInboundLocked(in, "move completed file")
		return
	}
	delete(e.resume, in.offer.Checksum)

	_ = in.sess.Send(wire.FileDone{
		Type:       wire.TypeFileDone,
		TransferID: in.id,
		Status:     wire.FileDoneComplete,
		Timestamp:  time.Now().UnixMilli(),
	})

	e.cfg.Logger.Info().
		Str("transfer", in.id).
		Str("path", finalPath).
		Msg("file received")
	e.emit(Event{
		Type:       EventFileReceived,
		SessionID:  in.sess.ID(),
		PeerName:   in.sess.PeerDeviceName(),
		TransferID: in.id,
		Path:       finalPath,
	})
}

// abortInboundLocked fails an inbound transfer for a local storage problem.
// Caller holds e.mu.
func (e *Engine) abortInboundLocked(in *inboundTransfer, reason string) {
	_ = in.file.Close()
	delete(e.inbound, in.id)
	_ = in.sess.Send(wire.FileDone{
		Type:       wire.TypeFileDone,
		TransferID: in.id,
		Status:     wire.FileDoneFailed,
		Reason:     reason,
		Timestamp:  time.Now().UnixMilli(),
	})
	e.cfg.Logger.Error().
		Str("transfer", in.id).
		Str("reason", reason).
		Msg("inbound transfer aborted")
	e.emit(Event{Type: EventTransferFailed, SessionID: in.sess.ID(), TransferID: in.id, Err: fmt.Errorf("transfer: %s", reason)})
}

// uniquePath returns name inside dir, suffixing _1, _2, ... if taken.
func uniquePath(dir, name string) string {
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func hashBytes(payload []byte) string {
	sum := blake2b.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func hashReader(r io.Reader) (string, error) {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	return hashReader(file)
}
