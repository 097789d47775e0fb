package transfer

import (
	"fmt"
	"time"

	"lanshare/access"
	"lanshare/session"
	"lanshare/storage"
	"lanshare/wire"
)

// messageState is the per-session ordering state. Sequence numbers start at 1
// and are scoped to one session; a re-established session starts fresh.
type messageState struct {
	sessionID string

	nextSendSeq    uint64
	ackWaiters     map[uint64]chan struct{}
	nextDeliverSeq uint64
	reorder        map[uint64]bufferedMessage
	gapTimer       *time.Timer
}

type bufferedMessage struct {
	frame      wire.Message
	bufferedAt time.Time
}

// messageStateFor returns (creating if needed) the ordering state for sess.
// State is discarded when the session closes.
func (e *Engine) messageStateFor(sess *session.Session) *messageState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.messages[sess.ID()]
	if ok {
		return st
	}

	st = &messageState{
		sessionID:      sess.ID(),
		nextSendSeq:    1,
		nextDeliverSeq: 1,
		ackWaiters:     make(map[uint64]chan struct{}),
		reorder:        make(map[uint64]bufferedMessage),
	}
	e.messages[sess.ID()] = st

	go func() {
		<-sess.Done()
		e.mu.Lock()
		if cur, ok := e.messages[sess.ID()]; ok && cur == st {
			if st.gapTimer != nil {
				st.gapTimer.Stop()
			}
			delete(e.messages, sess.ID())
		}
		e.mu.Unlock()
	}()

	return st
}

// SendMessage delivers one text payload with at-least-once retransmission
// and blocks until the peer acknowledges it, retries are exhausted, or the
// session closes. The outcome is recorded in the delivery log either way.
func (e *Engine) SendMessage(sess *session.Session, text string) error {
	if !localAuthorized(sess, access.RoleMember) {
		return ErrRoleDenied
	}

	st := e.messageStateFor(sess)

	e.mu.Lock()
	seq := st.nextSendSeq
	st.nextSendSeq++
	acked := make(chan struct{})
	st.ackWaiters[seq] = acked
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(st.ackWaiters, seq)
		e.mu.Unlock()
	}()

	frame := wire.Message{
		Type:      wire.TypeMessage,
		SessionID: sess.ID(),
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Text:      text,
	}

	// Retransmissions reuse the same sequence number; the receiver re-acks
	// duplicates without redelivering them.
	for attempt := 0; attempt <= e.cfg.MessageRetryLimit; attempt++ {
		if err := sess.Send(frame); err != nil {
			e.recordOutcome(sess.ID(), storage.DirectionSent, seq, text, storage.LogStatusFailed)
			return fmt.Errorf("send message seq %d: %w", seq, err)
		}

		timer := time.NewTimer(e.cfg.MessageAckTimeout)
		select {
		case <-acked:
			timer.Stop()
			e.recordOutcome(sess.ID(), storage.DirectionSent, seq, text, storage.LogStatusDelivered)
			return nil
		case <-timer.C:
		case <-sess.Done():
			timer.Stop()
			e.recordOutcome(sess.ID(), storage.DirectionSent, seq, text, storage.LogStatusFailed)
			return session.ErrSessionClosed
		case <-e.stopped:
			timer.Stop()
			return session.ErrSessionClosed
		}
	}

	e.cfg.Logger.Warn().
		Str("session", sess.ID()).
		Uint64("seq", seq).
		Msg("message retries exhausted")
	e.recordOutcome(sess.ID(), storage.DirectionSent, seq, text, storage.LogStatusFailed)
	e.emit(Event{Type: EventMessageFailed, SessionID: sess.ID(), Seq: seq, Err: ErrMessageDeliveryFailed})
	return ErrMessageDeliveryFailed
}

// handleMessage acknowledges every received message and delivers it in
// sequence order, buffering ahead-of-order arrivals.
func (e *Engine) handleMessage(sess *session.Session, frame wire.Message) {
	if !peerAuthorized(sess, access.RoleMember) {
		e.cfg.Logger.Warn().
			Str("session", sess.ID()).
			Str("role", sess.Role().String()).
			Msg("dropping message from read-only peer")
		return
	}

	// Ack first, including duplicates: the ack is about receipt, delivery
	// order is a local concern.
	ack := wire.MessageAck{
		Type:      wire.TypeMessageAck,
		SessionID: frame.SessionID,
		Seq:       frame.Seq,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := sess.Send(ack); err != nil {
		e.cfg.Logger.Debug().Err(err).Msg("message ack send failed")
	}

	st := e.messageStateFor(sess)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case frame.Seq < st.nextDeliverSeq:
		// Duplicate of an already-delivered message; the re-ack above is all
		// it needs.
	case frame.Seq == st.nextDeliverSeq:
		e.deliverLocked(sess, st, frame)
		e.drainReorderLocked(sess, st)
	default:
		if _, buffered := st.reorder[frame.Seq]; !buffered {
			st.reorder[frame.Seq] = bufferedMessage{frame: frame, bufferedAt: time.Now()}
			e.scheduleGapCheckLocked(sess, st)
		}
	}
}

func (e *Engine) handleMessageAck(sess *session.Session, frame wire.MessageAck) {
	e.mu.Lock()
	st, ok := e.messages[sess.ID()]
	if !ok {
		e.mu.Unlock()
		return
	}
	waiter, ok := st.ackWaiters[frame.Seq]
	if ok {
		delete(st.ackWaiters, frame.Seq)
	}
	e.mu.Unlock()

	if ok {
		close(waiter)
	}
}

// deliverLocked emits one in-order message and advances the delivery cursor.
// Caller holds e.mu.
func (e *Engine) deliverLocked(sess *session.Session, st *messageState, frame wire.Message) {
	st.nextDeliverSeq = frame.Seq + 1
	e.recordOutcome(sess.ID(), storage.DirectionReceived, frame.Seq, frame.Text, storage.LogStatusDelivered)
	e.emit(Event{
		Type:      EventMessage,
		SessionID: sess.ID(),
		PeerName:  sess.PeerDeviceName(),
		Seq:       frame.Seq,
		Text:      frame.Text,
	})
}

// drainReorderLocked delivers consecutively buffered messages. Caller holds e.mu.
func (e *Engine) drainReorderLocked(sess *session.Session, st *messageState) {
	for {
		buffered, ok := st.reorder[st.nextDeliverSeq]
		if !ok {
			break
		}
		delete(st.reorder, buffered.frame.Seq)
		e.deliverLocked(sess, st, buffered.frame)
	}
	if len(st.reorder) == 0 && st.gapTimer != nil {
		st.gapTimer.Stop()
		st.gapTimer = nil
	}
}

// scheduleGapCheckLocked arms the gap timer if it is not already running.
// Caller holds e.mu.
func (e *Engine) scheduleGapCheckLocked(sess *session.Session, st *messageState) {
	if st.gapTimer != nil {
		return
	}
	st.gapTimer = time.AfterFunc(e.cfg.SequenceGapTimeout, func() {
		e.expireGap(sess)
	})
}

// expireGap fires when a sequence gap persisted past the timeout: the missing
// messages are reported lost and delivery advances past them so the session
// does not stall forever.
func (e *Engine) expireGap(sess *session.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.messages[sess.ID()]
	if !ok {
		return
	}
	st.gapTimer = nil
	if len(st.reorder) == 0 {
		return
	}

	cutoff := time.Now().Add(-e.cfg.SequenceGapTimeout)
	oldest := time.Now()
	var lowest uint64
	for seq, buffered := range st.reorder {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
		if buffered.bufferedAt.Before(oldest) {
			oldest = buffered.bufferedAt
		}
	}

	if oldest.After(cutoff) {
		// Youngest possible gap has not aged out yet; re-arm.
		e.scheduleGapCheckLocked(sess, st)
		return
	}

	e.cfg.Logger.Warn().
		Str("session", sess.ID()).
		Uint64("expected", st.nextDeliverSeq).
		Uint64("resume_at", lowest).
		Msg("sequence gap expired, skipping lost messages")
	e.emit(Event{
		Type:      EventSequenceGap,
		SessionID: sess.ID(),
		PeerName:  sess.PeerDeviceName(),
		Seq:       st.nextDeliverSeq,
	})

	st.nextDeliverSeq = lowest
	e.drainReorderLocked(sess, st)
	if len(st.reorder) > 0 {
		e.scheduleGapCheckLocked(sess, st)
	}
}

// recordOutcome appends one delivery-log row. Log failures never fail the
// transfer path.
func (e *Engine) recordOutcome(sessionID, direction string, seq uint64, body, status string) {
	err := e.cfg.Log.AppendLogEntry(storage.LogEntry{
		SessionID: sessionID,
		Direction: direction,
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Body:      body,
		Status:    status,
	})
	if err != nil {
		e.cfg.Logger.Error().Err(err).Msg("delivery log append failed")
	}
}
