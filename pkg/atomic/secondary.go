package atomic

import (
	"context"
	"encoding/binary"
	"time"
)

// SecondaryState is one of the named states in the §4.2 state table.
type SecondaryState string

const (
	StateIdle       SecondaryState = "idle"
	StateStarted    SecondaryState = "started"
	StateVerified   SecondaryState = "verified"
	StatePrepared   SecondaryState = "prepared"
	StateCommitting SecondaryState = "committing" // transient: apply() in flight
	StateCommitted  SecondaryState = "committed"
	StateAborted    SecondaryState = "aborted"
)

// terminal reports whether Run should stop reading the stream. Committed is
// deliberately NOT terminal here: §4.2's split-brain rule requires a
// Committed Secondary to keep listening for a possible late Abort and
// attempt a best-effort rollback, so Run only exits once Aborted is reached
// or its registry-owned context is cancelled (the grace-period sweep
// eventually does this for a Committed transaction that never sees one).
func (s SecondaryState) terminal() bool {
	return s == StateAborted
}

// stateDeadline returns the per-state deadline for state, per §4.2's
// defaults (Idle→Started 30s, others 60s).
func stateDeadline(c *cfg, state SecondaryState) time.Duration {
	if state == StateIdle {
		return c.idleTimeout
	}
	return c.stateTimeout
}

// Secondary is one (tx_id, local ECU) Secondary State Machine instance
// (§4.2). It owns the payload staging for its tuple exclusively, consumes
// inbound Request/Abort messages from its Peer, and durably records every
// non-idempotent transition before acking.
type Secondary struct {
	cfg      cfg
	txID     TxID
	serial   Serial
	primary  Serial
	fellows  []Serial
	wal      *WAL
	store    *PayloadStore
	peer     *Peer
	events   *EventBus

	// onDecided, if set, is called exactly once the first time the
	// Secondary reaches Committed or Aborted — independent of whether Run
	// has returned, since Committed keeps Run listening for a late Abort
	// (§4.2). The host uses this to release the Registry's entry without
	// holding a back-pointer into this struct (§9 design note).
	onDecided func(TxID)
	decided   bool

	state       SecondaryState
	payloadSize uint32 // declared total size of the image, 0 until the first chunk
}

// NewSecondary constructs a Secondary State Machine. txID/serial/primary and
// fellows come from the Transaction Record the first Request establishes
// (or from WAL replay during recovery).
func NewSecondary(c cfg, txID TxID, serial, primary Serial, fellows []Serial, wal *WAL, store *PayloadStore, peer *Peer, events *EventBus) *Secondary {
	return &Secondary{
		cfg: c, txID: txID, serial: serial, primary: primary, fellows: fellows,
		wal: wal, store: store, peer: peer, events: events,
		state: StateIdle,
	}
}

// OnDecided registers f to be called the first time this Secondary reaches
// Committed or Aborted. See the Secondary.onDecided field doc for why this
// exists instead of a Registry back-pointer.
func (s *Secondary) OnDecided(f func(TxID)) { s.onDecided = f }

func (s *Secondary) fireDecided() {
	if s.decided || s.onDecided == nil {
		return
	}
	s.decided = true
	s.onDecided(s.txID)
}

// Run drives the state machine until a terminal state is reached or ctx is
// cancelled, dispatching each inbound message addressed to its tx_id
// against the §4.2 state table and replying on the same stream. The peer
// connection is shared with every other transaction against this primary,
// so Run subscribes for its own tx_id rather than reading the raw stream.
//
// first, if non-nil, is a message the accept-loop dispatcher already drained
// from the peer's unrouted queue while discovering this transaction (the
// opening Start request); it is dispatched before Run begins reading its own
// subscription so no message is lost to the handoff.
func (s *Secondary) Run(ctx context.Context, first *Message) SecondaryState {
	inbox, unsub := s.peer.Subscribe(s.txID)
	defer unsub()

	if first != nil {
		s.dispatch(ctx, *first)
	}

	for !s.state.terminal() {
		deadline := stateDeadline(&s.cfg, s.state)
		timer := time.NewTimer(deadline)

		select {
		case msg, ok := <-inbox:
			timer.Stop()
			if !ok {
				s.abort(ctx, KindTransport, "peer stream closed")
				continue
			}
			s.dispatch(ctx, msg)

		case err := <-s.peer.Errors:
			timer.Stop()
			s.abort(ctx, classifyTransportErr(err), "transport error")

		case <-timer.C:
			s.onTimeout(ctx)

		case <-ctx.Done():
			timer.Stop()
			if s.state == StateCommitted {
				// The grace period for a late Abort expired with none
				// arriving; nothing to correct, just stop listening.
				return s.state
			}
			s.abort(ctx, KindCancelled, "context cancelled")
		}
	}
	return s.state
}

func classifyTransportErr(err error) Kind {
	if kind, ok := KindOf(err); ok {
		return kind
	}
	return KindTransport
}

func (s *Secondary) dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case MsgAbort:
		s.onAbort(ctx, msg.Reason)
	case MsgRequest:
		s.onRequest(ctx, msg)
	default:
		s.protocolError(ctx, "unexpected message type on secondary stream")
	}
}

func (s *Secondary) onRequest(ctx context.Context, msg Message) {
	switch msg.Step {
	case StepStart:
		s.onStart(ctx)
	case StepVerify:
		s.onVerify(ctx, msg)
	case StepPrepare:
		s.onPrepare(ctx, msg)
	case StepCommit:
		s.onCommit(ctx)
	default:
		s.protocolError(ctx, "unexpected step in request")
	}
}

func (s *Secondary) onStart(ctx context.Context) {
	switch s.state {
	case StateIdle:
		if !s.persist(ctx, StateStarted, nil) {
			return
		}
		s.ack(ctx, StepStart)
	case StateStarted, StateVerified, StatePrepared, StateCommitted:
		s.ack(ctx, StepStart) // idempotent
	case StateAborted:
		s.abortAck(ctx)
	}
}

func (s *Secondary) onVerify(ctx context.Context, msg Message) {
	switch s.state {
	case StateIdle:
		s.abort(ctx, KindProtocol, "verify before start")
	case StateStarted:
		ok, err := s.verify(ctx, msg.Chunk)
		if err != nil {
			s.abort(ctx, KindVerify, err.Error())
			return
		}
		if !ok {
			s.abort(ctx, KindVerify, "collaborator refused")
			return
		}
		if !s.persist(ctx, StateVerified, msg.Chunk) {
			return
		}
		s.ack(ctx, StepVerify)
	case StateVerified, StatePrepared, StateCommitted:
		s.ack(ctx, StepVerify) // idempotent
	case StateAborted:
		s.abortAck(ctx)
	}
}

func (s *Secondary) verify(ctx context.Context, metadata []byte) (bool, error) {
	if s.cfg.verifier == nil {
		return true, nil
	}
	return s.cfg.verifier.Verify(ctx, s.txID, s.serial, metadata)
}

func (s *Secondary) onPrepare(ctx context.Context, msg Message) {
	switch s.state {
	case StateIdle, StateStarted:
		s.abort(ctx, KindProtocol, "prepare before verify")
	case StateVerified:
		if err := s.receiveChunk(msg); err != nil {
			s.abort(ctx, KindPayload, err.Error())
			return
		}
		if !s.store.IsComplete(s.txID, s.serial, s.payloadSize) {
			// Still awaiting more chunks; do not transition or ack yet.
			// A subsequent Prepare request carrying the remaining chunk(s)
			// will complete the transfer.
			return
		}
		if !s.persist(ctx, StatePrepared, nil) {
			return
		}
		s.ack(ctx, StepPrepare)
	case StatePrepared, StateCommitted:
		s.ack(ctx, StepPrepare) // idempotent
	case StateAborted:
		s.abortAck(ctx)
	}
}

func (s *Secondary) receiveChunk(msg Message) error {
	if len(msg.Chunk) == 0 && msg.ChunkLen == 0 {
		return nil // zero-byte payload is valid (§8 boundary)
	}
	declared := s.payloadSize
	if declared == 0 {
		declared = msg.ChunkOffset + msg.ChunkLen
	}
	if err := s.store.WriteChunk(s.txID, s.serial, msg.ChunkOffset, declared, msg.Chunk, s.cfg.maxFrameBytes); err != nil {
		return err
	}
	if s.payloadSize == 0 {
		s.payloadSize = declared
	}
	return nil
}

func (s *Secondary) onCommit(ctx context.Context) {
	switch s.state {
	case StateIdle, StateStarted, StateVerified:
		s.abort(ctx, KindProtocol, "commit before prepare")
	case StatePrepared:
		s.state = StateCommitting
		payload, err := s.store.Read(s.txID, s.serial, s.payloadSize)
		if err != nil {
			s.abort(ctx, KindStorage, err.Error())
			return
		}
		if err := s.apply(ctx, payload); err != nil {
			s.abort(ctx, KindApply, err.Error())
			return
		}
		if !s.persist(ctx, StateCommitted, nil) {
			return
		}
		s.ack(ctx, StepCommit)
	case StateCommitted:
		s.ack(ctx, StepCommit) // idempotent
	case StateAborted:
		// Protocol error per §4.2's table ("protocol error -> abort"): a
		// Commit can never legitimately follow an Aborted state.
		s.abort(ctx, KindProtocol, "commit after abort")
	}
}

func (s *Secondary) apply(ctx context.Context, payload []byte) error {
	if s.cfg.applier == nil {
		return nil
	}
	return s.cfg.applier.Apply(ctx, s.txID, s.serial, payload)
}

// onAbort implements the receive-Abort column of the §4.2 table, including
// the split-brain rule: an Abort arriving after Committed attempts a
// best-effort reversal, and reports success if reversal is impossible.
func (s *Secondary) onAbort(ctx context.Context, reason string) {
	switch s.state {
	case StateCommitted:
		err := s.rollback(ctx)
		if err == nil {
			s.persist(ctx, StateAborted, nil)
			s.abortAck(ctx)
			return
		}
		if kind, ok := KindOf(err); ok && kind == KindRollback {
			// Irreversible: remain Committed and report success, but
			// surface the event for operational visibility (§4.2, §7,
			// §9.2, §8 scenario 4).
			s.cfg.logger.Log(LogLevelWarn, "rollback unsupported, staying committed",
				"serial", string(s.serial), "tx_id", s.txID.String(), "err", err)
			s.events.Publish(Event{
				Kind: EventRollbackUnsupported, TxID: s.txID,
				Secondary: string(s.serial), Step: StepCommit, Detail: err.Error(),
			})
			s.ack(ctx, StepCommit)
			return
		}
		// Any other rollback error is unexpected; treat conservatively as
		// still committed (we cannot safely claim an uncontrolled partial
		// rollback succeeded), but surface it.
		s.cfg.logger.Log(LogLevelError, "rollback failed, staying committed",
			"serial", string(s.serial), "tx_id", s.txID.String(), "err", err)
		s.events.Publish(Event{
			Kind: EventRollbackUnsupported, TxID: s.txID,
			Secondary: string(s.serial), Step: StepCommit, Detail: err.Error(),
		})
		s.ack(ctx, StepCommit)
	case StateAborted:
		s.abortAck(ctx) // idempotent
	default:
		s.abort(ctx, KindCancelled, reason)
	}
}

func (s *Secondary) rollback(ctx context.Context) error {
	if s.cfg.rollbacker == nil {
		return ErrRollbackUnsupported
	}
	return s.cfg.rollbacker.Rollback(ctx, s.txID, s.serial)
}

func (s *Secondary) onTimeout(ctx context.Context) {
	switch s.state {
	case StateCommitted, StateAborted:
		return // no timeout in terminal/near-terminal states
	default:
		s.cfg.logger.Log(LogLevelWarn, "state deadline exceeded, aborting",
			"serial", string(s.serial), "tx_id", s.txID.String(), "state", string(s.state))
		s.abort(ctx, KindTimeout, "state deadline exceeded")
	}
}

func (s *Secondary) protocolError(ctx context.Context, detail string) {
	s.abort(ctx, KindProtocol, detail)
}

// persist appends the new-state transition to the WAL and flushes it before
// returning true. On flush failure it emits Abort{storage} and transitions
// to Aborted itself, returning false so the caller does not proceed to ack.
func (s *Secondary) persist(ctx context.Context, next SecondaryState, chunk []byte) bool {
	rec := Record{
		Type:    RecSecondaryStep,
		TxID:    s.txID,
		Serial:  s.serial,
		Payload: encodeSecondaryStepPayload(next, s.payloadSize, chunk),
	}
	if _, err := s.wal.Append(rec); err != nil {
		s.state = StateAborted
		s.send(ctx, Message{Type: MsgAbort, TxID: s.txID, Reason: "storage"})
		s.events.Publish(Event{Kind: EventDecision, TxID: s.txID, Secondary: string(s.serial), Detail: "storage"})
		s.fireDecided()
		return false
	}
	s.state = next
	s.events.Publish(Event{Kind: EventStepEntered, TxID: s.txID, Secondary: string(s.serial), Step: stepForState(next)})
	if next == StateCommitted || next == StateAborted {
		s.fireDecided()
	}
	return true
}

func stepForState(s SecondaryState) Step {
	switch s {
	case StateStarted:
		return StepStart
	case StateVerified:
		return StepVerify
	case StatePrepared:
		return StepPrepare
	case StateCommitted:
		return StepCommit
	default:
		return StepAbort
	}
}

func (s *Secondary) ack(ctx context.Context, step Step) {
	s.send(ctx, Message{Type: MsgAck, TxID: s.txID, Step: step})
	s.events.Publish(Event{Kind: EventAckReceived, TxID: s.txID, Secondary: string(s.serial), Step: step})
}

func (s *Secondary) abortAck(ctx context.Context) {
	s.send(ctx, Message{Type: MsgAbort, TxID: s.txID, Reason: "already aborted"})
}

func (s *Secondary) abort(ctx context.Context, kind Kind, detail string) {
	if s.state == StateAborted {
		return
	}
	s.cfg.logger.Log(LogLevelWarn, "aborting transaction",
		"serial", string(s.serial), "tx_id", s.txID.String(), "kind", string(kind), "detail", detail)
	rec := Record{
		Type:    RecSecondaryStep,
		TxID:    s.txID,
		Serial:  s.serial,
		Payload: encodeSecondaryStepPayload(StateAborted, s.payloadSize, nil),
	}
	_, _ = s.wal.Append(rec) // best effort: we are aborting regardless
	s.state = StateAborted
	s.send(ctx, Message{Type: MsgAbort, TxID: s.txID, Reason: string(kind) + ": " + detail})
	s.events.Publish(Event{Kind: EventDecision, TxID: s.txID, Secondary: string(s.serial), Detail: detail})
	s.fireDecided()
}

func (s *Secondary) send(ctx context.Context, m Message) {
	_ = s.peer.Send(ctx, m) // best effort: the transport itself may be gone
}

// encodeSecondaryStepPayload packs the new state, the declared payload size
// known so far (§3's "payload bytes received so far" Transaction Record
// field — durable as of Prepared, when it first becomes known for certain),
// and an optional Verify-stage metadata chunk into a WAL record payload.
func encodeSecondaryStepPayload(state SecondaryState, payloadSize uint32, chunk []byte) []byte {
	out := make([]byte, 4+1+len(state)+len(chunk))
	binary.BigEndian.PutUint32(out[0:4], payloadSize)
	out[4] = byte(len(state))
	copy(out[5:], state)
	copy(out[5+len(state):], chunk)
	return out
}

func decodeSecondaryStepPayload(b []byte) (state SecondaryState, payloadSize uint32, chunk []byte) {
	if len(b) < 5 {
		return "", 0, nil
	}
	payloadSize = binary.BigEndian.Uint32(b[0:4])
	n := int(b[4])
	if 5+n > len(b) {
		return "", 0, nil
	}
	return SecondaryState(b[5 : 5+n]), payloadSize, b[5+n:]
}
