package atomic

import (
	"context"
	"time"
)

// PrimaryReplay is the reconstructed Transaction State (§3) for one
// transaction we were driving as Primary, as seen by scanning the WAL.
type PrimaryReplay struct {
	TxID          TxID
	LastStep      Step
	StepComplete  bool // true once every secondary acked LastStep
	Decided       bool
	Decision      Step // meaningful iff Decided
}

// SecondaryReplay is the reconstructed Transaction Record (§3) for one
// transaction we were driving as a Secondary. PayloadSize is the declared
// total image size last durably recorded for this (tx_id, serial) — known
// for certain as of StatePrepared, since that is the Secondary's Prepare
// precondition (every byte received) — and is what lets a recovered
// Secondary call onCommit without re-deriving the size from scratch.
type SecondaryReplay struct {
	TxID        TxID
	Serial      Serial
	State       SecondaryState
	PayloadSize uint32
}

// ReplayPrimary scans wal and reconstructs every transaction it holds
// Primary-side records for, decided or not (Decided tells which). It is pure
// replay: it does not itself re-contact any secondary.
func ReplayPrimary(wal *WAL) (map[TxID]*PrimaryReplay, error) {
	out := make(map[TxID]*PrimaryReplay)
	err := wal.ScanAll(func(r Record) {
		switch r.Type {
		case RecPrimaryStep:
			if r.Serial != "" {
				return // this record belongs to a Secondary replay
			}
			step, complete := decodePrimaryStepPayload(r.Payload)
			pr := out[r.TxID]
			if pr == nil {
				pr = &PrimaryReplay{TxID: r.TxID}
				out[r.TxID] = pr
			}
			pr.LastStep = step
			pr.StepComplete = complete
		case RecDecision:
			if r.Serial != "" {
				return
			}
			pr := out[r.TxID]
			if pr == nil {
				pr = &PrimaryReplay{TxID: r.TxID}
				out[r.TxID] = pr
			}
			if len(r.Payload) >= 1 {
				pr.Decided = true
				pr.Decision = Step(r.Payload[0])
			}
		}
	})
	return out, err
}

// ReplaySecondary scans wal for records this node wrote while acting as
// Secondary with identity mySerial.
func ReplaySecondary(wal *WAL, mySerial Serial) (map[TxID]*SecondaryReplay, error) {
	out := make(map[TxID]*SecondaryReplay)
	err := wal.ScanAll(func(r Record) {
		if r.Type != RecSecondaryStep || r.Serial != mySerial {
			return
		}
		state, payloadSize, _ := decodeSecondaryStepPayload(r.Payload)
		if state == "" {
			return
		}
		sr := out[r.TxID]
		if sr == nil {
			sr = &SecondaryReplay{TxID: r.TxID, Serial: mySerial}
			out[r.TxID] = sr
		}
		sr.State = state
		sr.PayloadSize = payloadSize
	})
	return out, err
}

var allSteps = []Step{StepStart, StepVerify, StepPrepare, StepCommit}

// nextStep returns the step immediately following s in the Start<Verify<
// Prepare<Commit ordering, using Step.Before to find it rather than indexing
// allSteps by hand.
func nextStep(s Step) (Step, bool) {
	for _, st := range allSteps {
		if s.Before(st) {
			return st, true
		}
	}
	return StepCommit, false
}

// Resume continues a transaction the Primary was driving before a restart
// (§4.4 recovery, §8 scenario 3). If the WAL already shows a decision, it
// re-broadcasts that decision best-effort and returns the (already
// irrevocable) verdict. Otherwise it resumes from the last completed step,
// re-broadcasting the current step's Request and waiting for acks. The
// transaction budget (d.TxTimeout) starts afresh when Resume is called: WAL
// records carry no timestamp, so time spent before the restart is not
// counted, and Resume aborts up front only if ctx is already done.
func (p *Primary) Resume(ctx context.Context, replay PrimaryReplay, d Descriptor, addrs map[Serial]string) (Verdict, error) {
	if d.TxID.IsZero() {
		return p.abortVerdict(d.TxID, KindProtocol, "descriptor has a zero tx_id"), nil
	}
	progress := make(map[Serial]*secondaryProgress, len(d.Secondaries))
	for _, s := range d.Secondaries {
		peer, ok := p.transport.Peer(s)
		if !ok {
			addr, hasAddr := addrs[s]
			if !hasAddr {
				continue // cannot reach this secondary; best-effort for the rest
			}
			dialed, err := p.transport.Dial(ctx, s, addr)
			if err != nil {
				continue
			}
			peer = dialed
		}
		inbox, unsub := peer.Subscribe(d.TxID)
		progress[s] = &secondaryProgress{peer: peer, inbox: inbox, unsub: unsub}
	}
	defer unsubscribeAll(progress)

	if replay.Decided {
		for serial, prog := range progress {
			_ = prog.peer.Send(ctx, Message{Type: MsgRequest, TxID: d.TxID, Step: replay.Decision})
			_ = serial
		}
		p.registry.MarkDecided(d.TxID)
		return Verdict{TxID: d.TxID, Committed: replay.Decision == StepCommit}, nil
	}

	txTimeout := d.TxTimeout
	if txTimeout == 0 {
		txTimeout = p.cfg.txTimeout
	}
	txCtx, cancel := context.WithTimeout(p.registry.Begin(ctx, d.TxID), txTimeout)
	defer cancel()

	select {
	case <-txCtx.Done():
		return p.abortPath(txCtx, d, progress, KindTimeout, "transaction budget expired before recovery resumed"), nil
	default:
	}

	resumeFrom := replay.LastStep
	if replay.StepComplete {
		if next, ok := nextStep(resumeFrom); ok {
			resumeFrom = next
		} else {
			// Already completed Commit but never wrote the Decision
			// record (crash between the two); finish that write now.
			if _, err := p.wal.Append(Record{Type: RecDecision, TxID: d.TxID, Payload: []byte{byte(StepCommit)}}); err != nil {
				return p.abortVerdict(d.TxID, KindStorage, err.Error()), nil
			}
			p.registry.MarkDecided(d.TxID)
			return Verdict{TxID: d.TxID, Committed: true}, nil
		}
	}

	// Every step not strictly before resumeFrom still needs (re-)driving.
	var remaining []Step
	for _, st := range allSteps {
		if !st.Before(resumeFrom) {
			remaining = append(remaining, st)
		}
	}

	stepTimeout := d.StepTimeout
	if stepTimeout == 0 {
		stepTimeout = p.cfg.stepTimeout
	}

	for _, step := range remaining {
		if _, err := p.wal.Append(Record{Type: RecPrimaryStep, TxID: d.TxID, Payload: encodePrimaryStepPayload(step, false)}); err != nil {
			return p.abortVerdict(d.TxID, KindStorage, err.Error()), nil
		}
		ok, abortKind, detail := p.driveStep(txCtx, d, step, progress, stepTimeout)
		if !ok {
			return p.abortPath(txCtx, d, progress, abortKind, detail), nil
		}
		if _, err := p.wal.Append(Record{Type: RecPrimaryStep, TxID: d.TxID, Payload: encodePrimaryStepPayload(step, true)}); err != nil {
			return p.abortVerdict(d.TxID, KindStorage, err.Error()), nil
		}
	}

	if _, err := p.wal.Append(Record{Type: RecDecision, TxID: d.TxID, Payload: []byte{byte(StepCommit)}}); err != nil {
		return p.abortVerdict(d.TxID, KindStorage, err.Error()), nil
	}
	p.registry.MarkDecided(d.TxID)
	return Verdict{TxID: d.TxID, Committed: true}, nil
}

// ResumeQuery implements the Secondary side of §4.4 recovery: send
// Query{tx_id} to the Primary and block for Report, transitioning to
// Committed or Aborted per the Primary's answer, or Aborted on timeout.
// replay is this (tx_id, serial)'s reconstructed Transaction Record (§3):
// its PayloadSize is what lets onCommit read back the already-staged image
// from disk without having re-received any chunk since the reboot.
func (s *Secondary) ResumeQuery(ctx context.Context, primaryPeer *Peer, replay SecondaryReplay) SecondaryState {
	last := replay.State
	s.payloadSize = replay.PayloadSize
	if last == StateCommitted || last == StateAborted {
		s.state = last
		return last
	}
	s.state = last

	inbox, unsub := primaryPeer.Subscribe(s.txID)
	defer unsub()

	if err := primaryPeer.Send(ctx, Message{Type: MsgQuery, TxID: s.txID}); err != nil {
		s.abort(ctx, KindTransport, "query send failed")
		return s.state
	}

	timer := time.NewTimer(s.cfg.stateTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-inbox:
		if !ok {
			s.abort(ctx, KindTransport, "primary stream closed during recovery")
			return s.state
		}
		switch msg.Type {
		case MsgReport:
			if msg.FinalStep == StepCommit {
				if s.state != StateCommitted {
					s.state = StatePrepared // precondition for onCommit's switch
					s.onCommit(ctx)
				}
			} else {
				s.abort(ctx, KindCancelled, "primary reported abort")
			}
		case MsgAbort:
			s.abort(ctx, KindCancelled, "primary aborted during recovery")
		}
	case <-timer.C:
		s.abort(ctx, KindTimeout, "recovery query timed out")
	case <-ctx.Done():
		s.abort(ctx, KindCancelled, "context cancelled during recovery")
	}
	return s.state
}

// HandleQuery answers a Secondary's recovery Query with the Primary's known
// Decision for txID, if any (§4.4, §4.5 Query/Report).
func (p *Primary) HandleQuery(ctx context.Context, peer *Peer, txID TxID) error {
	replay, err := ReplayPrimary(p.wal)
	if err != nil {
		return err
	}
	pr, ok := replay[txID]
	if !ok || !pr.Decided {
		return peer.Send(ctx, Message{Type: MsgReport, TxID: txID, FinalStep: StepAbort})
	}
	return peer.Send(ctx, Message{Type: MsgReport, TxID: txID, FinalStep: pr.Decision})
}
