package atomic

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxChunkBytes bounds one Prepare-step payload chunk, independent of (and
// no larger than) the codec's max_frame_bytes cap.
const maxChunkBytes = 64 << 10

// Primary drives transactions across a configured set of Secondaries
// (§4.1). It is built once per node and Run is called once per transaction;
// multiple transactions may run concurrently through the same Primary
// sharing one Transport and one WAL, per §5.
type Primary struct {
	cfg       cfg
	transport *Transport
	wal       *WAL
	registry  *Registry
	events    *EventBus
}

// NewPrimary constructs a Primary Coordinator.
func NewPrimary(transport *Transport, wal *WAL, registry *Registry, events *EventBus, opts ...Opt) *Primary {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	return &Primary{cfg: c, transport: transport, wal: wal, registry: registry, events: events}
}

// secondaryProgress tracks one secondary's standing within the transaction:
// the highest step it has acked and how much of its payload has been
// delivered, mirroring the durable Transaction State of §3.
type secondaryProgress struct {
	peer       *Peer
	inbox      <-chan Message
	unsub      func()
	ackedStep  Step
	ackedAny   bool
	sentCursor uint32
}

// Run executes the full §4.1 algorithm for descriptor, dialing (at its
// address in addrs) any secondary the Transport has no peer for yet, and
// returns the terminal Verdict. A zero d.TxID is replaced by a fresh id from
// the configured generator (see WithTxIDGenerator); the Verdict carries the
// id used. It never retries internally (§4.1 "Retries: None within a
// transaction"); a caller that wants another attempt restarts with a new
// tx_id.
func (p *Primary) Run(ctx context.Context, d Descriptor, addrs map[Serial]string) (Verdict, error) {
	if d.TxID.IsZero() {
		d.TxID = p.cfg.newTxID()
	}
	stepTimeout := d.StepTimeout
	if stepTimeout == 0 {
		stepTimeout = p.cfg.stepTimeout
	}
	txTimeout := d.TxTimeout
	if txTimeout == 0 {
		txTimeout = p.cfg.txTimeout
	}

	txCtx, cancel := context.WithTimeout(p.registry.Begin(ctx, d.TxID), txTimeout)
	defer cancel()

	progress := make(map[Serial]*secondaryProgress, len(d.Secondaries))
	for _, s := range d.Secondaries {
		peer, ok := p.transport.Peer(s)
		if !ok {
			addr, hasAddr := addrs[s]
			if !hasAddr {
				return p.abortVerdict(d.TxID, KindTransport, fmt.Sprintf("no address for secondary %s", s)), nil
			}
			dialed, err := p.transport.Dial(txCtx, s, addr)
			if err != nil {
				return p.abortVerdict(d.TxID, KindTransport, err.Error()), nil
			}
			peer = dialed
		}
		inbox, unsub := peer.Subscribe(d.TxID)
		progress[s] = &secondaryProgress{peer: peer, inbox: inbox, unsub: unsub}
	}
	defer unsubscribeAll(progress)

	steps := []Step{StepStart, StepVerify, StepPrepare, StepCommit}
	for _, step := range steps {
		if _, err := p.wal.Append(Record{Type: RecPrimaryStep, TxID: d.TxID, Payload: encodePrimaryStepPayload(step, false)}); err != nil {
			return p.abortVerdict(d.TxID, KindStorage, err.Error()), nil
		}
		p.events.Publish(Event{Kind: EventStepEntered, TxID: d.TxID, Step: step})

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
	p.cfg.logger.Log(LogLevelInfo, "transaction committed", "tx_id", d.TxID.String(), "secondaries", len(progress))
	p.events.Publish(Event{Kind: EventDecision, TxID: d.TxID, Step: StepCommit})

	return Verdict{TxID: d.TxID, Committed: true}, nil
}

// driveStep sends step to every secondary in the set (for Prepare, each
// request carries one chunk of that secondary's payload, per §4.1) and
// waits for the transactional number of acks: every secondary, no fewer.
func (p *Primary) driveStep(ctx context.Context, d Descriptor, step Step, progress map[Serial]*secondaryProgress, timeout time.Duration) (ok bool, abortKind Kind, detail string) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(stepCtx)
	for serial, prog := range progress {
		serial, prog := serial, prog
		g.Go(func() error {
			return p.sendStep(gctx, d, serial, prog, step)
		})
	}
	if err := g.Wait(); err != nil {
		return false, classifyTransportErr(err), err.Error()
	}

	acked := make(map[Serial]bool, len(progress))
	for len(acked) < len(progress) {
		select {
		case <-stepCtx.Done():
			return false, KindTimeout, "step deadline exceeded waiting for acks"
		default:
		}

		// Fan-in: race all remaining peers' inboxes. A bounded set (<=32
		// secondaries per §8) makes a per-iteration select-over-map
		// acceptable; each iteration consumes exactly one message.
		msg, serial, err := p.recvAny(stepCtx, progress, acked)
		if err != nil {
			return false, classifyTransportErr(err), err.Error()
		}

		switch msg.Type {
		case MsgAck:
			if msg.Step != step {
				continue // stale ack for an earlier step; ignore
			}
			progress[serial].ackedStep = msg.Step
			progress[serial].ackedAny = true
			acked[serial] = true
			p.events.Publish(Event{Kind: EventAckReceived, TxID: d.TxID, Secondary: string(serial), Step: step})
		case MsgAbort:
			return false, KindProtocol, fmt.Sprintf("secondary %s sent abort: %s", serial, msg.Reason)
		default:
			// Query/Report are recovery-path traffic on the same stream;
			// ignore here, the recovery path owns them.
		}
	}
	return true, "", ""
}

// recvAny waits for the next message from any not-yet-acked secondary in
// progress. It is a small fan-in shim; a production implementation would
// multiplex through a single shared channel per transaction rather than
// selecting across peer inboxes, but the contract (one suspension point
// waiting on "next inbound message", per §5) is the same.
func (p *Primary) recvAny(ctx context.Context, progress map[Serial]*secondaryProgress, acked map[Serial]bool) (Message, Serial, error) {
	type result struct {
		msg    Message
		serial Serial
		err    error
	}
	resCh := make(chan result, 1)
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := 0
	for s, prog := range progress {
		if acked[s] {
			continue
		}
		started++
		go func(s Serial, prog *secondaryProgress) {
			select {
			case msg, ok := <-prog.inbox:
				if !ok {
					select {
					case resCh <- result{serial: s, err: Wrap(KindTransport, nil, "peer stream closed")}:
					case <-innerCtx.Done():
					}
					return
				}
				select {
				case resCh <- result{msg: msg, serial: s}:
				case <-innerCtx.Done():
				}
			case err := <-prog.peer.Errors:
				select {
				case resCh <- result{serial: s, err: err}:
				case <-innerCtx.Done():
				}
			case <-innerCtx.Done():
			}
		}(s, prog)
	}

	select {
	case res := <-resCh:
		return res.msg, res.serial, res.err
	case <-ctx.Done():
		return Message{}, "", ctx.Err()
	}
}

func (p *Primary) sendStep(ctx context.Context, d Descriptor, serial Serial, prog *secondaryProgress, step Step) error {
	if step != StepPrepare {
		return prog.peer.Send(ctx, Message{Type: MsgRequest, TxID: d.TxID, Step: step})
	}

	payload := d.Payloads[serial]
	if len(payload) == 0 {
		return prog.peer.Send(ctx, Message{Type: MsgRequest, TxID: d.TxID, Step: StepPrepare, ChunkLen: 0})
	}

	for prog.sentCursor < uint32(len(payload)) {
		end := prog.sentCursor + maxChunkBytes
		if end > uint32(len(payload)) {
			end = uint32(len(payload))
		}
		chunk := payload[prog.sentCursor:end]
		msg := Message{
			Type:        MsgRequest,
			TxID:        d.TxID,
			Step:        StepPrepare,
			ChunkCodec:  p.cfg.chunkCodec,
			ChunkOffset: prog.sentCursor,
			ChunkLen:    uint32(len(chunk)),
			Chunk:       chunk,
		}
		if err := prog.peer.Send(ctx, msg); err != nil {
			return err
		}
		prog.sentCursor = end
	}
	return nil
}

// abortPath implements §4.1 step 4: durably record the decision, broadcast
// Abort best-effort to every secondary (no ack required), and return
// Aborted.
func (p *Primary) abortPath(ctx context.Context, d Descriptor, progress map[Serial]*secondaryProgress, kind Kind, detail string) Verdict {
	p.cfg.logger.Log(LogLevelWarn, "aborting transaction",
		"tx_id", d.TxID.String(), "kind", string(kind), "detail", detail, "secondaries", len(progress))
	_, _ = p.wal.Append(Record{Type: RecDecision, TxID: d.TxID, Payload: []byte{byte(StepAbort)}})
	p.registry.MarkDecided(d.TxID)
	p.events.Publish(Event{Kind: EventDecision, TxID: d.TxID, Step: StepAbort, Detail: detail})

	for serial, prog := range progress {
		_ = prog.peer.Send(ctx, Message{Type: MsgAbort, TxID: d.TxID, Reason: string(kind) + ": " + detail})
		p.events.Publish(Event{Kind: EventDecision, TxID: d.TxID, Secondary: string(serial), Step: StepAbort, Detail: detail})
	}
	return Verdict{TxID: d.TxID, Committed: false, Reason: kind, Detail: detail}
}

func (p *Primary) abortVerdict(txID TxID, kind Kind, detail string) Verdict {
	return Verdict{TxID: txID, Committed: false, Reason: kind, Detail: detail}
}

// unsubscribeAll releases every per-transaction subscription registered
// against a shared Peer, so a long-lived connection does not accumulate one
// dead channel per finished transaction.
func unsubscribeAll(progress map[Serial]*secondaryProgress) {
	for _, prog := range progress {
		if prog.unsub != nil {
			prog.unsub()
		}
	}
}

func encodePrimaryStepPayload(step Step, complete bool) []byte {
	if complete {
		return []byte{byte(step), 1}
	}
	return []byte{byte(step), 0}
}

func decodePrimaryStepPayload(b []byte) (step Step, complete bool) {
	if len(b) < 2 {
		return StepStart, false
	}
	return Step(b[0]), b[1] != 0
}
