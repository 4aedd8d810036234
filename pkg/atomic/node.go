package atomic

import "context"

// SecondaryHost is the accept-loop wiring for one ECU acting as a
// Secondary: it owns the listening side of the Transport and spins up a
// fresh Secondary State Machine the first time it sees a tx_id, per §2's
// "Secondaries receive messages on an accept loop, dispatch by transaction
// id to the matching Secondary State Machine."
//
// A single inbound connection from the Primary carries every concurrent
// transaction against this ECU (§8 scenario 5), so the host reads each
// peer's Unrouted queue once per connection and demultiplexes new
// transactions out of it; once a Secondary is running it owns its own
// Peer.Subscribe channel and the host takes no further part.
type SecondaryHost struct {
	cfg       cfg
	serial    Serial
	primary   Serial
	transport *Transport
	wal       *WAL
	store     *PayloadStore
	registry  *Registry
	events    *EventBus
}

// NewSecondaryHost constructs the accept-loop wiring for serial, which
// expects to be contacted by primary. The fellow Secondaries are passed to
// Serve.
func NewSecondaryHost(serial, primary Serial, transport *Transport, wal *WAL, store *PayloadStore, registry *Registry, events *EventBus, opts ...Opt) *SecondaryHost {
	c := defaultCfg()
	for _, o := range opts {
		o.apply(&c)
	}
	return &SecondaryHost{
		cfg: c, serial: serial, primary: primary,
		transport: transport, wal: wal, store: store, registry: registry, events: events,
	}
}

// Serve listens on addr and runs the accept loop until ctx is cancelled.
// fellows is this transaction set's other Secondaries, threaded through so
// a freshly-constructed Secondary knows who it shares the transaction with
// even though it only ever talks to the Primary directly.
func (h *SecondaryHost) Serve(ctx context.Context, addr string, fellows []Serial) error {
	return h.transport.Listen(ctx, addr, func(peer *Peer) {
		h.acceptLoop(ctx, peer, fellows)
	})
}

func (h *SecondaryHost) acceptLoop(ctx context.Context, peer *Peer, fellows []Serial) {
	for {
		select {
		case msg, ok := <-peer.Unrouted():
			if !ok {
				return
			}
			h.dispatchNew(ctx, peer, msg, fellows)
		case <-ctx.Done():
			return
		}
	}
}

// dispatchNew handles one message this ECU has never seen the tx_id for.
// Only a Start request may legitimately open a new transaction; anything
// else is either stale post-recovery traffic or a protocol violation and is
// dropped rather than answered, since there is no state machine yet to
// answer on its behalf.
func (h *SecondaryHost) dispatchNew(ctx context.Context, peer *Peer, msg Message, fellows []Serial) {
	if msg.Type != MsgRequest || msg.Step != StepStart {
		h.cfg.logger.Log(LogLevelWarn, "dropping unrouted message for unknown transaction",
			"serial", string(h.serial), "tx_id", msg.TxID.String(), "type", msg.Type.String())
		return
	}

	sec := NewSecondary(h.cfg, msg.TxID, h.serial, h.primary, fellows, h.wal, h.store, peer, h.events)
	txCtx := h.registry.Begin(ctx, msg.TxID)
	// MarkDecided fires as soon as the state machine reaches Committed or
	// Aborted, not when Run returns: Run keeps listening past Committed for
	// a possible late Abort (§4.2), so waiting for it to return would never
	// start the grace-period clock that eventually lets it stop listening.
	sec.OnDecided(func(TxID) {
		h.registry.MarkDecided(msg.TxID)
		_ = h.store.Discard(msg.TxID)
	})
	go sec.Run(txCtx, &msg)
}

// ServeQueries listens on addr for the recovery Query/Report round-trip
// (§4.4): a rebooted Secondary dials in, asks after one tx_id, and the
// Primary answers from its own WAL without needing any live Transaction
// State for it.
func (p *Primary) ServeQueries(ctx context.Context, transport *Transport, addr string) error {
	return transport.Listen(ctx, addr, func(peer *Peer) {
		p.queryLoop(ctx, peer)
	})
}

func (p *Primary) queryLoop(ctx context.Context, peer *Peer) {
	for {
		select {
		case msg, ok := <-peer.Unrouted():
			if !ok {
				return
			}
			if msg.Type == MsgQuery {
				_ = p.HandleQuery(ctx, peer, msg.TxID)
			}
		case <-ctx.Done():
			return
		}
	}
}
