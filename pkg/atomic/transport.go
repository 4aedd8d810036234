package atomic

import (
	"bufio"
	"context"
	"net"
	"sync"
)

// outboundQueueDepth bounds the per-peer outbound frame queue (§5
// backpressure: all inter-task queues are bounded).
const outboundQueueDepth = 64

// inboundQueueDepth bounds the per-peer inbound decoded-message queue that
// feeds the transaction dispatcher.
const inboundQueueDepth = 64

// Peer is a bidirectional reliable message-stream to one other ECU: a pair
// of typed channels, as §2 describes the Transport's contract to the core.
// TLS, if any, is applied beneath conn and is transparent here.
//
// A single connection carries traffic for every transaction concurrently in
// flight against that ECU (§8 scenario 5: concurrent transactions over the
// same transport to overlapping secondary sets), so inbound messages are
// demultiplexed by tx_id before delivery: each consumer subscribes for the
// one tx_id it owns rather than reading a single shared inbox.
type Peer struct {
	Serial Serial
	Errors <-chan error // terminal read-side errors (connection closed, protocol violation)

	conn          net.Conn
	maxFrameBytes uint32
	outCh         chan []byte
	closeOnce     sync.Once
	done          chan struct{}

	mu       sync.Mutex
	subs     map[TxID]chan Message
	unrouted chan Message // messages whose tx_id has no subscriber yet
}

// Subscribe registers the caller as the consumer for every inbound message
// carrying txID, returning the channel to read from and a function to
// unregister once the caller's state machine reaches a terminal state.
func (p *Peer) Subscribe(txID TxID) (<-chan Message, func()) {
	ch := make(chan Message, inboundQueueDepth)
	p.mu.Lock()
	p.subs[txID] = ch
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subs, txID)
		p.mu.Unlock()
	}
}

// Unrouted yields messages whose tx_id has no subscriber registered yet —
// the first Request of a transaction this ECU has not seen before, or a
// recovery Query on the Primary's accept side. The accept-loop dispatcher
// reads this to learn about new transactions and spin up state machines.
func (p *Peer) Unrouted() <-chan Message { return p.unrouted }

// Send encodes m and enqueues the frame for the writer goroutine. It
// suspends if the outbound queue is full; ctx cancellation aborts the wait
// (§5: a producer whose deadline expires while suspended transitions to
// abort).
func (p *Peer) Send(ctx context.Context, m Message) error {
	frame, err := Encode(m)
	if err != nil {
		return err
	}
	select {
	case p.outCh <- frame:
		return nil
	case <-ctx.Done():
		return Wrap(KindTimeout, ctx.Err(), "send queue full")
	case <-p.done:
		return Wrap(KindTransport, nil, "peer closed")
	}
}

// Close tears down the peer's connection and goroutines. Idempotent.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

func newPeer(serial Serial, conn net.Conn, maxFrameBytes uint32, logger Logger) *Peer {
	errs := make(chan error, 1)
	p := &Peer{
		Serial:        serial,
		Errors:        errs,
		conn:          conn,
		maxFrameBytes: maxFrameBytes,
		outCh:         make(chan []byte, outboundQueueDepth),
		done:          make(chan struct{}),
		subs:          make(map[TxID]chan Message),
		unrouted:      make(chan Message, inboundQueueDepth),
	}

	go p.writeLoop(logger)
	go p.readLoop(errs, logger)
	return p
}

func (p *Peer) writeLoop(logger Logger) {
	w := bufio.NewWriter(p.conn)
	for {
		select {
		case frame := <-p.outCh:
			if err := WriteFrame(w, frame); err != nil {
				logger.Log(LogLevelWarn, "transport write failed", "serial", string(p.Serial), "err", err)
				return
			}
			if err := w.Flush(); err != nil {
				logger.Log(LogLevelWarn, "transport flush failed", "serial", string(p.Serial), "err", err)
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *Peer) readLoop(errs chan<- error, logger Logger) {
	r := bufio.NewReader(p.conn)
	for {
		header, body, err := ReadFrame(r, p.maxFrameBytes)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		msg, err := Decode(header, body)
		if err != nil {
			logger.Log(LogLevelWarn, "decode failed, closing peer", "serial", string(p.Serial), "err", err)
			select {
			case errs <- err:
			default:
			}
			_ = p.Close()
			return
		}

		p.mu.Lock()
		ch, ok := p.subs[msg.TxID]
		p.mu.Unlock()
		if !ok {
			ch = p.unrouted
		}
		select {
		case ch <- msg:
		case <-p.done:
			return
		}
	}
}

// Transport multiplexes connections across all configured peers. It is the
// process-wide singleton the Primary Coordinator and Secondary accept loop
// are both built on top of, per §9's "global state" design note: passed in
// as an explicit capability, not reached via an ambient global.
type Transport struct {
	logger        Logger
	maxFrameBytes uint32

	mu    sync.Mutex
	peers map[Serial]*Peer

	listener net.Listener
}

// NewTransport constructs a Transport with no open peers yet.
func NewTransport(logger Logger, maxFrameBytes uint32) *Transport {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Transport{
		logger:        logger,
		maxFrameBytes: maxFrameBytes,
		peers:         make(map[Serial]*Peer),
	}
}

// Dial opens an outbound TCP connection to addr and registers it under
// serial.
func (t *Transport) Dial(ctx context.Context, serial Serial, addr string) (*Peer, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Wrap(KindTransport, err, "dialing "+addr)
	}
	p := newPeer(serial, conn, t.maxFrameBytes, t.logger)
	t.mu.Lock()
	t.peers[serial] = p
	t.mu.Unlock()
	return p, nil
}

// Listen starts accepting inbound connections on addr. accept is called
// once per accepted connection with a Peer whose Serial is empty: frames
// carry no serial, and nothing fills it in later. Listen returns nil once ctx
// is done, and the accept error if accepting fails before that.
func (t *Transport) Listen(ctx context.Context, addr string, accept func(*Peer)) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return Wrap(KindTransport, err, "listening on "+addr)
	}
	t.listener = ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			t.logger.Log(LogLevelError, "accept failed", "err", err)
			return Wrap(KindTransport, err, "accepting on "+addr)
		}
		p := newPeer("", conn, t.maxFrameBytes, t.logger)
		go accept(p)
	}
}

// Peer returns the registered peer for serial, if any.
func (t *Transport) Peer(serial Serial) (*Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[serial]
	return p, ok
}

// Close tears down the listener and every registered peer.
func (t *Transport) Close() error {
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.peers {
		_ = p.Close()
	}
	return nil
}
