package atomic

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// connectedPeers wires two in-memory net.Pipe ends into a Peer pair, one
// playing the Primary's side of the connection and one the Secondary's.
func connectedPeers(t *testing.T, maxFrameBytes uint32) (primarySide, secondarySide *Peer) {
	t.Helper()
	a, b := net.Pipe()
	primarySide = newPeer("secondary-1", a, maxFrameBytes, nopLogger{})
	secondarySide = newPeer("primary", b, maxFrameBytes, nopLogger{})
	t.Cleanup(func() {
		_ = primarySide.Close()
		_ = secondarySide.Close()
	})
	return primarySide, secondarySide
}

func awaitMessage(t *testing.T, ch <-chan Message, timeout time.Duration) Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed while waiting for a message")
		return msg
	case <-time.After(timeout):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestSecondaryHappyPathCommits(t *testing.T) {
	driverPeer, secPeer := connectedPeers(t, DefaultMaxFrameBytes)

	txID := NewTxID()
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()
	store, err := NewPayloadStore(t.TempDir())
	require.NoError(t, err)
	events := NewEventBus()

	applied := make(chan []byte, 1)
	c := defaultCfg()
	c.applier = ApplierFunc(func(ctx context.Context, txID TxID, serial Serial, payload []byte) error {
		applied <- payload
		return nil
	})

	sec := NewSecondary(c, txID, "secondary-1", "primary", nil, wal, store, secPeer, events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan SecondaryState, 1)
	go func() { done <- sec.Run(ctx, nil) }()

	inbox, unsub := driverPeer.Subscribe(txID)
	defer unsub()

	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepStart}))
	ack := awaitMessage(t, inbox, time.Second)
	require.Equal(t, MsgAck, ack.Type)
	require.Equal(t, StepStart, ack.Step)

	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepVerify, Chunk: []byte("metadata")}))
	ack = awaitMessage(t, inbox, time.Second)
	require.Equal(t, StepVerify, ack.Step)

	payload := []byte("new firmware image")
	require.NoError(t, driverPeer.Send(ctx, Message{
		Type: MsgRequest, TxID: txID, Step: StepPrepare,
		ChunkOffset: 0, ChunkLen: uint32(len(payload)), Chunk: payload,
	}))
	ack = awaitMessage(t, inbox, time.Second)
	require.Equal(t, StepPrepare, ack.Step)

	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepCommit}))
	ack = awaitMessage(t, inbox, time.Second)
	require.Equal(t, StepCommit, ack.Step)

	select {
	case got := <-applied:
		require.Equal(t, payload, got)
	case <-time.After(time.Second):
		t.Fatal("applier was never invoked")
	}

	// Committed is not terminal for Run (§4.2 split-brain keeps it
	// listening for a late Abort); cancel to end the grace period.
	cancel()
	require.Equal(t, StateCommitted, <-done)
}

func TestSecondaryAbortBeforeCommitIsClean(t *testing.T) {
	driverPeer, secPeer := connectedPeers(t, DefaultMaxFrameBytes)

	txID := NewTxID()
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()
	store, err := NewPayloadStore(t.TempDir())
	require.NoError(t, err)
	events := NewEventBus()

	sec := NewSecondary(defaultCfg(), txID, "secondary-1", "primary", nil, wal, store, secPeer, events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan SecondaryState, 1)
	go func() { done <- sec.Run(ctx, nil) }()

	inbox, unsub := driverPeer.Subscribe(txID)
	defer unsub()

	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepStart}))
	awaitMessage(t, inbox, time.Second)

	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgAbort, TxID: txID, Reason: "peer verify failed"}))
	ack := awaitMessage(t, inbox, time.Second)
	require.Equal(t, MsgAbort, ack.Type)
	require.Equal(t, StateAborted, <-done)
}

// TestSecondarySplitBrainIrreversibleCommitStaysCommitted exercises §4.2's
// split-brain rule: an Abort arriving after the Secondary already committed,
// backed by a Rollbacker that cannot reverse the commit, must leave the
// Secondary Committed and ack success rather than report failure.
func TestSecondarySplitBrainIrreversibleCommitStaysCommitted(t *testing.T) {
	driverPeer, secPeer := connectedPeers(t, DefaultMaxFrameBytes)

	txID := NewTxID()
	wal, err := OpenWAL(t.TempDir())
	require.NoError(t, err)
	defer wal.Close()
	store, err := NewPayloadStore(t.TempDir())
	require.NoError(t, err)
	events := NewEventBus()

	eventsCh, unsubEvents := events.Subscribe()
	defer unsubEvents()

	c := defaultCfg()
	c.rollbacker = NoopRollbacker{}
	sec := NewSecondary(c, txID, "secondary-1", "primary", nil, wal, store, secPeer, events)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan SecondaryState, 1)
	go func() { done <- sec.Run(ctx, nil) }()

	inbox, unsub := driverPeer.Subscribe(txID)
	defer unsub()

	payload := []byte("img")
	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepStart}))
	awaitMessage(t, inbox, time.Second)
	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepVerify}))
	awaitMessage(t, inbox, time.Second)
	require.NoError(t, driverPeer.Send(ctx, Message{
		Type: MsgRequest, TxID: txID, Step: StepPrepare, ChunkOffset: 0, ChunkLen: uint32(len(payload)), Chunk: payload,
	}))
	awaitMessage(t, inbox, time.Second)
	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgRequest, TxID: txID, Step: StepCommit}))
	commitAck := awaitMessage(t, inbox, time.Second)
	require.Equal(t, StepCommit, commitAck.Step)

	// A late Abort arrives after commit.
	require.NoError(t, driverPeer.Send(ctx, Message{Type: MsgAbort, TxID: txID, Reason: "primary decided abort"}))
	lateAck := awaitMessage(t, inbox, time.Second)
	require.Equal(t, MsgAck, lateAck.Type, "an irreversible post-commit abort must ack success, not report abort")
	require.Equal(t, StepCommit, lateAck.Step)

	// Every step entered and every ack also publishes an event, so the
	// rollback_unsupported event comes ninth; read until it shows up or the
	// subscriber's buffer could hold no more.
	var sawUnsupported bool
	for i := 0; i < eventSubscriberDepth && !sawUnsupported; i++ {
		select {
		case ev := <-eventsCh:
			if ev.Kind == EventRollbackUnsupported {
				sawUnsupported = true
			}
		case <-time.After(100 * time.Millisecond):
		}
	}
	require.True(t, sawUnsupported, "expected a rollback_unsupported event for operational visibility")

	cancel()
	<-done
}
