package syncplugin

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory duplex pipe implementing Conn. Two fakeConns
// created by newConnPair are cross-wired: writes on one arrive as reads on
// the other.
type fakeConn struct {
	out    chan []byte
	in     chan []byte
	closed chan struct{}
}

func newConnPair() (a, b *fakeConn) {
	ab := make(chan []byte, 16)
	ba := make(chan []byte, 16)
	a = &fakeConn{out: ab, in: ba, closed: make(chan struct{})}
	b = &fakeConn{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (c *fakeConn) WriteMessage(b []byte) error {
	select {
	case c.out <- append([]byte(nil), b...):
		return nil
	case <-c.closed:
		return context.Canceled
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, context.Canceled
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}

// fakeTransport always returns the same pre-dialed Conn.
type fakeTransport struct{ conn Conn }

func (t *fakeTransport) Dial(ctx context.Context) (Conn, error) { return t.conn, nil }

// fakeApplier adapts a bare *crdtkernel.Document to the Applier interface.
type fakeApplier struct{ doc *crdtkernel.Document }

func (a *fakeApplier) ApplyRemote(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) (int, bool) {
	return a.doc.ApplyUpdate(update)
}
func (a *fakeApplier) Document() *crdtkernel.Document { return a.doc }

func testObj() collabtypes.ObjectId {
	return collabtypes.ObjectId{WorkspaceID: "ws-1", ID: "obj-1"}
}

func TestStateDefaultsToDisconnected(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	assert.Equal(t, StateDisconnected, p.State())
}

func TestReceiveUpdateSkipsServerOriginatedUpdates(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 1, Clock: 1, Key: "k", Value: []byte("v")}}}

	p.ReceiveUpdate(context.Background(), u, collabtypes.Server)
	assert.Empty(t, p.outbound, "server-originated updates must not be re-queued for send")
}

func TestReceiveUpdateEnqueuesLocalUpdates(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 1, Clock: 1, Key: "k", Value: []byte("v")}}}

	p.ReceiveUpdate(context.Background(), u, collabtypes.NewClientOrigin("u", "d"))
	require.Len(t, p.outbound, 1)

	msg := <-p.outbound
	cu, ok := msg.(wire.ClientUpdateSync)
	require.True(t, ok)
	assert.Equal(t, "obj-1", cu.ObjectID)
}

func TestReceiveUpdateSkipsEmptyUpdate(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.ReceiveUpdate(context.Background(), crdtkernel.Update{}, collabtypes.NewClientOrigin("u", "d"))
	assert.Empty(t, p.outbound)
}

func TestHandshakeSendsStateVectorAndAppliesServerDelta(t *testing.T) {
	clientConn, serverConn := newConnPair()
	doc := crdtkernel.New()
	applier := &fakeApplier{doc: doc}
	p := New(testObj(), &fakeTransport{conn: clientConn}, applier, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())

	serverDone := make(chan error, 1)
	go func() {
		raw, err := serverConn.ReadMessage()
		if err != nil {
			serverDone <- err
			return
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			serverDone <- err
			return
		}
		init, ok := msg.(wire.ClientInitSync)
		if !ok {
			serverDone <- assertFail("expected ClientInitSync")
			return
		}
		if init.ObjectID != "obj-1" || init.WorkspaceID != "ws-1" || init.CollabType != "document" {
			serverDone <- assertFail("unexpected handshake fields")
			return
		}

		delta := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 9, Clock: 1, Key: "k", Value: []byte("from-server")}}}
		resp := wire.ServerInitSync{ObjectID: "obj-1", Origin: collabtypes.Server, Update: delta.Marshal(), StateVector: crdtkernel.EncodeStateVector(crdtkernel.StateVector{9: 1})}
		serverDone <- serverConn.WriteMessage(wire.Encode(resp))
	}()

	err := p.handshake(context.Background(), clientConn)
	require.NoError(t, err)
	require.NoError(t, <-serverDone)

	v, ok := doc.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("from-server"), v)
}

func TestHandshakeRejectsWrongResponseType(t *testing.T) {
	clientConn, serverConn := newConnPair()
	p := New(testObj(), &fakeTransport{conn: clientConn}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())

	go func() {
		_, _ = serverConn.ReadMessage()
		_ = serverConn.WriteMessage(wire.Encode(wire.Ack{MsgID: 1, Code: 0}))
	}()

	err := p.handshake(context.Background(), clientConn)
	assert.ErrorIs(t, err, collabtypes.ErrHandshakeRejected)
}

func TestHandleInboundDetectsBroadcastGap(t *testing.T) {
	doc := crdtkernel.New()
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: doc}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	remote := collabtypes.NewClientOrigin("other-user", "other-device")

	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 1, Clock: 1, Key: "k", Value: []byte("v")}}}
	p.handleInbound(context.Background(), wire.BroadcastSync{ObjectID: "obj-1", SeqNum: 1, Origin: remote, Update: u.Marshal()})
	assert.Equal(t, uint64(1), p.lastSeq.Load())

	// Jumping from seq 1 to seq 5 should be detected as a gap but still apply.
	u2 := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 1, Clock: 2, Key: "k2", Value: []byte("v2")}}}
	p.handleInbound(context.Background(), wire.BroadcastSync{ObjectID: "obj-1", SeqNum: 5, Origin: remote, Update: u2.Marshal()})
	assert.Equal(t, uint64(5), p.lastSeq.Load())

	v, ok := doc.Get("k2")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), v)
}

func TestHandleInboundIgnoresStaleBroadcast(t *testing.T) {
	doc := crdtkernel.New()
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: doc}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.lastSeq.Store(10)

	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 1, Clock: 1, Key: "k", Value: []byte("stale")}}}
	p.handleInbound(context.Background(), wire.BroadcastSync{ObjectID: "obj-1", SeqNum: 3, Origin: collabtypes.NewClientOrigin("other", "device"), Update: u.Marshal()})
	assert.Equal(t, uint64(10), p.lastSeq.Load(), "a seq behind the high-water mark must not regress lastSeq")
}

func TestHandleInboundDiscardsOwnOriginBroadcast(t *testing.T) {
	doc := crdtkernel.New()
	self := collabtypes.NewClientOrigin("u", "d")
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: doc}, self, collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())

	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 1, Clock: 1, Key: "k", Value: []byte("echo")}}}
	p.handleInbound(context.Background(), wire.BroadcastSync{ObjectID: "obj-1", SeqNum: 1, Origin: self, Update: u.Marshal()})

	assert.Equal(t, uint64(1), p.lastSeq.Load(), "sequence still advances even when the update itself is discarded")
	_, ok := doc.Get("k")
	assert.False(t, ok, "a broadcast echoing this device's own origin must not be re-applied")
}

func TestHandleInboundMergesAwareness(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.handleInbound(context.Background(), wire.AwarenessSync{ObjectID: "obj-1", ClientID: 7, Origin: collabtypes.NewClientOrigin("other", "device"), Payload: []byte("presence")})

	all := p.Awareness().All()
	require.Len(t, all, 1)
	assert.Equal(t, uint64(7), all[0].ClientID)
}

func TestHandleInboundKickOffClosesPlugin(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.handleInbound(context.Background(), wire.KickOff{ObjectID: "obj-1", Reason: "object deleted"})

	assert.True(t, p.terminal.Load())
	select {
	case <-p.kickedCh:
	default:
		t.Fatal("kickedCh was not closed")
	}

	select {
	case err := <-p.Errors():
		assert.ErrorIs(t, err, collabtypes.ErrKickedOff)
	default:
		t.Fatal("expected an error on the Errors channel")
	}
}

func TestHandleInboundDuplicateConnectionClosesPlugin(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.handleInbound(context.Background(), wire.DuplicateConnection{ObjectID: "obj-1"})

	assert.True(t, p.terminal.Load())
	select {
	case err := <-p.Errors():
		assert.ErrorIs(t, err, collabtypes.ErrDuplicateConnection)
	default:
		t.Fatal("expected an error on the Errors channel")
	}
}

func TestHandleInboundRateLimitSetsThrottle(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	before := time.Now()
	p.handleInbound(context.Background(), wire.RateLimit{ObjectID: "obj-1", RetryAfterMs: 50})

	until := time.Unix(0, p.throttleUntil.Load())
	assert.True(t, until.After(before), "throttleUntil must be set in the future")
}

func TestHandleAckPositiveClearsPending(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.registerPending(wire.ClientUpdateSync{ObjectID: "obj-1", MsgID: 1, Update: []byte("x")})

	p.handleAck(wire.Ack{MsgID: 1, Code: 0, SeqNum: 3})

	p.pendingMu.Lock()
	_, stillPending := p.pendingAcks[1]
	p.pendingMu.Unlock()
	assert.False(t, stillPending)
	assert.Equal(t, uint64(3), p.lastSeq.Load())
}

func TestHandleAckNegativeRequeuesHeadOfLine(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	msg := wire.ClientUpdateSync{ObjectID: "obj-1", MsgID: 1, Update: []byte("x")}
	p.registerPending(msg)

	p.handleAck(wire.Ack{MsgID: 1, Code: 7})

	require.Len(t, p.retryQueue, 1)
	requeued := <-p.retryQueue
	assert.Equal(t, msg, requeued)
}

func TestHandleAckExhaustionNotifiesHost(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.registerPending(wire.ClientUpdateSync{ObjectID: "obj-1", MsgID: 1, Update: []byte("x")})

	for i := 0; i < maxAckRetries; i++ {
		p.handleAck(wire.Ack{MsgID: 1, Code: 7})
		<-p.retryQueue // drain what handleAck just requeued, as serve() would
	}
	p.handleAck(wire.Ack{MsgID: 1, Code: 7}) // exceeds maxAckRetries, no further requeue

	select {
	case err := <-p.Errors():
		var ackErr *collabtypes.AckError
		assert.ErrorAs(t, err, &ackErr)
	default:
		t.Fatal("expected an AckError on the Errors channel after exhausting retries")
	}
	p.pendingMu.Lock()
	_, stillPending := p.pendingAcks[1]
	p.pendingMu.Unlock()
	assert.False(t, stillPending)
}

func TestResetClearsAwareness(t *testing.T) {
	p := New(testObj(), &fakeTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{}, zerolog.Nop())
	p.SendAwareness(1, []byte("here"))
	require.Len(t, p.Awareness().All(), 1)

	require.NoError(t, p.Reset(context.Background()))
	assert.Empty(t, p.Awareness().All())
}

// erroringTransport never dials successfully, so the run loop spends all its
// time in the backoff sleep, which is what this test wants to interrupt.
type erroringTransport struct{}

func (erroringTransport) Dial(ctx context.Context) (Conn, error) {
	return nil, assertFail("dial refused")
}

func TestCloseStopsRunLoop(t *testing.T) {
	p := New(testObj(), erroringTransport{}, &fakeApplier{doc: crdtkernel.New()}, collabtypes.NewClientOrigin("u", "d"), collabtypes.CollabTypeDocument, Options{BackoffInitial: time.Millisecond, BackoffMax: time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the run loop in time")
	}
}

func assertFail(msg string) error { return &simpleErr{msg} }

type simpleErr struct{ msg string }

func (e *simpleErr) Error() string { return e.msg }
