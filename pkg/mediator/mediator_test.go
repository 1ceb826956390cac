package mediator

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/plugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPlugin struct {
	name     string
	received []crdtkernel.Update
}

func (r *recordingPlugin) Name() string                    { return r.name }
func (r *recordingPlugin) Init(ctx context.Context) error   { return nil }
func (r *recordingPlugin) DidInit(ctx context.Context)       {}
func (r *recordingPlugin) ReceiveUpdate(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) {
	r.received = append(r.received, update)
}
func (r *recordingPlugin) Flush(ctx context.Context) error { return nil }
func (r *recordingPlugin) Reset(ctx context.Context) error { return nil }

func newMediator(t *testing.T) (*Mediator, *recordingPlugin) {
	t.Helper()
	doc := crdtkernel.New()
	pipeline := plugin.New(zerolog.Nop())
	rec := &recordingPlugin{name: "rec"}
	pipeline.Register(rec)
	return New("obj-1", doc, pipeline, 1, zerolog.Nop()), rec
}

func TestMutateCommitsAndNotifiesPlugins(t *testing.T) {
	med, rec := newMediator(t)

	err := med.Mutate(context.Background(), collabtypes.NewClientOrigin("u1", "d1"), func(txn *crdtkernel.Txn) {
		txn.Set("k", []byte("v"))
	})
	require.NoError(t, err)

	require.Len(t, rec.received, 1)
	v, ok := med.Document().Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestMutateWithNoOpsSkipsDispatch(t *testing.T) {
	med, rec := newMediator(t)

	err := med.Mutate(context.Background(), collabtypes.Empty, func(txn *crdtkernel.Txn) {})
	require.NoError(t, err)
	assert.Empty(t, rec.received)
}

func TestMutatePanicIsRecoveredAsError(t *testing.T) {
	med, rec := newMediator(t)

	err := med.Mutate(context.Background(), collabtypes.Empty, func(txn *crdtkernel.Txn) {
		panic("callback exploded")
	})
	assert.ErrorIs(t, err, collabtypes.ErrUpdateApplyFailed)
	assert.Empty(t, rec.received)
}

func TestApplyRemoteMergesAndDispatches(t *testing.T) {
	med, rec := newMediator(t)

	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 9, Clock: 1, Key: "k", Value: []byte("remote")}}}
	applied, gap := med.ApplyRemote(context.Background(), u, collabtypes.Server)

	assert.Equal(t, 1, applied)
	assert.False(t, gap)
	require.Len(t, rec.received, 1)

	v, ok := med.Document().Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("remote"), v)
}

func TestApplyRemoteIdempotentReplaySkipsDispatch(t *testing.T) {
	med, rec := newMediator(t)

	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 9, Clock: 1, Key: "k", Value: []byte("remote")}}}
	med.ApplyRemote(context.Background(), u, collabtypes.Server)
	rec.received = nil

	applied, _ := med.ApplyRemote(context.Background(), u, collabtypes.Server)
	assert.Equal(t, 0, applied)
	assert.Empty(t, rec.received, "an already-applied update produces no further dispatch")
}

func TestApplyRemoteDetectsGap(t *testing.T) {
	med, _ := newMediator(t)

	u := crdtkernel.Update{Ops: []crdtkernel.Op{{Client: 9, Clock: 5, Key: "k", Value: []byte("remote")}}}
	_, gap := med.ApplyRemote(context.Background(), u, collabtypes.Server)
	assert.True(t, gap)
}

func TestSubscribeReceivesObserverEvents(t *testing.T) {
	med, _ := newMediator(t)
	ch := med.Subscribe(4)
	defer med.Unsubscribe(ch)

	require.NoError(t, med.Mutate(context.Background(), collabtypes.Empty, func(txn *crdtkernel.Txn) {
		txn.Set("k", []byte("v"))
	}))

	select {
	case evt := <-ch:
		require.Len(t, evt.Object.Ops, 1)
		assert.Equal(t, "k", evt.Object.Ops[0].Key)
	case <-time.After(time.Second):
		t.Fatal("expected an observer event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	med, _ := newMediator(t)
	ch := med.Subscribe(4)
	med.Unsubscribe(ch)

	require.NoError(t, med.Mutate(context.Background(), collabtypes.Empty, func(txn *crdtkernel.Txn) {
		txn.Set("k", []byte("v"))
	}))

	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullObserverChannelDropsRatherThanBlocks(t *testing.T) {
	med, _ := newMediator(t)
	ch := med.Subscribe(0) // unbuffered, no reader

	done := make(chan struct{})
	go func() {
		med.Mutate(context.Background(), collabtypes.Empty, func(txn *crdtkernel.Txn) {
			txn.Set("k", []byte("v"))
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Mutate blocked on a full observer channel instead of dropping")
	}
	_ = ch
}
