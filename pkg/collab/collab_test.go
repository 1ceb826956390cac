package collab

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/syncplugin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestDB(t *testing.T) *bolt.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsUnknownCollabType(t *testing.T) {
	db := openTestDB(t)
	_, err := Open(context.Background(), Config{
		Object: collabtypes.ObjectId{WorkspaceID: "ws", ID: "obj"},
		Type:   collabtypes.CollabType("bogus"),
		DB:     db,
		Log:    zerolog.Nop(),
	})
	require.ErrorIs(t, err, collabtypes.ErrUnknownCollabType)
}

func TestOpenMutateGetRoundTrip(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(context.Background(), Config{
		Object:   collabtypes.ObjectId{WorkspaceID: "ws", ID: "obj"},
		Type:     collabtypes.CollabTypeDocument,
		ClientID: 1,
		Origin:   collabtypes.NewClientOrigin("u1", "d1"),
		DB:       db,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, c.Mutate(context.Background(), func(txn *crdtkernel.Txn) {
		txn.Set("title", []byte("hello"))
	}))

	v, ok := c.Get("title")
	require.True(t, ok)
	require.Equal(t, []byte("hello"), v)
	require.Contains(t, c.Keys(), "title")
}

func TestCloseWithoutSyncPluginReportsDisconnected(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(context.Background(), Config{
		Object: collabtypes.ObjectId{WorkspaceID: "ws", ID: "obj"},
		Type:   collabtypes.CollabTypeDocument,
		DB:     db,
		Log:    zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.Equal(t, syncplugin.StateDisconnected, c.SyncState())
	require.False(t, c.PluginDegraded("disk"))
}

func TestSubscribeReceivesLocalMutations(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(context.Background(), Config{
		Object:   collabtypes.ObjectId{WorkspaceID: "ws", ID: "obj"},
		Type:     collabtypes.CollabTypeDocument,
		ClientID: 1,
		DB:       db,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	ch := c.Subscribe(4)
	defer c.Unsubscribe(ch)

	require.NoError(t, c.Mutate(context.Background(), func(txn *crdtkernel.Txn) {
		txn.Set("k", []byte("v"))
	}))

	select {
	case evt := <-ch:
		require.Len(t, evt.Object.Ops, 1)
	case <-time.After(time.Second):
		t.Fatal("expected an observer event after Mutate")
	}
}

func TestEncodeProducesVerifiableSnapshot(t *testing.T) {
	db := openTestDB(t)
	c, err := Open(context.Background(), Config{
		Object:   collabtypes.ObjectId{WorkspaceID: "ws", ID: "obj"},
		Type:     collabtypes.CollabTypeDocument,
		ClientID: 1,
		DB:       db,
		Log:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close(context.Background())

	require.NoError(t, c.Mutate(context.Background(), func(txn *crdtkernel.Txn) {
		txn.Set("k", []byte("v"))
	}))

	enc := c.Encode()
	require.True(t, enc.HasChecksum())
	require.NoError(t, enc.Verify())
}
