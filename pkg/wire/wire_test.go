package wire

import (
	"testing"

	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTripEveryFrame(t *testing.T) {
	origin := collabtypes.NewClientOrigin("u1", "d1")
	cases := []Message{
		ClientInitSync{WorkspaceID: "ws-1", ObjectID: "obj-1", CollabType: "document", MsgID: 1, Origin: origin, StateVector: []byte{1, 2, 3}},
		ServerInitSync{ObjectID: "obj-1", Origin: collabtypes.Server, Update: []byte("delta"), StateVector: []byte{4, 5}},
		ClientUpdateSync{ObjectID: "obj-1", MsgID: 42, Origin: origin, Update: []byte("update-bytes")},
		BroadcastSync{ObjectID: "obj-1", SeqNum: 7, Origin: origin, Update: []byte("broadcast-bytes")},
		AwarenessSync{ObjectID: "obj-1", ClientID: 9, Origin: origin, Payload: []byte("presence")},
		Ack{MsgID: 42, Code: 0, SeqNum: 7},
		KickOff{ObjectID: "obj-1", Reason: "object deleted"},
		DuplicateConnection{ObjectID: "obj-1"},
		RateLimit{ObjectID: "obj-1", RetryAfterMs: 2500},
	}

	for _, want := range cases {
		raw := Encode(want)
		got, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestEncodeTagsTheCorrectType(t *testing.T) {
	raw := Encode(Ack{MsgID: 1, Code: 0})
	assert.Equal(t, byte(TypeAck), raw[0])
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte{0xff})
	assert.Error(t, err)
}

func TestDecodeRejectsTruncatedFrame(t *testing.T) {
	raw := Encode(ClientUpdateSync{ObjectID: "obj-1", MsgID: 1, Origin: collabtypes.NewClientOrigin("u", "d"), Update: []byte("data")})
	_, err := Decode(raw[:len(raw)-2])
	assert.Error(t, err)
}

func TestAwarenessSyncFieldsSurviveEmptyPayload(t *testing.T) {
	want := AwarenessSync{ObjectID: "obj-1", ClientID: 3, Origin: collabtypes.NewClientOrigin("u", "d"), Payload: nil}
	raw := Encode(want)
	got, err := Decode(raw)
	require.NoError(t, err)
	gotAwareness, ok := got.(AwarenessSync)
	require.True(t, ok)
	assert.Equal(t, want.ObjectID, gotAwareness.ObjectID)
	assert.Equal(t, want.ClientID, gotAwareness.ClientID)
	assert.Empty(t, gotAwareness.Payload)
}

func TestBroadcastSyncOriginSurvivesRoundTrip(t *testing.T) {
	want := BroadcastSync{ObjectID: "obj-1", SeqNum: 1, Origin: collabtypes.NewClientOrigin("u1", "d1"), Update: []byte("x")}
	raw := Encode(want)
	got, err := Decode(raw)
	require.NoError(t, err)
	bs, ok := got.(BroadcastSync)
	require.True(t, ok)
	assert.True(t, bs.Origin.SameSource(want.Origin))
}

func TestKickOffAndDuplicateConnectionRoundTrip(t *testing.T) {
	raw := Encode(KickOff{ObjectID: "obj-1", Reason: "revoked"})
	got, err := Decode(raw)
	require.NoError(t, err)
	ko, ok := got.(KickOff)
	require.True(t, ok)
	assert.Equal(t, "revoked", ko.Reason)

	raw = Encode(DuplicateConnection{ObjectID: "obj-1"})
	got, err = Decode(raw)
	require.NoError(t, err)
	_, ok = got.(DuplicateConnection)
	assert.True(t, ok)
}
