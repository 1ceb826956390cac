package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/collab/pkg/collabtypes"
)

// MessageType tags which frame variant follows in the envelope.
type MessageType uint8

const (
	TypeClientInitSync MessageType = iota + 1
	TypeServerInitSync
	TypeClientUpdateSync
	TypeBroadcastSync
	TypeAwarenessSync
	TypeAck
	TypeKickOff
	TypeDuplicateConnection
	TypeRateLimit
)

// Message is implemented by every frame variant in the sync protocol.
type Message interface {
	Type() MessageType
	Marshal() []byte
}

// --- field helpers -------------------------------------------------------

type writer struct{ buf []byte }

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) str(s string) { w.bytes([]byte(s)) }

// origin writes a collabtypes.Origin as the CollabOrigin every collab sync
// message carries: a kind byte followed by the two identity strings (empty
// for non-client origins).
func (w *writer) origin(o collabtypes.Origin) {
	w.u8(uint8(o.Kind))
	w.str(o.UID)
	w.str(o.DeviceID)
}

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = fmt.Errorf(format, args...)
	}
}

func (r *reader) u8() uint8 {
	if r.err != nil {
		return 0
	}
	if r.off+1 > len(r.buf) {
		r.fail("wire: truncated uint8 at offset %d", r.off)
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if r.off+4 > len(r.buf) {
		r.fail("wire: truncated uint32 at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if r.err != nil {
		return 0
	}
	if r.off+8 > len(r.buf) {
		r.fail("wire: truncated uint64 at offset %d", r.off)
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes() []byte {
	n := int(r.u32())
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.fail("wire: truncated field of length %d at offset %d", n, r.off)
		return nil
	}
	b := append([]byte(nil), r.buf[r.off:r.off+n]...)
	r.off += n
	return b
}

func (r *reader) str() string { return string(r.bytes()) }

func (r *reader) origin() collabtypes.Origin {
	kind := collabtypes.OriginKind(r.u8())
	uid := r.str()
	device := r.str()
	if r.err != nil {
		return collabtypes.Origin{}
	}
	return collabtypes.Origin{Kind: kind, UID: uid, DeviceID: device}
}

// --- frames ---------------------------------------------------------------

// ClientInitSync is the first frame a client sends when opening the sync
// channel for an object: its identity, the collab type it expects to find,
// and its local state vector, so the server can compute what it is missing.
type ClientInitSync struct {
	WorkspaceID string
	ObjectID    string
	CollabType  string
	MsgID       uint64
	Origin      collabtypes.Origin
	StateVector []byte
}

func (m ClientInitSync) Type() MessageType { return TypeClientInitSync }
func (m ClientInitSync) Marshal() []byte {
	w := &writer{}
	w.str(m.WorkspaceID)
	w.str(m.ObjectID)
	w.str(m.CollabType)
	w.u64(m.MsgID)
	w.origin(m.Origin)
	w.bytes(m.StateVector)
	return w.buf
}

// ServerInitSync answers a ClientInitSync: the delta the client is missing,
// plus the server's own state vector so the client can compute its reply
// delta in the other direction.
type ServerInitSync struct {
	ObjectID    string
	Origin      collabtypes.Origin
	Update      []byte
	StateVector []byte
}

func (m ServerInitSync) Type() MessageType { return TypeServerInitSync }
func (m ServerInitSync) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	w.origin(m.Origin)
	w.bytes(m.Update)
	w.bytes(m.StateVector)
	return w.buf
}

// ClientUpdateSync carries a locally produced update to the server, tagged
// with a monotonic MsgID the server echoes back in its Ack and the Origin of
// the client that authored it.
type ClientUpdateSync struct {
	ObjectID string
	MsgID    uint64
	Origin   collabtypes.Origin
	Update   []byte
}

func (m ClientUpdateSync) Type() MessageType { return TypeClientUpdateSync }
func (m ClientUpdateSync) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	w.u64(m.MsgID)
	w.origin(m.Origin)
	w.bytes(m.Update)
	return w.buf
}

// BroadcastSync carries a server-relayed update (originally from another
// client, or a compaction) tagged with a per-object sequence number the
// client uses to detect gaps, and the Origin of whoever authored the update —
// a receiving client discards a BroadcastSync whose Origin is its own.
type BroadcastSync struct {
	ObjectID string
	SeqNum   uint64
	Origin   collabtypes.Origin
	Update   []byte
}

func (m BroadcastSync) Type() MessageType { return TypeBroadcastSync }
func (m BroadcastSync) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	w.u64(m.SeqNum)
	w.origin(m.Origin)
	w.bytes(m.Update)
	return w.buf
}

// AwarenessSync carries ephemeral per-client presence state. Never persisted,
// never acked, never gap-checked.
type AwarenessSync struct {
	ObjectID string
	ClientID uint64
	Origin   collabtypes.Origin
	Payload  []byte
}

func (m AwarenessSync) Type() MessageType { return TypeAwarenessSync }
func (m AwarenessSync) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	w.u64(m.ClientID)
	w.origin(m.Origin)
	w.bytes(m.Payload)
	return w.buf
}

// Ack answers a ClientUpdateSync. Code 0 means accepted; any other value is a
// negative ack whose meaning is carried in collabtypes.AckError. SeqNum is the
// broadcast sequence number the server assigned the accepted update, so the
// client can reconcile it against the BroadcastSync stream without waiting
// for its own update to be relayed back.
type Ack struct {
	MsgID  uint64
	Code   uint32
	SeqNum uint64
}

func (m Ack) Type() MessageType { return TypeAck }
func (m Ack) Marshal() []byte {
	w := &writer{}
	w.u64(m.MsgID)
	w.u32(m.Code)
	w.u64(m.SeqNum)
	return w.buf
}

// KickOff tells the client the server is unilaterally ending its connection
// for this object (access revoked, object deleted) and will not accept a
// reconnect for the same cause. The host application must decide what to do
// next; the sync plugin does not retry automatically after this frame.
type KickOff struct {
	ObjectID string
	Reason   string
}

func (m KickOff) Type() MessageType { return TypeKickOff }
func (m KickOff) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	w.str(m.Reason)
	return w.buf
}

// DuplicateConnection tells the client that another connection authenticated
// as the same client identity has superseded this one for the object.
type DuplicateConnection struct {
	ObjectID string
}

func (m DuplicateConnection) Type() MessageType { return TypeDuplicateConnection }
func (m DuplicateConnection) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	return w.buf
}

// RateLimit tells the client to stop sending ClientUpdateSync frames for this
// object until RetryAfterMs has elapsed. Unlike KickOff/DuplicateConnection
// this does not end the connection.
type RateLimit struct {
	ObjectID     string
	RetryAfterMs uint32
}

func (m RateLimit) Type() MessageType { return TypeRateLimit }
func (m RateLimit) Marshal() []byte {
	w := &writer{}
	w.str(m.ObjectID)
	w.u32(m.RetryAfterMs)
	return w.buf
}

// Encode wraps a Message's payload with its type tag, producing the bytes
// sent over the transport.
func Encode(m Message) []byte {
	out := make([]byte, 1, 1+32)
	out[0] = byte(m.Type())
	return append(out, m.Marshal()...)
}

// Decode parses a tagged frame produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("wire: empty frame")
	}
	r := &reader{buf: b[1:]}
	switch MessageType(b[0]) {
	case TypeClientInitSync:
		m := ClientInitSync{WorkspaceID: r.str(), ObjectID: r.str(), CollabType: r.str(), MsgID: r.u64(), Origin: r.origin(), StateVector: r.bytes()}
		return m, r.err
	case TypeServerInitSync:
		m := ServerInitSync{ObjectID: r.str(), Origin: r.origin(), Update: r.bytes(), StateVector: r.bytes()}
		return m, r.err
	case TypeClientUpdateSync:
		m := ClientUpdateSync{ObjectID: r.str(), MsgID: r.u64(), Origin: r.origin(), Update: r.bytes()}
		return m, r.err
	case TypeBroadcastSync:
		m := BroadcastSync{ObjectID: r.str(), SeqNum: r.u64(), Origin: r.origin(), Update: r.bytes()}
		return m, r.err
	case TypeAwarenessSync:
		m := AwarenessSync{ObjectID: r.str(), ClientID: r.u64(), Origin: r.origin(), Payload: r.bytes()}
		return m, r.err
	case TypeAck:
		m := Ack{MsgID: r.u64(), Code: r.u32(), SeqNum: r.u64()}
		return m, r.err
	case TypeKickOff:
		m := KickOff{ObjectID: r.str(), Reason: r.str()}
		return m, r.err
	case TypeDuplicateConnection:
		m := DuplicateConnection{ObjectID: r.str()}
		return m, r.err
	case TypeRateLimit:
		m := RateLimit{ObjectID: r.str(), RetryAfterMs: r.u32()}
		return m, r.err
	default:
		return nil, fmt.Errorf("wire: unknown message type %d", b[0])
	}
}
