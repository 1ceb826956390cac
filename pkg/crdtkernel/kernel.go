package crdtkernel

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Op is one LWW write or delete, uniquely ordered within its originating
// client's history by Clock. Clock values for a given Client are contiguous
// starting at 1; a kernel never skips a clock value for its own client id.
type Op struct {
	Client    uint64 `json:"c"`
	Clock     uint64 `json:"k"`
	Key       string `json:"key"`
	Value     []byte `json:"val,omitempty"`
	Tombstone bool   `json:"del,omitempty"`
}

// Update is an ordered batch of operations, the kernel's unit of replication.
// Ordering within an Update matters only for byte-stable encoding; merge
// itself is commutative and idempotent per key.
type Update struct {
	Ops []Op
}

// Empty reports whether the update carries no operations.
func (u Update) Empty() bool { return len(u.Ops) == 0 }

// Marshal gives an Update a stable binary form shared by the disk plugin's
// update log and the sync plugin's wire frames: a count followed by each op
// JSON-encoded and length-prefixed. JSON per-op keeps this format stable
// across kernel changes without hand-rolling a binary struct layout for Op.
func (u Update) Marshal() []byte {
	var buf []byte
	count := make([]byte, 4)
	binary.BigEndian.PutUint32(count, uint32(len(u.Ops)))
	buf = append(buf, count...)
	for _, op := range u.Ops {
		b, _ := json.Marshal(op)
		l := make([]byte, 4)
		binary.BigEndian.PutUint32(l, uint32(len(b)))
		buf = append(buf, l...)
		buf = append(buf, b...)
	}
	return buf
}

// UnmarshalUpdate parses bytes produced by Update.Marshal.
func UnmarshalUpdate(b []byte) (Update, error) {
	if len(b) < 4 {
		return Update{}, fmt.Errorf("crdtkernel: truncated update")
	}
	n := binary.BigEndian.Uint32(b[:4])
	off := 4
	ops := make([]Op, 0, n)
	for i := uint32(0); i < n; i++ {
		if off+4 > len(b) {
			return Update{}, fmt.Errorf("crdtkernel: truncated op length")
		}
		l := binary.BigEndian.Uint32(b[off:])
		off += 4
		if off+int(l) > len(b) {
			return Update{}, fmt.Errorf("crdtkernel: truncated op payload")
		}
		var op Op
		if err := json.Unmarshal(b[off:off+int(l)], &op); err != nil {
			return Update{}, err
		}
		off += int(l)
		ops = append(ops, op)
	}
	return Update{Ops: ops}, nil
}

// StateVector is a per-client high-water mark: clientID -> highest clock
// applied locally. It is the kernel's compact summary of "what I've seen".
type StateVector map[uint64]uint64

// Clone returns an independent copy.
func (sv StateVector) Clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

type entry struct {
	value     []byte
	tombstone bool
	client    uint64
	clock     uint64
}

// wins reports whether candidate should replace current under LWW-by-clock,
// tie-broken by client id (higher client id wins ties, an arbitrary but
// deterministic rule so every replica converges on the same winner).
func (e entry) wins(client, clock uint64) bool {
	if clock != e.clock {
		return clock > e.clock
	}
	return client > e.client
}

// Document is one object's CRDT state: a last-writer-wins register map plus
// the bookkeeping needed to compute and apply deltas against a state vector.
type Document struct {
	mu    sync.RWMutex
	state map[string]entry
	sv    StateVector
	// clock is this process's own per-client-id clock cursor, used only when
	// Mutate is called under a given client id.
	clock map[uint64]uint64
}

// New returns an empty document.
func New() *Document {
	return &Document{
		state: make(map[string]entry),
		sv:    make(StateVector),
		clock: make(map[uint64]uint64),
	}
}

// Txn is the mutation surface handed to a Document.Mutate callback.
type Txn struct {
	clientID uint64
	ops      []Op
	clock    uint64
}

// Set records a last-writer-wins write of key=value.
func (t *Txn) Set(key string, value []byte) {
	t.clock++
	t.ops = append(t.ops, Op{Client: t.clientID, Clock: t.clock, Key: key, Value: append([]byte(nil), value...)})
}

// Delete records a tombstone for key.
func (t *Txn) Delete(key string) {
	t.clock++
	t.ops = append(t.ops, Op{Client: t.clientID, Clock: t.clock, Key: key, Tombstone: true})
}

// Mutate runs fn against a fresh transaction scoped to clientID and applies the
// resulting ops to the document, returning them as an Update suitable for
// handing to the plugin pipeline. It is the kernel's only local-write path;
// everything else either reads or merges remote updates.
func (d *Document) Mutate(clientID uint64, fn func(txn *Txn)) Update {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := d.clock[clientID]
	if seen := d.sv[clientID]; seen > start {
		// Resume after this client's ops already merged from a snapshot,
		// replay or peer, so its clock values stay unique.
		start = seen
	}
	txn := &Txn{clientID: clientID, clock: start}
	fn(txn)
	if len(txn.ops) == 0 {
		return Update{}
	}
	for _, op := range txn.ops {
		d.applyLocked(op)
	}
	d.clock[clientID] = txn.clock
	return Update{Ops: txn.ops}
}

// ApplyUpdate merges a remote update into the document. Operations already
// covered by the local state vector are skipped (idempotent replay); new
// operations are merged under LWW and the state vector advances. Gaps (an
// operation whose clock is more than one past the last known clock for its
// client) are accepted as-is — the kernel trusts the transport to deliver each
// client's own operations in order, per the concurrency model's ordering
// guarantee — but are reported so callers can log an anomaly.
func (d *Document) ApplyUpdate(u Update) (applied int, gap bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range u.Ops {
		last := d.sv[op.Client]
		if op.Clock <= last {
			continue // already seen, idempotent skip
		}
		if op.Clock > last+1 {
			gap = true
		}
		d.applyLocked(op)
		applied++
	}
	return applied, gap
}

func (d *Document) applyLocked(op Op) {
	cur, ok := d.state[op.Key]
	if !ok || cur.wins(op.Client, op.Clock) {
		d.state[op.Key] = entry{value: op.Value, tombstone: op.Tombstone, client: op.Client, clock: op.Clock}
	}
	if op.Clock > d.sv[op.Client] {
		d.sv[op.Client] = op.Clock
	}
}

// StateVector returns a copy of the document's current state vector.
func (d *Document) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sv.Clone()
}

// Diff returns the operations the document has that remote does not, i.e. the
// Update to send a peer whose state vector is remote.
func (d *Document) Diff(remote StateVector) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Reconstruct per-key ops is not possible once merged (LWW discards
	// losers), so Diff is only exact for the *current winning* value per key
	// whose clock exceeds the peer's watermark for that key's client. This
	// matches the kernel's contract: an Update reproduces current state, not
	// full history.
	var ops []Op
	for key, e := range d.state {
		if e.clock > remote[e.client] {
			ops = append(ops, Op{Client: e.client, Clock: e.clock, Key: key, Value: e.value, Tombstone: e.tombstone})
		}
	}
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Client != ops[j].Client {
			return ops[i].Client < ops[j].Client
		}
		return ops[i].Clock < ops[j].Clock
	})
	return Update{Ops: ops}
}

// Get returns the current value for key and whether it is live (not deleted).
func (d *Document) Get(key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.state[key]
	if !ok || e.tombstone {
		return nil, false
	}
	return append([]byte(nil), e.value...), true
}

// Keys returns the live (non-tombstoned) keys, sorted.
func (d *Document) Keys() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0, len(d.state))
	for k, e := range d.state {
		if !e.tombstone {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// snapshotEntry is the deterministic JSON shape Snapshot/LoadSnapshot use; it
// is distinct from Op only to give the persisted form its own stable encoding
// independent of the in-memory entry layout.
type snapshotEntry struct {
	Key       string `json:"key"`
	Value     []byte `json:"val,omitempty"`
	Tombstone bool   `json:"del,omitempty"`
	Client    uint64 `json:"c"`
	Clock     uint64 `json:"k"`
}

// Snapshot serializes the full current state deterministically: entries are
// sorted by key so two documents with identical state produce byte-identical
// snapshots regardless of merge order, which is what the compaction/codec
// round-trip invariant depends on.
func (d *Document) Snapshot() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()

	keys := make([]string, 0, len(d.state))
	for k := range d.state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]snapshotEntry, 0, len(keys))
	for _, k := range keys {
		e := d.state[k]
		entries = append(entries, snapshotEntry{Key: k, Value: e.value, Tombstone: e.tombstone, Client: e.client, Clock: e.clock})
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(entries); err != nil {
		panic(fmt.Sprintf("crdtkernel: snapshot encode never fails for in-memory data: %v", err))
	}
	return buf.Bytes()
}

// LoadSnapshot replaces the document's state with the contents of a snapshot
// produced by Snapshot. It is used both on cold start (replaying the disk
// plugin's persisted snapshot) and after a server-sent compaction.
func (d *Document) LoadSnapshot(data []byte) error {
	var entries []snapshotEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("crdtkernel: decode snapshot: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = make(map[string]entry, len(entries))
	d.sv = make(StateVector)
	for _, e := range entries {
		d.state[e.Key] = entry{value: e.Value, tombstone: e.Tombstone, client: e.Client, clock: e.Clock}
		if e.Clock > d.sv[e.Client] {
			d.sv[e.Client] = e.Clock
		}
	}
	return nil
}

// EncodeStateVector/DecodeStateVector give StateVector a stable binary form
// for the wire codec: a count followed by (client, clock) uint64 pairs sorted
// by client id.
func EncodeStateVector(sv StateVector) []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := make([]byte, 8+16*len(clients))
	binary.BigEndian.PutUint64(buf[:8], uint64(len(clients)))
	off := 8
	for _, c := range clients {
		binary.BigEndian.PutUint64(buf[off:off+8], c)
		binary.BigEndian.PutUint64(buf[off+8:off+16], sv[c])
		off += 16
	}
	return buf
}

func DecodeStateVector(b []byte) (StateVector, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("crdtkernel: state vector too short")
	}
	n := binary.BigEndian.Uint64(b[:8])
	sv := make(StateVector, n)
	off := 8
	for i := uint64(0); i < n; i++ {
		if off+16 > len(b) {
			return nil, fmt.Errorf("crdtkernel: state vector truncated")
		}
		client := binary.BigEndian.Uint64(b[off : off+8])
		clock := binary.BigEndian.Uint64(b[off+8 : off+16])
		sv[client] = clock
		off += 16
	}
	return sv, nil
}
