package diskplugin

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/collab/pkg/codec"
	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/metrics"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

const (
	keyMeta      = "meta"
	keySnap      = "snap"
	updPrefix    = "upd/"
	defaultQueue = 256

	// maxCommitAttempts bounds how many times a single write is retried
	// against the KV store before the object is marked degraded.
	maxCommitAttempts = 5
)

// Options configures the compaction thresholds and queue depth. Zero values
// are replaced with sensible defaults.
type Options struct {
	// ThresholdUpdates triggers compaction once this many update records have
	// accumulated since the last compaction. Default 200.
	ThresholdUpdates int
	// ThresholdBytes triggers compaction once the accumulated update bytes
	// since the last compaction reach this size. Default 4 MiB.
	ThresholdBytes int64
	// QueueDepth bounds the background writer's inbox. Default 256.
	QueueDepth int
}

func (o Options) withDefaults() Options {
	if o.ThresholdUpdates <= 0 {
		o.ThresholdUpdates = 200
	}
	if o.ThresholdBytes <= 0 {
		o.ThresholdBytes = 4 * 1024 * 1024
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = defaultQueue
	}
	return o
}

type meta struct {
	NextSeq             uint64 `json:"next_seq"`
	CompactedThroughSeq uint64 `json:"compacted_through_seq"`
	SnapshotCompressed  bool   `json:"snapshot_compressed"`
	SnapshotChecksum    [16]byte `json:"snapshot_checksum"`
	PendingUpdates      int    `json:"pending_updates"`
	PendingBytes        int64  `json:"pending_bytes"`
}

type writeJob struct {
	update crdtkernel.Update
	bytes  []byte
	done   chan struct{}
}

// Plugin is the disk persistence plugin.
type Plugin struct {
	db       *bolt.DB
	obj      collabtypes.ObjectId
	doc      *crdtkernel.Document
	bucket   []byte
	opts     Options
	log      zerolog.Logger
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder

	metaCache *lru.Cache[string, meta]

	jobs   chan writeJob
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu   sync.Mutex
	cur  meta

	// degraded is set once a write has exhausted maxCommitAttempts retries.
	// A degraded plugin stops accepting new mutations upstream (see
	// Collab.Mutate) but keeps replaying and serving reads.
	degraded atomic.Bool
}

// New builds a disk plugin for obj backed by db, replaying into doc on Init.
// Each plugin keeps its own small LRU of recently-written meta records; the
// writer goroutine's hot path (read current seq, bump it) reads the plugin's
// in-memory copy of meta instead, so it needs no bucket read on any commit.
// The LRU is updated after each write and compaction and is not consulted on
// the write path.
func New(db *bolt.DB, obj collabtypes.ObjectId, doc *crdtkernel.Document, opts Options, log zerolog.Logger) (*Plugin, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("diskplugin: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("diskplugin: new zstd decoder: %w", err)
	}
	metaCache, err := lru.New[string, meta](256)
	if err != nil {
		return nil, fmt.Errorf("diskplugin: new meta cache: %w", err)
	}
	return &Plugin{
		db:        db,
		obj:       obj,
		doc:       doc,
		bucket:    obj.Key(),
		opts:      opts.withDefaults(),
		log:       log,
		encoder:   enc,
		decoder:   dec,
		metaCache: metaCache,
	}, nil
}

func (p *Plugin) Name() string { return "disk" }

// Init replays the object's persisted state into doc: the last snapshot (if
// any), followed by every update record recorded after it. Replay never goes
// through the mediator — it is reconstructing the in-memory document that the
// mediator will subsequently own, not committing new transactions.
func (p *Plugin) Init(ctx context.Context) error {
	var m meta
	var snap []byte
	var updates [][]byte

	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(p.bucket)
		if b == nil {
			return nil // fresh object, nothing to replay
		}
		if raw := b.Get([]byte(keyMeta)); raw != nil {
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("%w: decode meta: %v", collabtypes.ErrPersistenceFailed, err)
			}
		}
		snap = append([]byte(nil), b.Get([]byte(keySnap))...)

		c := b.Cursor()
		prefix := []byte(updPrefix)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			updates = append(updates, append([]byte(nil), v...))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if len(snap) > 0 {
		plain := snap
		if m.SnapshotCompressed {
			plain, err = p.decoder.DecodeAll(snap, nil)
			if err != nil {
				return fmt.Errorf("%w: decompress snapshot: %v", collabtypes.ErrCorruptSnapshot, err)
			}
		}
		if m.SnapshotChecksum != ([16]byte{}) && codec.Checksum(plain) != m.SnapshotChecksum {
			return fmt.Errorf("%w: object %s", collabtypes.ErrCorruptSnapshot, p.obj)
		}
		if err := p.doc.LoadSnapshot(plain); err != nil {
			return fmt.Errorf("%w: load snapshot: %v", collabtypes.ErrCorruptSnapshot, err)
		}
	}

	for _, raw := range updates {
		u, err := crdtkernel.UnmarshalUpdate(raw)
		if err != nil {
			return fmt.Errorf("%w: decode update record: %v", collabtypes.ErrPersistenceFailed, err)
		}
		p.doc.ApplyUpdate(u) // idempotent by construction; replay order is write order
	}

	p.mu.Lock()
	p.cur = m
	p.mu.Unlock()
	p.metaCache.Add(string(p.bucket), m)

	p.jobs = make(chan writeJob, p.opts.QueueDepth)
	p.stopCh = make(chan struct{})
	p.wg.Add(1)
	go p.writer()
	return nil
}

func (p *Plugin) DidInit(ctx context.Context) {}

// ReceiveUpdate enqueues the update for the background writer. It normally
// returns immediately; if the queue is saturated it waits for the writer to
// make room (or for Close), so a burst of commits is slowed to the writer's
// pace instead of losing records from the update log.
func (p *Plugin) ReceiveUpdate(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) {
	if update.Empty() {
		return
	}
	job := writeJob{update: update, bytes: update.Marshal()}
	select {
	case p.jobs <- job:
		return
	default:
	}
	p.log.Warn().Str("object_id", p.obj.String()).Msg("disk plugin queue saturated, waiting for the writer")
	select {
	case p.jobs <- job:
	case <-p.stopCh:
	}
}

// Flush blocks until every queued write has been committed.
func (p *Plugin) Flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.jobs <- writeJob{done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset drops the meta cache entry for this object and clears the degraded
// flag; the background writer keeps running. Used to let the pipeline rejoin
// a previously degraded disk plugin after an operator has addressed the
// underlying failure.
func (p *Plugin) Reset(ctx context.Context) error {
	p.metaCache.Remove(string(p.bucket))
	p.degraded.Store(false)
	metrics.DiskDegradedGauge.WithLabelValues(p.obj.String()).Set(0)
	return nil
}

// Degraded reports whether this object's writer has exhausted its retry
// budget and gone read-only.
func (p *Plugin) Degraded() bool { return p.degraded.Load() }

// Close stops the background writer. Not part of the Plugin interface —
// called by the owning Collab during shutdown after Flush.
func (p *Plugin) Close() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	p.wg.Wait()
}

func (p *Plugin) writer() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.jobs:
			if job.done != nil {
				close(job.done)
				continue
			}
			p.commit(job)
		case <-p.stopCh:
			return
		}
	}
}

// tryCommit computes the next meta state from a local copy before touching
// the KV store, and only publishes it to p.cur after db.Update has actually
// committed. Mutating p.cur from inside the transaction closure would corrupt
// it on a retry: bbolt rolls the transaction back on error, but an in-memory
// assignment made before the error surfaced would already have happened.
func (p *Plugin) tryCommit(job writeJob) (meta, error) {
	p.mu.Lock()
	next := p.cur
	p.mu.Unlock()

	seq := next.NextSeq
	next.NextSeq = seq + 1
	next.PendingUpdates++
	next.PendingBytes += int64(len(job.bytes))

	err := p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(p.bucket)
		if err != nil {
			return err
		}
		if err := b.Put(updateKey(seq), job.bytes); err != nil {
			return err
		}
		raw, err := json.Marshal(next)
		if err != nil {
			return err
		}
		return b.Put([]byte(keyMeta), raw)
	})
	if err != nil {
		return meta{}, err
	}
	return next, nil
}

// commit persists job, retrying with exponential backoff up to
// maxCommitAttempts on KV write failure. On exhaustion it marks the object
// degraded: Collab.Mutate refuses further mutations until an operator
// resolves the underlying failure and calls Reset.
func (p *Plugin) commit(job writeJob) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DiskWriteDuration, p.obj.String())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2

	var m meta
	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		m, err = p.tryCommit(job)
		if err == nil {
			break
		}
		p.log.Warn().Err(err).Str("object_id", p.obj.String()).Int("attempt", attempt).Msg("disk plugin write failed, retrying")
		if attempt == maxCommitAttempts {
			break
		}
		select {
		case <-time.After(b.NextBackOff()):
		case <-p.stopCh:
			return
		}
	}
	if err != nil {
		p.degraded.Store(true)
		metrics.DiskDegradedGauge.WithLabelValues(p.obj.String()).Set(1)
		p.log.Error().Err(err).Str("object_id", p.obj.String()).Msg("disk plugin exhausted write retries; object is now read-only")
		return
	}

	p.mu.Lock()
	p.cur = m
	p.mu.Unlock()
	metrics.DiskWritesTotal.WithLabelValues(p.obj.String()).Inc()
	p.metaCache.Add(string(p.bucket), m)

	if m.PendingUpdates >= p.opts.ThresholdUpdates || m.PendingBytes >= p.opts.ThresholdBytes {
		p.compact()
	}
}

func (p *Plugin) compact() {
	snap := p.doc.Snapshot()
	compressed := p.encoder.EncodeAll(snap, nil)
	sum := codec.Checksum(snap)

	p.mu.Lock()
	reason := "updates"
	if p.cur.PendingUpdates < p.opts.ThresholdUpdates {
		reason = "bytes"
	}
	m := meta{
		NextSeq:             p.cur.NextSeq,
		CompactedThroughSeq: p.cur.NextSeq,
		SnapshotCompressed:  true,
		SnapshotChecksum:    sum,
	}
	p.mu.Unlock()

	err := p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(p.bucket)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(keySnap), compressed); err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(keyMeta), raw); err != nil {
			return err
		}
		// Drop every update record now subsumed by the snapshot.
		c := b.Cursor()
		prefix := []byte(updPrefix)
		var toDelete [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Str("object_id", p.obj.String()).Msg("compaction failed; will retry on next write")
		return
	}

	p.mu.Lock()
	p.cur = m
	p.mu.Unlock()
	p.metaCache.Add(string(p.bucket), m)
	metrics.CompactionsTotal.WithLabelValues(p.obj.String(), reason).Inc()
	metrics.PendingUpdatesGauge.WithLabelValues(p.obj.String()).Set(0)
}

func updateKey(seq uint64) []byte {
	key := make([]byte, len(updPrefix)+8)
	copy(key, updPrefix)
	binary.BigEndian.PutUint64(key[len(updPrefix):], seq)
	return key
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

