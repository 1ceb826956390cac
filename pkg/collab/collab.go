package collab

import (
	"context"
	"fmt"

	"github.com/cuemby/collab/pkg/codec"
	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/diskplugin"
	"github.com/cuemby/collab/pkg/mediator"
	"github.com/cuemby/collab/pkg/plugin"
	"github.com/cuemby/collab/pkg/syncplugin"
	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

// Config describes how to open one Collab object.
type Config struct {
	Object     collabtypes.ObjectId
	Type       collabtypes.CollabType
	ClientID   uint64
	Origin     collabtypes.Origin
	DB         *bolt.DB
	DiskOpts   diskplugin.Options
	// Transport enables the sync plugin when non-nil. A nil Transport yields
	// a disk-only Collab, useful for local-first scenarios and tests.
	Transport  syncplugin.Transport
	SyncOpts   syncplugin.Options
	Log        zerolog.Logger
}

// Collab is one object's live runtime handle: document, pipeline, and
// plugins, all opened and closed together.
type Collab struct {
	obj      collabtypes.ObjectId
	ctype    collabtypes.CollabType
	origin   collabtypes.Origin
	doc      *crdtkernel.Document
	pipeline *plugin.Pipeline
	mediator *mediator.Mediator
	disk     *diskplugin.Plugin
	sync     *syncplugin.Plugin
	log      zerolog.Logger
}

// Open constructs, initializes and returns a live Collab: the disk plugin
// replays its persisted state into a fresh document, the sync plugin (if
// configured) begins its connect loop, and the result is ready for Mutate.
func Open(ctx context.Context, cfg Config) (*Collab, error) {
	if !cfg.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", collabtypes.ErrUnknownCollabType, cfg.Type)
	}

	doc := crdtkernel.New()
	pipeline := plugin.New(cfg.Log)

	disk, err := diskplugin.New(cfg.DB, cfg.Object, doc, cfg.DiskOpts, cfg.Log.With().Str("plugin", "disk").Logger())
	if err != nil {
		return nil, fmt.Errorf("collab: open disk plugin: %w", err)
	}
	pipeline.Register(disk)

	med := mediator.New(cfg.Object.String(), doc, pipeline, cfg.ClientID, cfg.Log)

	var sp *syncplugin.Plugin
	if cfg.Transport != nil {
		sp = syncplugin.New(cfg.Object, cfg.Transport, med, cfg.Origin, cfg.Type, cfg.SyncOpts, cfg.Log.With().Str("plugin", "sync").Logger())
		pipeline.Register(sp)
	}

	if err := pipeline.Init(ctx); err != nil {
		return nil, fmt.Errorf("collab: init pipeline: %w", err)
	}
	pipeline.DidInit(ctx)

	if sp != nil {
		sp.Start(ctx)
	}

	return &Collab{
		obj:      cfg.Object,
		ctype:    cfg.Type,
		origin:   cfg.Origin,
		doc:      doc,
		pipeline: pipeline,
		mediator: med,
		disk:     disk,
		sync:     sp,
		log:      cfg.Log,
	}, nil
}

// ID returns the object's identifier.
func (c *Collab) ID() collabtypes.ObjectId { return c.obj }

// Type returns the object's collab type tag.
func (c *Collab) Type() collabtypes.CollabType { return c.ctype }

// Mutate applies a local edit, tagged with this Collab's configured origin.
// It refuses once the disk plugin has exhausted its persistence retries and
// gone read-only, since a mutation that cannot be durably written must not be
// allowed to advance the document.
func (c *Collab) Mutate(ctx context.Context, fn func(txn *crdtkernel.Txn)) error {
	if c.disk.Degraded() {
		return collabtypes.ErrReadOnlyDegraded
	}
	return c.mediator.Mutate(ctx, c.origin, fn)
}

// Get reads the current value of key.
func (c *Collab) Get(key string) ([]byte, bool) { return c.doc.Get(key) }

// Keys lists the object's current live keys.
func (c *Collab) Keys() []string { return c.doc.Keys() }

// Subscribe registers an observer channel for post-commit notifications.
func (c *Collab) Subscribe(buffer int) chan mediator.ObserverEvent {
	return c.mediator.Subscribe(buffer)
}

// Unsubscribe removes a channel returned by Subscribe.
func (c *Collab) Unsubscribe(ch chan mediator.ObserverEvent) { c.mediator.Unsubscribe(ch) }

// Encode returns a checksummed snapshot of the object's current full state,
// suitable for handing to another process via codec.Unmarshal.
func (c *Collab) Encode() codec.EncodedCollab {
	return codec.EncodeV2(c.doc.StateVector(), c.doc.Snapshot())
}

// SyncState reports the sync plugin's current protocol state, or
// StateDisconnected if no sync plugin is configured.
func (c *Collab) SyncState() syncplugin.State {
	if c.sync == nil {
		return syncplugin.StateDisconnected
	}
	return c.sync.State()
}

// PluginDegraded reports whether the named plugin ("disk" or "sync") has been
// marked degraded, either after a recovered panic or, for "disk", after
// exhausting its write-retry budget and going read-only.
func (c *Collab) PluginDegraded(name string) bool {
	if name == "disk" && c.disk.Degraded() {
		return true
	}
	return c.pipeline.Degraded(name)
}

// SyncErrors returns the channel the sync plugin uses to surface
// connection-ending events (KickOff, DuplicateConnection) and ack-retry
// exhaustion to the host. It returns nil if no sync plugin is configured.
func (c *Collab) SyncErrors() <-chan error {
	if c.sync == nil {
		return nil
	}
	return c.sync.Errors()
}

// Close flushes every plugin and stops their background work. It does not
// close the shared *bolt.DB — that is the host's responsibility, since one DB
// commonly backs many Collabs.
func (c *Collab) Close(ctx context.Context) error {
	err := c.pipeline.Flush(ctx)
	c.disk.Close()
	if c.sync != nil {
		c.sync.Close()
	}
	return err
}
