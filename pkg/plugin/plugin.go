package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/rs/zerolog"
)

// Plugin is implemented by every pipeline stage (disk persistence, remote
// sync, and any other observer the host wires in). A plugin's ReceiveUpdate
// must return quickly and without touching the document: real work belongs on
// a goroutine the plugin owns, fed through its own channel.
type Plugin interface {
	// Name identifies the plugin in logs and metrics labels.
	Name() string
	// Init runs once, in registration order, before the Collab is usable. It
	// may block — this is where the disk plugin replays its persisted
	// snapshot into the kernel, for instance.
	Init(ctx context.Context) error
	// DidInit runs once, after every plugin's Init has returned successfully.
	DidInit(ctx context.Context)
	// ReceiveUpdate is called after every committed transaction, in
	// registration order, while the mediator holds its commit lock (no
	// document lock is held). It must return quickly; at most it may wait for
	// room in its own bounded queue, as the disk plugin does under backpressure.
	ReceiveUpdate(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin)
	// Flush asks the plugin to push any buffered work to completion (used
	// before a clean shutdown).
	Flush(ctx context.Context) error
	// Reset asks the plugin to drop any local state and re-derive it from the
	// document (used for recovery after the plugin was marked degraded).
	Reset(ctx context.Context) error
}

type slot struct {
	plugin   Plugin
	degraded bool
}

// Pipeline holds an ordered, append-only set of plugins and fans lifecycle
// events out to them, isolating a panicking plugin from its neighbors and
// from the mediator that drives the pipeline.
type Pipeline struct {
	mu    sync.RWMutex
	slots []*slot
	log   zerolog.Logger
}

// New returns an empty pipeline. log is used to report panics and degraded
// transitions; pass zerolog.Nop() in tests that don't care.
func New(log zerolog.Logger) *Pipeline {
	return &Pipeline{log: log}
}

// Register appends a plugin to the pipeline. Registration is append-only:
// there is no remove operation, since deregistering a plugin mid-session
// would leave the disk/sync state it was maintaining inconsistent.
func (p *Pipeline) Register(pl Plugin) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append(p.slots, &slot{plugin: pl})
}

// Init runs every plugin's Init in registration order, stopping at the first
// error (a plugin that cannot initialize leaves the Collab unusable, per the
// design's "no partially initialized object" stance).
func (p *Pipeline) Init(ctx context.Context) error {
	p.mu.RLock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.RUnlock()

	for _, s := range slots {
		if err := s.plugin.Init(ctx); err != nil {
			return fmt.Errorf("plugin %s: init: %w", s.plugin.Name(), err)
		}
	}
	return nil
}

// DidInit runs every plugin's DidInit, in registration order, after Init has
// succeeded for all of them.
func (p *Pipeline) DidInit(ctx context.Context) {
	p.mu.RLock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.RUnlock()

	for _, s := range slots {
		p.guard(s, func() { s.plugin.DidInit(ctx) })
	}
}

// ReceiveUpdate dispatches a committed update to every non-degraded plugin in
// registration order. A panic in one plugin is recovered, logged, and marks
// that plugin degraded; it does not stop dispatch to the remaining plugins.
func (p *Pipeline) ReceiveUpdate(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) {
	p.mu.RLock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.RUnlock()

	for _, s := range slots {
		if s.degraded {
			continue
		}
		p.guard(s, func() { s.plugin.ReceiveUpdate(ctx, update, origin) })
	}
}

// Flush calls Flush on every plugin, collecting the first error but still
// attempting every plugin (a slow or failing disk flush shouldn't block the
// sync plugin from also trying to flush its queue before shutdown).
func (p *Pipeline) Flush(ctx context.Context) error {
	p.mu.RLock()
	slots := append([]*slot(nil), p.slots...)
	p.mu.RUnlock()

	var first error
	for _, s := range slots {
		if err := s.plugin.Flush(ctx); err != nil && first == nil {
			first = fmt.Errorf("plugin %s: flush: %w", s.plugin.Name(), err)
		}
	}
	return first
}

// Reset calls Reset on every plugin and clears the degraded bit on success,
// giving a previously panicking plugin a chance to rejoin dispatch.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var first error
	for _, s := range p.slots {
		if err := s.plugin.Reset(ctx); err != nil {
			if first == nil {
				first = fmt.Errorf("plugin %s: reset: %w", s.plugin.Name(), err)
			}
			continue
		}
		s.degraded = false
	}
	return first
}

// Degraded reports whether the named plugin is currently excluded from
// ReceiveUpdate dispatch after a recovered panic.
func (p *Pipeline) Degraded(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, s := range p.slots {
		if s.plugin.Name() == name {
			return s.degraded
		}
	}
	return false
}

func (p *Pipeline) guard(s *slot, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.mu.Lock()
			s.degraded = true
			p.mu.Unlock()
			p.log.Error().
				Str("plugin", s.plugin.Name()).
				Interface("panic", r).
				Msg("plugin panicked handling pipeline event; marking degraded")
		}
	}()
	fn()
}
