package mediator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/metrics"
	"github.com/cuemby/collab/pkg/plugin"
	"github.com/rs/zerolog"
)

// ObserverEvent is delivered to in-process observers after a transaction has
// committed and every plugin has been notified.
type ObserverEvent struct {
	Object crdtkernel.Update
	Origin collabtypes.Origin
}

// Mediator is the single entry point for mutating or merging a Collab's
// document. All callers — the embedding host's local edits and the sync
// plugin's inbound merges alike — go through Mutate/ApplyRemote so that
// commit order, plugin dispatch order, and observer dispatch order are the
// same order for everyone.
type Mediator struct {
	objectID string
	doc      *crdtkernel.Document
	pipeline *plugin.Pipeline
	clientID uint64
	log      zerolog.Logger

	// writeMu serializes the commit+dispatch sequence. crdtkernel.Document is
	// already safe for concurrent use, but without this the order updates are
	// committed in would not match the order plugins/observers see them in.
	writeMu sync.Mutex

	obsMu     sync.RWMutex
	observers map[chan ObserverEvent]struct{}
}

// New builds a mediator for an already-constructed document and pipeline.
// clientID is the kernel client id this process uses for locally authored
// mutations.
func New(objectID string, doc *crdtkernel.Document, pipeline *plugin.Pipeline, clientID uint64, log zerolog.Logger) *Mediator {
	return &Mediator{
		objectID:  objectID,
		doc:       doc,
		pipeline:  pipeline,
		clientID:  clientID,
		log:       log,
		observers: make(map[chan ObserverEvent]struct{}),
	}
}

// Subscribe registers a buffered channel for observer notifications. The
// channel is never closed by the mediator; callers should Unsubscribe when
// done. A full channel has its notification dropped rather than blocking the
// mediator — observers are a best-effort convenience, not a durability
// mechanism (that's what the disk plugin is for).
func (m *Mediator) Subscribe(buffer int) chan ObserverEvent {
	ch := make(chan ObserverEvent, buffer)
	m.obsMu.Lock()
	m.observers[ch] = struct{}{}
	m.obsMu.Unlock()
	return ch
}

// Unsubscribe removes a channel previously returned by Subscribe.
func (m *Mediator) Unsubscribe(ch chan ObserverEvent) {
	m.obsMu.Lock()
	delete(m.observers, ch)
	m.obsMu.Unlock()
}

// Mutate applies a local edit under origin, committing it to the document
// before notifying the plugin pipeline and observers, in that order. A panic
// inside fn is recovered and reported as collabtypes.ErrUpdateApplyFailed so a
// single bad callback cannot take down the mediator.
func (m *Mediator) Mutate(ctx context.Context, origin collabtypes.Origin, fn func(txn *crdtkernel.Txn)) (err error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	update, err := m.safeMutate(fn)
	if err != nil {
		return err
	}
	if update.Empty() {
		return nil
	}

	metrics.MutationsTotal.WithLabelValues(m.objectID, origin.Kind.String()).Inc()
	m.dispatch(ctx, update, origin)
	return nil
}

func (m *Mediator) safeMutate(fn func(txn *crdtkernel.Txn)) (update crdtkernel.Update, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", collabtypes.ErrUpdateApplyFailed, r)
			m.log.Error().Str("object_id", m.objectID).Interface("panic", r).Msg("mutation callback panicked")
		}
	}()
	update = m.doc.Mutate(m.clientID, fn)
	return update, nil
}

// ApplyRemote merges an update received from the sync plugin into the
// document, then runs the same commit-before-notify
// dispatch as a local Mutate. It returns the number of operations that were
// newly applied (zero for an entirely-idempotent replay) and reports a
// detected sequence gap via the second return value.
func (m *Mediator) ApplyRemote(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) (applied int, gap bool) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	applied, gap = m.doc.ApplyUpdate(update)
	if applied == 0 {
		return applied, gap
	}

	metrics.MutationsTotal.WithLabelValues(m.objectID, origin.Kind.String()).Inc()
	if gap {
		m.log.Warn().Str("object_id", m.objectID).Msg("sequence gap detected applying remote update")
	}
	m.dispatch(ctx, update, origin)
	return applied, gap
}

// dispatch notifies the plugin pipeline, then in-process observers. Must be
// called with writeMu held so dispatch order matches commit order.
func (m *Mediator) dispatch(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) {
	m.pipeline.ReceiveUpdate(ctx, update, origin)

	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	evt := ObserverEvent{Object: update, Origin: origin}
	for ch := range m.observers {
		select {
		case ch <- evt:
		default:
			metrics.ObserverDropsTotal.WithLabelValues(m.objectID).Inc()
		}
	}
}

// Read runs fn against the current document under a shared view. fn must not
// retain doc beyond the call.
func (m *Mediator) Read(fn func(doc *crdtkernel.Document)) {
	fn(m.doc)
}

// Document returns the underlying CRDT document, for callers (the disk and
// sync plugins) that need direct read access to compute diffs/snapshots.
func (m *Mediator) Document() *crdtkernel.Document { return m.doc }
