package syncplugin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/collab/pkg/awareness"
	"github.com/cuemby/collab/pkg/collabtypes"
	"github.com/cuemby/collab/pkg/crdtkernel"
	"github.com/cuemby/collab/pkg/metrics"
	"github.com/cuemby/collab/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// maxAckRetries bounds how many times a ClientUpdateSync is re-queued after a
// negative ack before it is given up on and surfaced to the host as an error.
const maxAckRetries = 3

// Applier is the narrow slice of *mediator.Mediator the sync plugin needs: a
// way to merge an inbound update into the document and a way to read the
// document's current state for the handshake. Declaring it locally (instead
// of importing pkg/mediator) keeps mediator -> plugin -> syncplugin free of a
// cycle back to mediator.
type Applier interface {
	ApplyRemote(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) (applied int, gap bool)
	Document() *crdtkernel.Document
}

// Options configures reconnect backoff bounds, matching the protocol design's
// base/cap/jitter numbers, and the outbound queue depth.
type Options struct {
	BackoffInitial   time.Duration // default 500ms
	BackoffMax       time.Duration // default 30s
	BackoffJitter    float64       // default 0.2 (±20%)
	QueueDepth       int           // default 256
	RateLimitPerSec  int           // default 0 (unlimited)
	AwarenessTimeout time.Duration // default 30s
}

func (o Options) withDefaults() Options {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	if o.BackoffJitter <= 0 {
		o.BackoffJitter = 0.2
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.AwarenessTimeout <= 0 {
		o.AwarenessTimeout = 30 * time.Second
	}
	return o
}

// pendingAck tracks a sent ClientUpdateSync awaiting its CollabAck, so a
// negative ack can re-queue the same frame head-of-line instead of losing it.
type pendingAck struct {
	msg      wire.ClientUpdateSync
	attempts int
}

// Plugin is the sync plugin: one duplex channel per object, driven by the
// protocol state machine in state.go.
type Plugin struct {
	obj          collabtypes.ObjectId
	ctype        collabtypes.CollabType
	transport    Transport
	applier      Applier
	clientOrigin collabtypes.Origin
	opts         Options
	log          zerolog.Logger

	state   stateBox
	breaker *gobreaker.CircuitBreaker

	outbound   chan wire.Message
	retryQueue chan wire.Message
	nextMsgID  atomic.Uint64
	lastSeq    atomic.Uint64

	pendingMu   sync.Mutex
	pendingAcks map[uint64]*pendingAck

	// terminal is set when the server ends the connection out-of-band
	// (KickOff, DuplicateConnection); once set, run's reconnect loop exits
	// instead of retrying. kickedCh wakes up a blocked serve loop the
	// instant that happens.
	terminal atomic.Bool
	kickedCh chan struct{}
	kickOnce sync.Once

	// errCh surfaces terminal and per-update errors to the host: KickOff,
	// DuplicateConnection, and ack-retry exhaustion. Buffered and drained
	// best-effort; a full channel only drops the notification, never blocks
	// the connection loop.
	errCh chan error

	// throttleUntil holds a UnixNano deadline set by an inbound RateLimit
	// frame; rateLimit() sleeps until it has passed.
	throttleUntil atomic.Int64

	awareness *awareness.Set

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastSend time.Time
	sendMu   sync.Mutex
}

// New builds a sync plugin for obj of the given collab type. clientOrigin
// identifies this process to the server and is used by the loop-guard: a BroadcastSync whose Origin matches clientOrigin is the echo
// of this device's own update and is discarded rather than re-applied.
func New(obj collabtypes.ObjectId, transport Transport, applier Applier, clientOrigin collabtypes.Origin, ctype collabtypes.CollabType, opts Options, log zerolog.Logger) *Plugin {
	opts = opts.withDefaults()
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "syncplugin:" + obj.String(),
		MaxRequests: 1,
		Interval:    0,
		Timeout:     opts.BackoffMax,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &Plugin{
		obj:          obj,
		ctype:        ctype,
		transport:    transport,
		applier:      applier,
		clientOrigin: clientOrigin,
		opts:         opts,
		log:          log,
		breaker:      breaker,
		outbound:     make(chan wire.Message, opts.QueueDepth),
		retryQueue:   make(chan wire.Message, opts.QueueDepth),
		pendingAcks:  make(map[uint64]*pendingAck),
		awareness:    awareness.New(),
		stopCh:       make(chan struct{}),
		kickedCh:     make(chan struct{}),
		errCh:        make(chan error, 8),
	}
}

func (p *Plugin) Name() string { return "sync" }

// Init is a no-op for the sync plugin: unlike the disk plugin it has no
// persisted state of its own to replay. The connection loop is started
// separately via Start, after the pipeline (and therefore the disk plugin's
// replay) has finished initializing — the handshake needs the document in its
// fully-replayed state before announcing a state vector.
func (p *Plugin) Init(ctx context.Context) error { return nil }

func (p *Plugin) DidInit(ctx context.Context) {}

// Start begins the connect/handshake/serve/reconnect loop. Call once, after
// the owning Collab has finished pipeline.Init.
func (p *Plugin) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// ReceiveUpdate enqueues a locally authored update for send. Updates whose
// origin is the server are never re-queued — that is the loop-guard: an
// update this plugin itself just applied from a BroadcastSync frame must not
// bounce back to the server that sent it.
func (p *Plugin) ReceiveUpdate(ctx context.Context, update crdtkernel.Update, origin collabtypes.Origin) {
	if origin.Kind == collabtypes.OriginServer || update.Empty() {
		return
	}
	msg := wire.ClientUpdateSync{
		ObjectID: p.obj.ID,
		MsgID:    p.nextMsgID.Add(1),
		Origin:   origin,
		Update:   encodeUpdate(update),
	}

	select {
	case p.outbound <- msg:
		metrics.SyncOutboundQueueDepth.WithLabelValues(p.obj.String()).Set(float64(len(p.outbound)))
	default:
		p.log.Warn().Str("object_id", p.obj.String()).Msg("sync outbound queue full; update will be recovered by next handshake diff")
	}
}

// Flush waits briefly for the outbound queue to drain. It does not guarantee
// delivery — only that the writer has had a chance to hand every currently
// queued frame to the transport — since delivery depends on an active
// connection the sync plugin cannot conjure on demand.
func (p *Plugin) Flush(ctx context.Context) error {
	deadline := time.Now().Add(2 * time.Second)
	for len(p.outbound) > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}

// Reset clears the awareness set; the connection loop is left running.
func (p *Plugin) Reset(ctx context.Context) error {
	p.awareness = awareness.New()
	return nil
}

// Close stops the connection loop.
func (p *Plugin) Close() {
	close(p.stopCh)
	p.wg.Wait()
}

// State returns the current protocol state, for inspection/metrics.
func (p *Plugin) State() State { return p.state.get() }

// Errors returns the channel the host should drain to learn about
// connection-ending events (KickOff, DuplicateConnection) and update-level
// failures (ack-retry exhaustion) the plugin cannot resolve on its own.
func (p *Plugin) Errors() <-chan error { return p.errCh }

// SendAwareness queues a local awareness update for the next Live connection.
func (p *Plugin) SendAwareness(clientID uint64, payload []byte) {
	p.awareness.Apply(clientID, payload, time.Now())
	select {
	case p.outbound <- wire.AwarenessSync{ObjectID: p.obj.ID, ClientID: clientID, Origin: p.clientOrigin, Payload: payload}:
	default:
	}
}

// Awareness returns the current merged presence set for the object.
func (p *Plugin) Awareness() *awareness.Set { return p.awareness }

func (p *Plugin) notify(err error) {
	select {
	case p.errCh <- err:
	default:
		p.log.Warn().Err(err).Str("object_id", p.obj.String()).Msg("sync error channel full; dropping notification")
	}
}

// kickOff marks the plugin terminal and wakes any blocked serve loop. Once
// terminal, run's reconnect loop exits instead of retrying: per the protocol
// design, KickOff and DuplicateConnection end the connection for good and
// leave it to the host application to decide what happens next.
func (p *Plugin) kickOff(err error) {
	p.terminal.Store(true)
	p.notify(err)
	p.kickOnce.Do(func() { close(p.kickedCh) })
}

func (p *Plugin) run(ctx context.Context) {
	defer p.wg.Done()
	defer p.state.set(StateClosed)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.BackoffInitial
	b.MaxInterval = p.opts.BackoffMax
	b.RandomizationFactor = p.opts.BackoffJitter
	b.Multiplier = 2

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.kickedCh:
			return
		default:
		}

		p.state.set(StateConnecting)
		metrics.SyncReconnectsTotal.WithLabelValues(p.obj.String()).Inc()

		connIface, err := p.breaker.Execute(func() (interface{}, error) {
			return p.transport.Dial(ctx)
		})
		if err != nil {
			p.log.Warn().Err(err).Str("object_id", p.obj.String()).Msg("sync dial failed")
			if !p.sleepBackoff(ctx, b) {
				return
			}
			continue
		}
		conn := connIface.(Conn)

		p.state.set(StateHandshaking)
		if err := p.handshake(ctx, conn); err != nil {
			p.log.Warn().Err(err).Str("object_id", p.obj.String()).Msg("sync handshake failed")
			_ = conn.Close()
			if !p.sleepBackoff(ctx, b) {
				return
			}
			continue
		}

		b.Reset()
		p.state.set(StateLive)
		p.serve(ctx, conn)
		_ = conn.Close()

		if p.terminal.Load() {
			return
		}

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		p.state.set(StateReconnecting)
		if !p.sleepBackoff(ctx, b) {
			return
		}
	}
}

func (p *Plugin) sleepBackoff(ctx context.Context, b *backoff.ExponentialBackOff) bool {
	d := b.NextBackOff()
	select {
	case <-time.After(d):
		return true
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-p.kickedCh:
		return false
	}
}

func (p *Plugin) handshake(ctx context.Context, conn Conn) error {
	sv := p.applier.Document().StateVector()
	init := wire.ClientInitSync{
		WorkspaceID: p.obj.WorkspaceID,
		ObjectID:    p.obj.ID,
		CollabType:  string(p.ctype),
		MsgID:       p.nextMsgID.Add(1),
		Origin:      p.clientOrigin,
		StateVector: crdtkernel.EncodeStateVector(sv),
	}
	if err := conn.WriteMessage(wire.Encode(init)); err != nil {
		return err
	}

	raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	msg, err := wire.Decode(raw)
	if err != nil {
		return err
	}
	resp, ok := msg.(wire.ServerInitSync)
	if !ok {
		return fmt.Errorf("%w: expected ServerInitSync, got %T", collabtypes.ErrHandshakeRejected, msg)
	}

	update, err := decodeUpdate(resp.Update)
	if err != nil {
		return err
	}
	if _, gap := p.applier.ApplyRemote(ctx, update, collabtypes.Server); gap {
		p.log.Warn().Str("object_id", p.obj.String()).Msg("gap while applying handshake delta")
	}

	// Reply with whatever the server is missing, computed against the state
	// vector it sent, so edits made while disconnected reach it.
	serverSV, err := crdtkernel.DecodeStateVector(resp.StateVector)
	if err != nil {
		return err
	}
	reply := p.applier.Document().Diff(serverSV)
	if reply.Empty() {
		return nil
	}
	out := wire.ClientUpdateSync{ObjectID: p.obj.ID, MsgID: p.nextMsgID.Add(1), Origin: p.clientOrigin, Update: encodeUpdate(reply)}
	p.registerPending(out)
	return conn.WriteMessage(wire.Encode(out))
}

func (p *Plugin) serve(ctx context.Context, conn Conn) {
	inbound := make(chan wire.Message, 32)
	readErr := make(chan error, 1)

	go func() {
		for {
			raw, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			msg, err := wire.Decode(raw)
			if err != nil {
				p.log.Warn().Err(err).Str("object_id", p.obj.String()).Msg("discarding malformed frame")
				continue
			}
			select {
			case inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	expiry := time.NewTicker(p.opts.AwarenessTimeout)
	defer expiry.Stop()

	for {
		// Retries take priority over fresh sends: drain a head-of-line
		// re-queued frame before considering anything else ready.
		select {
		case retryMsg := <-p.retryQueue:
			if !p.sendFrame(conn, retryMsg) {
				return
			}
			continue
		default:
		}

		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-p.kickedCh:
			return
		case <-readErr:
			return
		case msg := <-inbound:
			p.handleInbound(ctx, msg)
		case <-expiry.C:
			p.awareness.Expire(time.Now().Add(-p.opts.AwarenessTimeout))
		case retryMsg := <-p.retryQueue:
			if !p.sendFrame(conn, retryMsg) {
				return
			}
		case out := <-p.outbound:
			if !p.sendFrame(conn, out) {
				return
			}
		}
	}
}

// sendFrame writes a single frame to the wire, registering ClientUpdateSync
// frames for ack correlation before the write so a reply that races the
// return of WriteMessage is never mistaken for an unknown ack.
func (p *Plugin) sendFrame(conn Conn, out wire.Message) bool {
	p.rateLimit()
	if cu, ok := out.(wire.ClientUpdateSync); ok {
		p.registerPending(cu)
	}
	if err := conn.WriteMessage(wire.Encode(out)); err != nil {
		// Putting it back at the front isn't possible with a plain channel;
		// the handshake's reply delta on the next connection resends
		// whatever the server is missing. Pending acks have no timeout.
		return false
	}
	metrics.SyncOutboundQueueDepth.WithLabelValues(p.obj.String()).Set(float64(len(p.outbound)))
	return true
}

func (p *Plugin) registerPending(m wire.ClientUpdateSync) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	if _, ok := p.pendingAcks[m.MsgID]; !ok {
		p.pendingAcks[m.MsgID] = &pendingAck{msg: m}
	}
}

func (p *Plugin) handleInbound(ctx context.Context, msg wire.Message) {
	switch m := msg.(type) {
	case wire.BroadcastSync:
		last := p.lastSeq.Load()
		if m.SeqNum <= last && last != 0 {
			return // already applied, idempotent skip
		}
		if last != 0 && m.SeqNum > last+1 {
			metrics.SyncGapsTotal.WithLabelValues(p.obj.String()).Inc()
			p.log.Warn().Str("object_id", p.obj.String()).Uint64("seq", m.SeqNum).Uint64("last", last).Msg("broadcast sequence gap")
		}
		p.lastSeq.Store(m.SeqNum)
		if m.Origin.SameSource(p.clientOrigin) {
			return // loop-guard: this is our own update relayed back
		}
		update, err := decodeUpdate(m.Update)
		if err != nil {
			p.log.Error().Err(err).Str("object_id", p.obj.String()).Msg("discarding malformed broadcast update")
			return
		}
		p.applier.ApplyRemote(ctx, update, collabtypes.Server)
	case wire.AwarenessSync:
		p.awareness.Apply(m.ClientID, m.Payload, time.Now())
	case wire.Ack:
		p.handleAck(m)
	case wire.KickOff:
		p.log.Warn().Str("object_id", p.obj.String()).Str("reason", m.Reason).Msg("kicked off by server")
		p.kickOff(fmt.Errorf("%w: %s", collabtypes.ErrKickedOff, m.Reason))
	case wire.DuplicateConnection:
		p.log.Warn().Str("object_id", p.obj.String()).Msg("superseded by a duplicate connection")
		p.kickOff(collabtypes.ErrDuplicateConnection)
	case wire.RateLimit:
		until := time.Now().Add(time.Duration(m.RetryAfterMs) * time.Millisecond)
		p.throttleUntil.Store(until.UnixNano())
		p.log.Debug().Str("object_id", p.obj.String()).Dur("retry_after", time.Duration(m.RetryAfterMs)*time.Millisecond).Msg("server requested rate limit backoff")
	default:
		p.log.Warn().Str("object_id", p.obj.String()).Msgf("unexpected frame type %T on live channel", m)
	}
}

// handleAck correlates a CollabAck against its pending ClientUpdateSync. A
// positive ack clears it; a negative ack re-queues it head-of-line up to
// maxAckRetries, after which it is dropped and surfaced to the host as an
// AckError.
func (p *Plugin) handleAck(m wire.Ack) {
	p.pendingMu.Lock()
	pa, ok := p.pendingAcks[m.MsgID]
	if ok && m.Code == 0 {
		delete(p.pendingAcks, m.MsgID)
	}
	p.pendingMu.Unlock()

	if !ok {
		p.log.Debug().Str("object_id", p.obj.String()).Uint64("msg_id", m.MsgID).Msg("ack for unknown or already-resolved update")
		return
	}

	if m.Code == 0 {
		if m.SeqNum > p.lastSeq.Load() {
			p.lastSeq.Store(m.SeqNum)
		}
		metrics.SyncAcksTotal.WithLabelValues(p.obj.String(), "ok").Inc()
		return
	}

	metrics.SyncAcksTotal.WithLabelValues(p.obj.String(), "rejected").Inc()
	pa.attempts++
	if pa.attempts > maxAckRetries {
		p.pendingMu.Lock()
		delete(p.pendingAcks, m.MsgID)
		p.pendingMu.Unlock()
		p.log.Error().Str("object_id", p.obj.String()).Uint64("msg_id", m.MsgID).Uint32("code", m.Code).Msg("update exhausted ack retries")
		p.notify(&collabtypes.AckError{Code: m.Code, Message: "update rejected after max retries"})
		return
	}

	select {
	case p.retryQueue <- pa.msg:
	default:
		p.pendingMu.Lock()
		delete(p.pendingAcks, m.MsgID)
		p.pendingMu.Unlock()
		p.log.Error().Str("object_id", p.obj.String()).Uint64("msg_id", m.MsgID).Msg("retry queue saturated, dropping update")
		p.notify(&collabtypes.AckError{Code: m.Code, Message: "retry queue saturated"})
	}
}

func (p *Plugin) rateLimit() {
	if wait := time.Until(time.Unix(0, p.throttleUntil.Load())); wait > 0 {
		time.Sleep(wait)
	}
	if p.opts.RateLimitPerSec <= 0 {
		return
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	minGap := time.Second / time.Duration(p.opts.RateLimitPerSec)
	if wait := minGap - time.Since(p.lastSend); wait > 0 {
		time.Sleep(wait)
	}
	p.lastSend = time.Now()
}

func encodeUpdate(u crdtkernel.Update) []byte { return u.Marshal() }

func decodeUpdate(b []byte) (crdtkernel.Update, error) { return crdtkernel.UnmarshalUpdate(b) }
