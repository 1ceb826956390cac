package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mediator metrics
	MutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_mutations_total",
			Help: "Total number of committed mutations by object and origin kind",
		},
		[]string{"object_id", "origin"},
	)

	MutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_mutation_duration_seconds",
			Help:    "Time spent applying a mutation and dispatching it to the pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"object_id"},
	)

	ObserverDropsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_observer_drops_total",
			Help: "Observer notifications dropped because the subscriber channel was full",
		},
		[]string{"object_id"},
	)

	PluginPanicsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_plugin_panics_total",
			Help: "Panics recovered from a plugin, by plugin name",
		},
		[]string{"plugin"},
	)

	// Disk plugin metrics
	DiskWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_disk_writes_total",
			Help: "Total number of update records written to the embedded store",
		},
		[]string{"object_id"},
	)

	DiskWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_disk_write_duration_seconds",
			Help:    "Duration of a single batched write to the embedded store",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"object_id"},
	)

	CompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_compactions_total",
			Help: "Total number of snapshot compactions performed, by trigger reason",
		},
		[]string{"object_id", "reason"},
	)

	PendingUpdatesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_disk_pending_updates",
			Help: "Updates recorded since the last compaction for an object",
		},
		[]string{"object_id"},
	)

	DiskDegradedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_disk_degraded",
			Help: "1 if the disk plugin has exhausted its write-retry budget and gone read-only for this object",
		},
		[]string{"object_id"},
	)

	// Sync plugin metrics
	SyncStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_sync_state",
			Help: "Current sync protocol state (1 = current state, one series per state label)",
		},
		[]string{"object_id", "state"},
	)

	SyncReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_sync_reconnects_total",
			Help: "Total number of reconnect attempts made by the sync plugin",
		},
		[]string{"object_id"},
	)

	SyncOutboundQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collab_sync_outbound_queue_depth",
			Help: "Number of frames currently queued for send on the sync channel",
		},
		[]string{"object_id"},
	)

	SyncAcksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_sync_acks_total",
			Help: "Total acks received on the sync channel by outcome",
		},
		[]string{"object_id", "outcome"},
	)

	SyncGapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_sync_sequence_gaps_total",
			Help: "Total number of broadcast sequence gaps detected",
		},
		[]string{"object_id"},
	)
)

func init() {
	prometheus.MustRegister(
		MutationsTotal,
		MutationDuration,
		ObserverDropsTotal,
		PluginPanicsTotal,
		DiskWritesTotal,
		DiskWriteDuration,
		CompactionsTotal,
		PendingUpdatesGauge,
		DiskDegradedGauge,
		SyncStateGauge,
		SyncReconnectsTotal,
		SyncOutboundQueueDepth,
		SyncAcksTotal,
		SyncGapsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for mounting on a control-plane
// mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and observing it against a
// histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram vec.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
