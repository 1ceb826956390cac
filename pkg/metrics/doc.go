// Package metrics defines and registers the collaboration runtime's
// Prometheus metrics: mediator throughput, disk plugin write/compaction
// activity, and sync protocol state. Metrics are exposed for scraping via
// Handler(), mounted by pkg/controlplane alongside the health and readiness
// endpoints.
package metrics
