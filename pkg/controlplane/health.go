package controlplane

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/collab/pkg/metrics"
)

// Version is set by the build (ldflags) in cmd/collabd; it defaults to "dev"
// so a locally built binary still reports something sensible.
var Version = "dev"

// Checker lets the health server ask the running collabd process whether it
// considers itself ready, without the controlplane package importing
// pkg/collab directly (the caller decides which subsystems count toward
// "ready"; collabd serve reports on the one Collab it opens).
type Checker interface {
	// Checks returns one status string per named subsystem (e.g. "disk",
	// "sync"), and whether the process as a whole is ready to serve.
	Checks() (ready bool, checks map[string]string)
}

// HealthServer serves /health, /ready and /metrics over HTTP.
type HealthServer struct {
	checker Checker
	mux     *http.ServeMux
}

// NewHealthServer builds a health server. checker may be nil, in which case
// /ready always reports ready (useful for a disk-only, no-sync embedding).
func NewHealthServer(checker Checker) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{checker: checker, mux: mux}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start blocks serving HTTP on addr.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

// Handler returns the HTTP handler for embedding in another mux.
func (hs *HealthServer) Handler() http.Handler { return hs.mux }

// HealthResponse is the /health liveness payload.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse is the /ready readiness payload.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
	})
}

func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := true
	checks := map[string]string{}
	if hs.checker != nil {
		ready, checks = hs.checker.Checks()
	}

	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not ready"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
