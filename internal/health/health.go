// Package health exposes the liveness and readiness endpoints polled by the
// orchestrator, plus the Prometheus scrape endpoint, on a port separate from
// the connection endpoint.
package health

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"notify-relay/internal/conntable"
	"notify-relay/internal/metrics"
	"notify-relay/internal/version"
)

// RegistryStatus is the slice of the registry client the reporter reads.
type RegistryStatus interface {
	Connected() bool
	LastRoundTrip() time.Time
}

// Reporter computes the health signals. Liveness degrades when the store has
// not answered within the window; readiness flips during drain so the load
// balancer stops routing here while existing connections finish.
type Reporter struct {
	table    *conntable.Table
	reg      RegistryStatus
	draining func() bool
	window   time.Duration
	started  time.Time
}

func NewReporter(table *conntable.Table, reg RegistryStatus, draining func() bool, window time.Duration) *Reporter {
	return &Reporter{
		table:    table,
		reg:      reg,
		draining: draining,
		window:   window,
		started:  time.Now(),
	}
}

type livenessResponse struct {
	Status            string  `json:"status"`
	ConnectionCount   int     `json:"connectionCount"`
	RegistryConnected bool    `json:"registryConnected"`
	Uptime            float64 `json:"uptime"`
	Timestamp         int64   `json:"timestamp"`
	Version           string  `json:"version"`
	MemoryMB          float64 `json:"memoryMb,omitempty"`
}

type readinessResponse struct {
	Ready     bool            `json:"ready"`
	Checks    readinessChecks `json:"checks"`
	Timestamp int64           `json:"timestamp"`
}

type readinessChecks struct {
	Registry bool `json:"registry"`
	Server   bool `json:"server"`
}

// Liveness reports process health. Unhealthy means the store has been
// unreachable past the window; the orchestrator's response (restart) is the
// designed recovery path.
func (r *Reporter) Liveness(w http.ResponseWriter, req *http.Request) {
	healthy := time.Since(r.reg.LastRoundTrip()) <= r.window

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	resp := livenessResponse{
		Status:            status,
		ConnectionCount:   r.table.Len(),
		RegistryConnected: r.reg.Connected(),
		Uptime:            time.Since(r.started).Seconds(),
		Timestamp:         time.Now().Unix(),
		Version:           version.Version,
		MemoryMB:          processMemoryMB(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(resp)
}

// Readiness reports whether this instance should receive new connections.
func (r *Reporter) Readiness(w http.ResponseWriter, req *http.Request) {
	checks := readinessChecks{
		Registry: r.reg.Connected(),
		Server:   !r.draining(),
	}
	ready := checks.Registry && checks.Server

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(readinessResponse{
		Ready:     ready,
		Checks:    checks,
		Timestamp: time.Now().Unix(),
	})
}

func processMemoryMB() float64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return float64(info.RSS) / 1024 / 1024
}

// Server hosts the health and metrics endpoints.
type Server struct {
	httpSrv *http.Server
	logger  zerolog.Logger
}

func NewServer(addr string, reporter *Reporter, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", reporter.Liveness)
	mux.HandleFunc("/readyz", reporter.Readiness)
	mux.Handle("/metrics", metrics.Handler())

	return &Server{
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("Health endpoints listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Health server error")
		}
	}()
}

// Stop shuts the health server down. Called last so the orchestrator sees
// not-ready for the whole drain.
func (s *Server) Stop() {
	s.httpSrv.Close()
}
