// Package monitor serves the operational HTTP surface: /health
// aggregates the component heartbeats from the cache plus the database
// pool state, /metrics exposes the Prometheus registry.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/persistence"
)

const shutdownTimeout = 30 * time.Second

// Overall status values reported by /health.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
	StatusCritical = "critical"
)

// HeartbeatReader lists and reads the health:* keys written by the
// pipeline processes. *cache.Client satisfies this.
type HeartbeatReader interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// Options wires a Server. Metrics is required; Beats and DB are
// optional and simply narrow what /health can report.
type Options struct {
	Addr    string
	Beats   HeartbeatReader
	DB      persistence.RepositoryHealth
	Metrics *metrics.Registry

	// Expected lists component names whose heartbeat must be present
	// for a healthy verdict.
	Expected []string

	Log zerolog.Logger
}

// Server is the monitoring HTTP server.
type Server struct {
	srv *http.Server
	h   *handlers
	log zerolog.Logger
}

type handlers struct {
	beats    HeartbeatReader
	db       persistence.RepositoryHealth
	expected []string
	log      zerolog.Logger
	now      func() time.Time
}

// NewServer builds the router and the underlying http.Server.
func NewServer(opts Options) (*Server, error) {
	if opts.Metrics == nil {
		return nil, errors.New("monitor server requires a metrics registry")
	}

	h := &handlers{
		beats:    opts.Beats,
		db:       opts.DB,
		expected: opts.Expected,
		log:      opts.Log,
		now:      time.Now,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.Handle("/metrics", opts.Metrics.Handler()).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:         opts.Addr,
			Handler:      r,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		h:   h,
		log: opts.Log,
	}, nil
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	s.log.Info().
		Str("health", fmt.Sprintf("http://%s/health", s.srv.Addr)).
		Str("metrics", fmt.Sprintf("http://%s/metrics", s.srv.Addr)).
		Msg("monitor server listening")

	select {
	case err := <-serverErr:
		return fmt.Errorf("monitor server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	s.log.Info().Msg("monitor server stopped")
	return nil
}

// healthResponse aggregates everything /health knows. Component blobs
// are passed through verbatim; each process owns its own shape.
type healthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Components map[string]json.RawMessage `json:"components"`
	Missing    []string                   `json:"missing,omitempty"`
	Database   *persistence.HealthCheck   `json:"database,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		Status:     StatusHealthy,
		Timestamp:  h.now(),
		Components: map[string]json.RawMessage{},
	}

	if h.beats != nil {
		keys, err := h.beats.ScanKeys(ctx, "health:*")
		if err != nil {
			h.log.Warn().Err(err).Msg("heartbeat scan failed")
			resp.Status = StatusDegraded
		}
		for _, key := range keys {
			blob, err := h.beats.Get(ctx, key)
			if err != nil {
				// Expired between scan and read; absence is the signal.
				continue
			}
			resp.Components[strings.TrimPrefix(key, "health:")] = json.RawMessage(blob)
		}
	}

	for _, want := range h.expected {
		if _, ok := resp.Components[want]; !ok {
			resp.Missing = append(resp.Missing, want)
		}
	}
	sort.Strings(resp.Missing)
	if len(resp.Missing) > 0 {
		resp.Status = StatusDegraded
	}

	if h.db != nil {
		check := h.db.Health(ctx)
		resp.Database = &check
		if !check.Healthy {
			resp.Status = StatusCritical
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if resp.Status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error().Err(err).Msg("failed to encode health response")
	}
}
