package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/persistence"
)

type fakeBeats struct {
	blobs   map[string]string
	scanErr error
}

func (f *fakeBeats) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range f.blobs {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (f *fakeBeats) Get(_ context.Context, key string) ([]byte, error) {
	blob, ok := f.blobs[key]
	if !ok {
		return nil, errors.New("miss")
	}
	return []byte(blob), nil
}

type fakeDBHealth struct {
	check persistence.HealthCheck
}

func (f *fakeDBHealth) Health(context.Context) persistence.HealthCheck { return f.check }
func (f *fakeDBHealth) Ping(context.Context) error                    { return nil }
func (f *fakeDBHealth) Stats(context.Context) map[string]interface{}  { return nil }

func newTestServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewRegistry()
	}
	opts.Log = zerolog.Nop()
	srv, err := NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func getHealth(t *testing.T, srv *Server) (int, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode health response: %v\n%s", err, rec.Body.String())
	}
	return rec.Code, resp
}

func TestHealthAggregatesHeartbeats(t *testing.T) {
	beats := &fakeBeats{blobs: map[string]string{
		"health:ingest":  `{"packets_received":1200}`,
		"health:signals": `{"evaluations":42,"market_state":"neutral"}`,
	}}
	srv := newTestServer(t, Options{
		Beats:    beats,
		DB:       &fakeDBHealth{check: persistence.HealthCheck{Healthy: true}},
		Expected: []string{"ingest", "signals"},
	})

	code, resp := getHealth(t, srv)
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", code)
	}
	if resp.Status != StatusHealthy {
		t.Fatalf("status = %q, want healthy", resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Fatalf("got %d components, want 2", len(resp.Components))
	}

	var signals map[string]interface{}
	if err := json.Unmarshal(resp.Components["signals"], &signals); err != nil {
		t.Fatalf("signals blob not passed through: %v", err)
	}
	if signals["market_state"] != "neutral" {
		t.Fatalf("signals blob = %v", signals)
	}
	if resp.Database == nil || !resp.Database.Healthy {
		t.Fatalf("database section = %+v", resp.Database)
	}
}

func TestHealthReportsMissingComponents(t *testing.T) {
	beats := &fakeBeats{blobs: map[string]string{
		"health:ingest": `{}`,
	}}
	srv := newTestServer(t, Options{
		Beats:    beats,
		Expected: []string{"ingest", "signals", "worker"},
	})

	code, resp := getHealth(t, srv)
	if code != http.StatusOK {
		t.Fatalf("status code = %d, want 200 for degraded", code)
	}
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded", resp.Status)
	}
	if len(resp.Missing) != 2 || resp.Missing[0] != "signals" || resp.Missing[1] != "worker" {
		t.Fatalf("missing = %v, want [signals worker]", resp.Missing)
	}
}

func TestHealthCriticalOnDatabaseFailure(t *testing.T) {
	srv := newTestServer(t, Options{
		Beats: &fakeBeats{blobs: map[string]string{"health:ingest": `{}`}},
		DB: &fakeDBHealth{check: persistence.HealthCheck{
			Healthy: false,
			Errors:  []string{"ping failed: connection refused"},
		}},
	})

	code, resp := getHealth(t, srv)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status code = %d, want 503", code)
	}
	if resp.Status != StatusCritical {
		t.Fatalf("status = %q, want critical", resp.Status)
	}
	if len(resp.Database.Errors) != 1 {
		t.Fatalf("database errors = %v", resp.Database.Errors)
	}
}

func TestHealthDegradedOnScanFailure(t *testing.T) {
	srv := newTestServer(t, Options{
		Beats: &fakeBeats{scanErr: errors.New("redis down")},
	})

	_, resp := getHealth(t, srv)
	if resp.Status != StatusDegraded {
		t.Fatalf("status = %q, want degraded when the scan fails", resp.Status)
	}
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.SignalEvals.Inc()
	srv := newTestServer(t, Options{Metrics: reg})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "tickflow_signal_evals_total 1") {
		t.Fatalf("exposition missing counter:\n%s", rec.Body.String())
	}
}

func TestHealthRejectsNonGET(t *testing.T) {
	srv := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status code = %d, want 405", rec.Code)
	}
}

func TestServerRequiresMetrics(t *testing.T) {
	if _, err := NewServer(Options{}); err == nil {
		t.Fatal("want an error without a metrics registry")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := newTestServer(t, Options{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
