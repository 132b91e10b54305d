package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegistryIsIndependent(t *testing.T) {
	// Two registries must coexist without registration panics.
	a := NewRegistry()
	b := NewRegistry()

	a.TicksPublished.Inc()
	b.TicksPublished.Add(5)

	if got := a.Snapshot()["ticks_published"]; got != 1 {
		t.Errorf("registry a ticks_published = %v, want 1", got)
	}
	if got := b.Snapshot()["ticks_published"]; got != 5 {
		t.Errorf("registry b ticks_published = %v, want 5", got)
	}
}

func TestSnapshotReadsCounters(t *testing.T) {
	r := NewRegistry()

	r.TicksMerged.Add(42)
	r.ResolveFailures.Inc()
	r.SignalEvals.Add(3)

	snap := r.Snapshot()

	if snap["ticks_merged"] != 42 {
		t.Errorf("ticks_merged = %v, want 42", snap["ticks_merged"])
	}
	if snap["resolve_failures"] != 1 {
		t.Errorf("resolve_failures = %v, want 1", snap["resolve_failures"])
	}
	if snap["signal_evals"] != 3 {
		t.Errorf("signal_evals = %v, want 3", snap["signal_evals"])
	}
	if snap["dead_lettered"] != 0 {
		t.Errorf("dead_lettered = %v, want 0", snap["dead_lettered"])
	}
}

func TestHandlerServesExposition(t *testing.T) {
	r := NewRegistry()
	r.FramesReceived.WithLabelValues("tick").Add(7)
	r.ValidationFailures.WithLabelValues("negative_price").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	text := string(body)
	if !strings.Contains(text, `tickflow_frames_received_total{feed="tick"} 7`) {
		t.Errorf("exposition missing frames counter:\n%s", text)
	}
	if !strings.Contains(text, `tickflow_validation_failures_total{reason="negative_price"} 1`) {
		t.Errorf("exposition missing validation counter:\n%s", text)
	}
}
