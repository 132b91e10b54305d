package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/persistence"
)

type webhookLog struct {
	mu       sync.Mutex
	ctype    string
	messages []message
	status   int
}

func newWebhook(t *testing.T) (*httptest.Server, *webhookLog) {
	t.Helper()
	hook := &webhookLog{status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg message
		_ = json.Unmarshal(body, &msg)

		hook.mu.Lock()
		hook.ctype = r.Header.Get("Content-Type")
		hook.messages = append(hook.messages, msg)
		status := hook.status
		hook.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, hook
}

func (l *webhookLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *webhookLog) at(i int) message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages[i]
}

func (l *webhookLog) last() message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages[len(l.messages)-1]
}

func (l *webhookLog) contentType() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ctype
}

func (l *webhookLog) setStatus(code int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = code
}

// flatten joins every text fragment of a message for substring checks.
func flatten(m message) string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Text != nil {
			sb.WriteString(b.Text.Text)
			sb.WriteByte('\n')
		}
		for _, f := range b.Fields {
			sb.WriteString(f.Text)
			sb.WriteByte('\n')
		}
		for _, e := range b.Elements {
			sb.WriteString(e.Text)
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func newTestNotifier(t *testing.T, url string) (*Notifier, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	return NewNotifier(url, 5*time.Minute, reg, zerolog.Nop()), reg
}

func strongLevel() persistence.KeyLevelSignal {
	return persistence.KeyLevelSignal{
		Price:         23450,
		Side:          "support",
		Orders:        520,
		StrengthRatio: 3.2,
		AgeSeconds:    45,
		Status:        "active",
		Tests:         2,
	}
}

func breakthrough() persistence.AbsorptionSignal {
	return persistence.AbsorptionSignal{
		Price:        23500,
		Side:         "resistance",
		OrdersBefore: 3200,
		OrdersNow:    704,
		ReductionPct: 78,
		Breakthrough: true,
	}
}

func TestLevelAlertPostsBlocks(t *testing.T) {
	srv, hook := newWebhook(t)
	n, reg := newTestNotifier(t, srv.URL)

	if err := n.LevelAlert(context.Background(), "NIFTY", strongLevel(), 23470); err != nil {
		t.Fatalf("LevelAlert: %v", err)
	}

	if hook.count() != 1 {
		t.Fatalf("got %d requests, want 1", hook.count())
	}
	if ct := hook.contentType(); ct != "application/json" {
		t.Fatalf("content type = %q, want application/json", ct)
	}

	msg := hook.last()
	if !strings.Contains(msg.Text, "SUPPORT") {
		t.Fatalf("text = %q, want SUPPORT mention", msg.Text)
	}
	if len(msg.Blocks) != 3 || msg.Blocks[0].Type != "header" {
		t.Fatalf("want header/section/context blocks, got %+v", msg.Blocks)
	}
	joined := flatten(msg)
	for _, want := range []string{"₹23450.00", "520", "3.2x avg", "45s", "Tests: 2", "Distance from price: 20"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("blocks missing %q:\n%s", want, joined)
		}
	}

	if got := testutil.ToFloat64(reg.AlertsSent.WithLabelValues(KindKeyLevel, "sent")); got != 1 {
		t.Fatalf("sent counter = %v, want 1", got)
	}
}

func TestLevelAlertCooldownSuppressesRepeats(t *testing.T) {
	srv, hook := newWebhook(t)
	n, reg := newTestNotifier(t, srv.URL)
	ctx := context.Background()

	if err := n.LevelAlert(ctx, "NIFTY", strongLevel(), 23470); err != nil {
		t.Fatalf("first alert: %v", err)
	}

	repeat := strongLevel()
	repeat.Price = 23452
	if err := n.LevelAlert(ctx, "NIFTY", repeat, 23470); err != nil {
		t.Fatalf("suppressed alert: %v", err)
	}
	if hook.count() != 1 {
		t.Fatalf("got %d requests, want 1 while cooled down", hook.count())
	}
	if got := testutil.ToFloat64(reg.AlertsSent.WithLabelValues(KindKeyLevel, "cooldown")); got != 1 {
		t.Fatalf("cooldown counter = %v, want 1", got)
	}

	other := strongLevel()
	other.Price = 23390
	if err := n.LevelAlert(ctx, "NIFTY", other, 23470); err != nil {
		t.Fatalf("distinct bucket: %v", err)
	}
	if hook.count() != 2 {
		t.Fatalf("got %d requests, want 2 for a distinct bucket", hook.count())
	}
}

func TestAbsorptionAlertBreakthrough(t *testing.T) {
	srv, hook := newWebhook(t)
	n, _ := newTestNotifier(t, srv.URL)

	if err := n.AbsorptionAlert(context.Background(), "NIFTY", breakthrough(), 23512); err != nil {
		t.Fatalf("AbsorptionAlert: %v", err)
	}

	msg := hook.last()
	if !strings.Contains(msg.Text, "RESISTANCE BREAKING THROUGH") {
		t.Fatalf("text = %q", msg.Text)
	}
	joined := flatten(msg)
	for _, want := range []string{"₹23500.00", "₹23512.00", "78%", "3200 -> 704"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("blocks missing %q:\n%s", want, joined)
		}
	}
}

func TestAbsorptionAlertWeakening(t *testing.T) {
	srv, hook := newWebhook(t)
	n, _ := newTestNotifier(t, srv.URL)

	ab := breakthrough()
	ab.Side = "support"
	ab.Breakthrough = false
	if err := n.AbsorptionAlert(context.Background(), "NIFTY", ab, 23512); err != nil {
		t.Fatalf("AbsorptionAlert: %v", err)
	}

	msg := hook.last()
	if !strings.Contains(msg.Text, "SUPPORT WEAKENING") {
		t.Fatalf("text = %q", msg.Text)
	}
	if !strings.Contains(flatten(msg), "price holding") {
		t.Fatalf("blocks missing cancellation wording:\n%s", flatten(msg))
	}
}

func TestPressureAlertKeysCooldownOnState(t *testing.T) {
	srv, hook := newWebhook(t)
	n, _ := newTestNotifier(t, srv.URL)
	ctx := context.Background()

	if err := n.PressureAlert(ctx, "NIFTY", 0.4285714, "bullish", "neutral", 24505); err != nil {
		t.Fatalf("PressureAlert: %v", err)
	}
	msg := hook.last()
	if !strings.Contains(msg.Text, "BULLISH") {
		t.Fatalf("text = %q", msg.Text)
	}
	joined := flatten(msg)
	if !strings.Contains(joined, "+0.429") {
		t.Fatalf("blocks missing pressure value:\n%s", joined)
	}
	if !strings.Contains(joined, "neutral") {
		t.Fatalf("blocks missing prior state:\n%s", joined)
	}

	if err := n.PressureAlert(ctx, "NIFTY", 0.5, "bullish", "neutral", 24510); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if hook.count() != 1 {
		t.Fatalf("got %d requests, want 1 while bullish is cooled down", hook.count())
	}

	if err := n.PressureAlert(ctx, "NIFTY", -0.45, "bearish", "bullish", 24480); err != nil {
		t.Fatalf("bearish: %v", err)
	}
	if hook.count() != 2 {
		t.Fatalf("got %d requests, want 2 after a state flip", hook.count())
	}
}

func TestFailedDeliveryDoesNotConsumeCooldown(t *testing.T) {
	srv, hook := newWebhook(t)
	n, reg := newTestNotifier(t, srv.URL)
	ctx := context.Background()

	hook.setStatus(http.StatusInternalServerError)
	if err := n.LevelAlert(ctx, "NIFTY", strongLevel(), 23470); err == nil {
		t.Fatal("want an error on a 500 response")
	}
	if got := testutil.ToFloat64(reg.AlertsSent.WithLabelValues(KindKeyLevel, "error")); got != 1 {
		t.Fatalf("error counter = %v, want 1", got)
	}

	hook.setStatus(http.StatusOK)
	if err := n.LevelAlert(ctx, "NIFTY", strongLevel(), 23470); err != nil {
		t.Fatalf("alert after recovery: %v", err)
	}
	if hook.count() != 2 {
		t.Fatalf("got %d requests, want 2: the failed key must stay live", hook.count())
	}
}

func TestBreakerStopsPostingToDeadWebhook(t *testing.T) {
	srv, hook := newWebhook(t)
	n, _ := newTestNotifier(t, srv.URL)
	ctx := context.Background()

	hook.setStatus(http.StatusBadGateway)
	for i := 0; i < 3; i++ {
		lvl := strongLevel()
		lvl.Price = 23000 + float64(i*100)
		if err := n.LevelAlert(ctx, "NIFTY", lvl, 23470); err == nil {
			t.Fatalf("call %d: want delivery error", i)
		}
	}
	if hook.count() != 3 {
		t.Fatalf("got %d requests, want 3 before the breaker opens", hook.count())
	}

	lvl := strongLevel()
	lvl.Price = 23900
	if err := n.LevelAlert(ctx, "NIFTY", lvl, 23470); err == nil {
		t.Fatal("want fast failure while the breaker is open")
	}
	if hook.count() != 3 {
		t.Fatalf("breaker open but webhook was still called: %d requests", hook.count())
	}
}

func TestLifecycleMessagesSkipCooldown(t *testing.T) {
	srv, hook := newWebhook(t)
	n, _ := newTestNotifier(t, srv.URL)
	ctx := context.Background()

	if err := n.Startup(ctx, "Signal Generator", "Monitoring NIFTY 200-level depth"); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := n.Startup(ctx, "Signal Generator", ""); err != nil {
		t.Fatalf("second Startup: %v", err)
	}
	if err := n.Shutdown(ctx, "Signal Generator"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if hook.count() != 3 {
		t.Fatalf("got %d requests, want 3 unconditional messages", hook.count())
	}
	if first := hook.at(0); !strings.Contains(first.Text, "Online") {
		t.Fatalf("startup text = %q", first.Text)
	}
	if !strings.Contains(flatten(hook.at(0)), "Monitoring NIFTY 200-level depth") {
		t.Fatal("startup detail missing from blocks")
	}
	if last := hook.last(); !strings.Contains(last.Text, "Offline") {
		t.Fatalf("shutdown text = %q", last.Text)
	}
}

func TestDisabledNotifierDropsEverything(t *testing.T) {
	n, _ := newTestNotifier(t, "")
	ctx := context.Background()

	if n.Enabled() {
		t.Fatal("empty URL should disable the notifier")
	}
	if err := n.LevelAlert(ctx, "NIFTY", strongLevel(), 23470); err != nil {
		t.Fatalf("LevelAlert: %v", err)
	}
	if err := n.AbsorptionAlert(ctx, "NIFTY", breakthrough(), 23512); err != nil {
		t.Fatalf("AbsorptionAlert: %v", err)
	}
	if err := n.PressureAlert(ctx, "NIFTY", 0.5, "bullish", "neutral", 24500); err != nil {
		t.Fatalf("PressureAlert: %v", err)
	}
	if err := n.Startup(ctx, "Signal Generator", ""); err != nil {
		t.Fatalf("Startup: %v", err)
	}
	if err := n.Shutdown(ctx, "Signal Generator"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
