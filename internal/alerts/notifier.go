// Package alerts delivers filtered signal events to a Slack-compatible
// webhook. Messages carry a plain-text fallback plus blocks, delivery
// has a 5 second budget with no retries, and a per-key cooldown
// suppresses repeats.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/net/breakers"
	"github.com/fnolabs/tickflow/internal/persistence"
)

// deliverTimeout bounds one webhook POST. No retries.
const deliverTimeout = 5 * time.Second

// message is the webhook body: a fallback text plus blocks for clients
// that render them.
type message struct {
	Text   string  `json:"text"`
	Blocks []block `json:"blocks,omitempty"`
}

type block struct {
	Type     string      `json:"type"`
	Text     *blockText  `json:"text,omitempty"`
	Fields   []blockText `json:"fields,omitempty"`
	Elements []blockText `json:"elements,omitempty"`
}

type blockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func header(text string) block {
	return block{Type: "header", Text: &blockText{Type: "plain_text", Text: text}}
}

func section(text string) block {
	return block{Type: "section", Text: &blockText{Type: "mrkdwn", Text: text}}
}

// fieldGrid builds a section block from label/value pairs.
func fieldGrid(pairs ...string) block {
	b := block{Type: "section"}
	for i := 0; i+1 < len(pairs); i += 2 {
		b.Fields = append(b.Fields, blockText{
			Type: "mrkdwn",
			Text: fmt.Sprintf("*%s:*\n%s", pairs[i], pairs[i+1]),
		})
	}
	return b
}

func footer(text string) block {
	return block{Type: "context", Elements: []blockText{{Type: "mrkdwn", Text: text}}}
}

// Notifier posts formatted alerts to a webhook. An empty URL disables
// it; every method is then a no-op. Signal alerts go through the
// cooldown, lifecycle messages do not.
type Notifier struct {
	url      string
	client   *http.Client
	breaker  *breakers.Breaker
	cooldown *Cooldown
	metrics  *metrics.Registry
	log      zerolog.Logger
	now      func() time.Time
}

// NewNotifier creates a notifier for the given webhook URL.
func NewNotifier(url string, cooldown time.Duration, reg *metrics.Registry, log zerolog.Logger) *Notifier {
	return &Notifier{
		url:      url,
		client:   &http.Client{Timeout: deliverTimeout},
		breaker:  breakers.New("alert-webhook"),
		cooldown: NewCooldown(cooldown),
		metrics:  reg,
		log:      log,
		now:      time.Now,
	}
}

// Enabled reports whether a webhook URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// LevelAlert reports a key level that passed the strength and age
// filters.
func (n *Notifier) LevelAlert(ctx context.Context, symbol string, lvl persistence.KeyLevelSignal, currentPrice float64) error {
	if !n.Enabled() {
		return nil
	}
	if !n.cooldown.Allow(KindKeyLevel, lvl.Price, lvl.Side) {
		n.count(KindKeyLevel, "cooldown")
		return nil
	}

	title := fmt.Sprintf("%s Strong %s Detected", sideEmoji(lvl.Side), strings.ToUpper(lvl.Side))
	msg := message{
		Text: title,
		Blocks: []block{
			header(title),
			fieldGrid(
				"Price", rupees(lvl.Price),
				"Orders", fmt.Sprintf("%d", lvl.Orders),
				"Strength", fmt.Sprintf("%.1fx avg", lvl.StrengthRatio),
				"Age", formatAge(lvl.AgeSeconds),
			),
			footer(fmt.Sprintf("%s | Distance from price: %.0f points | Tests: %d",
				symbol, math.Abs(currentPrice-lvl.Price), lvl.Tests)),
		},
	}

	if err := n.post(ctx, KindKeyLevel, msg); err != nil {
		return err
	}
	n.cooldown.Mark(KindKeyLevel, lvl.Price, lvl.Side)
	return nil
}

// AbsorptionAlert reports a wall losing its orders, either broken
// through or quietly cancelled.
func (n *Notifier) AbsorptionAlert(ctx context.Context, symbol string, ab persistence.AbsorptionSignal, currentPrice float64) error {
	if !n.Enabled() {
		return nil
	}
	if !n.cooldown.Allow(KindAbsorption, ab.Price, ab.Side) {
		n.count(KindAbsorption, "cooldown")
		return nil
	}

	emoji, status, outcome := "⚠️", "WEAKENING", "orders pulled, price holding"
	if ab.Breakthrough {
		emoji, status, outcome = "⚡", "BREAKING THROUGH", "price trading through the level"
	}
	title := fmt.Sprintf("%s %s %s", emoji, strings.ToUpper(ab.Side), status)
	msg := message{
		Text: title,
		Blocks: []block{
			header(title),
			fieldGrid(
				"Level", rupees(ab.Price),
				"Current", rupees(currentPrice),
				"Reduction", fmt.Sprintf("%.0f%%", ab.ReductionPct),
				"Orders", fmt.Sprintf("%d -> %d", ab.OrdersBefore, ab.OrdersNow),
			),
			footer(fmt.Sprintf("%s | %s", symbol, outcome)),
		},
	}

	if err := n.post(ctx, KindAbsorption, msg); err != nil {
		return err
	}
	n.cooldown.Mark(KindAbsorption, ab.Price, ab.Side)
	return nil
}

// PressureAlert reports a market state transition on the primary
// pressure window. The cooldown keys on the new state, so a flip to a
// different state is never suppressed by the previous alert.
func (n *Notifier) PressureAlert(ctx context.Context, symbol string, pressure float64, state, prior string, currentPrice float64) error {
	if !n.Enabled() {
		return nil
	}
	if !n.cooldown.Allow(KindPressure, 0, state) {
		n.count(KindPressure, "cooldown")
		return nil
	}

	title := fmt.Sprintf("%s Market Pressure: %s", stateEmoji(state), strings.ToUpper(state))
	msg := message{
		Text: title,
		Blocks: []block{
			header(title),
			fieldGrid(
				"Pressure", fmt.Sprintf("%+.3f", pressure),
				"Was", prior,
				"Price", rupees(currentPrice),
			),
			footer(fmt.Sprintf("%s | positive = buy pressure, negative = sell pressure", symbol)),
		},
	}

	if err := n.post(ctx, KindPressure, msg); err != nil {
		return err
	}
	n.cooldown.Mark(KindPressure, 0, state)
	return nil
}

// Startup announces a component coming online. Unconditional: no
// filters, no cooldown.
func (n *Notifier) Startup(ctx context.Context, component, detail string) error {
	if !n.Enabled() {
		return nil
	}
	title := fmt.Sprintf("🟢 %s Online", component)
	blocks := []block{header(title)}
	if detail != "" {
		blocks = append(blocks, section(detail))
	}
	blocks = append(blocks, footer("Started at "+n.now().Format("2006-01-02 15:04:05 MST")))
	return n.post(ctx, KindLifecycle, message{Text: title, Blocks: blocks})
}

// Shutdown announces a component going offline. Unconditional.
func (n *Notifier) Shutdown(ctx context.Context, component string) error {
	if !n.Enabled() {
		return nil
	}
	title := fmt.Sprintf("🔴 %s Offline", component)
	msg := message{
		Text: title,
		Blocks: []block{
			header(title),
			footer("Stopped at " + n.now().Format("2006-01-02 15:04:05 MST")),
		},
	}
	return n.post(ctx, KindLifecycle, msg)
}

// post delivers one message under the breaker and records the outcome
// metric.
func (n *Notifier) post(ctx context.Context, kind string, msg message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		n.count(kind, "error")
		return fmt.Errorf("marshal %s alert: %w", kind, err)
	}

	_, err = n.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("webhook returned %s", resp.Status)
		}
		return nil, nil
	})
	if err != nil {
		n.count(kind, "error")
		return fmt.Errorf("deliver %s alert: %w", kind, err)
	}

	n.count(kind, "sent")
	n.log.Info().Str("kind", kind).Str("text", msg.Text).Msg("alert delivered")
	return nil
}

func (n *Notifier) count(kind, result string) {
	if n.metrics == nil {
		return
	}
	n.metrics.AlertsSent.WithLabelValues(kind, result).Inc()
}

func sideEmoji(side string) string {
	if side == "support" {
		return "🟢"
	}
	return "🔴"
}

func stateEmoji(state string) string {
	switch state {
	case "bullish":
		return "🚀"
	case "bearish":
		return "📉"
	}
	return "⚖️"
}

func rupees(v float64) string {
	return fmt.Sprintf("₹%.2f", v)
}

// formatAge renders seconds as 45s, 2m 5s, or 1h 3m.
func formatAge(seconds float64) string {
	s := int(seconds)
	switch {
	case s < 60:
		return fmt.Sprintf("%ds", s)
	case s < 3600:
		return fmt.Sprintf("%dm %ds", s/60, s%60)
	default:
		return fmt.Sprintf("%dh %dm", s/3600, s%3600/60)
	}
}
