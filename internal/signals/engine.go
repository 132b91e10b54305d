package signals

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/cache"
	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/depth"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/persistence"
)

const (
	healthComponent = "signals"
	healthTTL       = 60 * time.Second
	stateTTL        = 60 * time.Second

	// warmupBooks is the minimum buffered history before the first
	// evaluation; below it the metrics would be dominated by noise.
	warmupBooks = 30
)

// Notifier receives threshold-passing events. *alerts.Notifier satisfies
// this; delivery failures stay inside the notifier.
type Notifier interface {
	LevelAlert(ctx context.Context, symbol string, lvl persistence.KeyLevelSignal, currentPrice float64) error
	AbsorptionAlert(ctx context.Context, symbol string, ab persistence.AbsorptionSignal, currentPrice float64) error
	PressureAlert(ctx context.Context, symbol string, pressure float64, state, prior string, currentPrice float64) error
}

// HealthWriter publishes the component heartbeat. *cache.Client
// satisfies this.
type HealthWriter interface {
	SetHealth(ctx context.Context, component string, blob interface{}, ttl time.Duration) error
}

// Options wires an Engine. Repo and Metrics are required; State, Health
// and Alerts are optional.
type Options struct {
	Config   *config.SignalsConfig
	Symbol   string
	Security string

	// TickSize sets the price resolution for level matching. Zero uses
	// DefaultTickSize.
	TickSize float64

	Repo    persistence.SignalsRepo
	State   cache.Store
	Health  HealthWriter
	Alerts  Notifier
	Metrics *metrics.Registry

	Log zerolog.Logger
}

// Engine runs the 10-second evaluation cycle over the rolling buffer:
// key levels, absorptions, and pressure, persisted per evaluation and
// mirrored to the live state key. Books arrive either from the depth
// collector in-process (Offer) or from the pub/sub channel (Consume).
type Engine struct {
	cfg      *config.SignalsConfig
	symbol   string
	security string

	buffer  *Buffer
	tracker *Tracker

	repo     persistence.SignalsRepo
	state    cache.Store
	health   HealthWriter
	notifier Notifier
	metrics  *metrics.Registry
	log      zerolog.Logger

	lastState string
	evals     atomic.Int64
	alerted   atomic.Int64
	now       func() time.Time
}

// NewEngine creates an engine from the given options.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Repo == nil || opts.Metrics == nil {
		return nil, errors.New("signals engine requires config, repo and metrics registry")
	}
	if opts.Symbol == "" {
		return nil, errors.New("signals engine requires a symbol")
	}
	return &Engine{
		cfg:       opts.Config,
		symbol:    opts.Symbol,
		security:  opts.Security,
		buffer:    NewBuffer(opts.Config.Buffer.Capacity),
		tracker:   NewTracker(opts.Config.KeyLevels, opts.TickSize),
		repo:      opts.Repo,
		state:     opts.State,
		health:    opts.Health,
		notifier:  opts.Alerts,
		metrics:   opts.Metrics,
		log:       opts.Log,
		lastState: StateNeutral,
		now:       time.Now,
	}, nil
}

// Offer implements the depth snapshot sink, feeding the buffer when the
// analyzer runs inside the depth collector process.
func (e *Engine) Offer(snap *depth.Snapshot) {
	e.buffer.Append(BookFromSnapshot(snap))
}

// Consume feeds the buffer from the depth_snapshots pub/sub channel
// until ctx is cancelled or the channel closes. Malformed documents are
// logged and skipped.
func (e *Engine) Consume(ctx context.Context, messages <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var doc depth.SnapshotMessage
			if err := json.Unmarshal([]byte(msg.Payload), &doc); err != nil {
				e.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed snapshot document")
				continue
			}
			e.buffer.Append(BookFromMessage(&doc))
		}
	}
}

// Run drives the evaluation loop until ctx is cancelled. The ticker
// keeps the cycle on the wall clock; a slow evaluation never shifts the
// next one.
func (e *Engine) Run(ctx context.Context) error {
	interval := time.Duration(e.cfg.Buffer.EvalIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Info().
		Str("symbol", e.symbol).
		Dur("interval", interval).
		Msg("signal engine started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.Evaluate(ctx)
		}
	}
}

// Evaluate runs one full cycle: lifecycle pass, absorptions, pressure
// windows, persistence, state publication, and alert dispatch. Errors
// are logged, never returned; a failed write must not stop the next
// cycle.
func (e *Engine) Evaluate(ctx context.Context) {
	now := e.now()
	book := e.buffer.Latest()
	if book == nil || e.buffer.Len() < warmupBooks {
		e.log.Debug().Int("buffered", e.buffer.Len()).Msg("insufficient depth history, skipping evaluation")
		return
	}

	levels := e.tracker.Observe(now, book)
	absorptions := DetectAbsorptions(now, levels, book, e.buffer, e.cfg.Absorption, e.tracker.TickSize())

	pressures := make([]float64, len(e.cfg.Pressure.WindowsSeconds))
	for i, w := range e.cfg.Pressure.WindowsSeconds {
		window := e.buffer.Since(now.Add(-time.Duration(w) * time.Second))
		pressures[i] = Pressure(window, e.cfg.Pressure.TopLevels)
	}
	primary := primaryPressure(pressures)
	state := MarketState(primary, e.cfg.Pressure.StateThreshold)

	row := persistence.SignalRow{
		Time:         now,
		SecurityID:   e.security,
		Symbol:       e.symbol,
		CurrentPrice: book.Mid,
		KeyLevels:    toSignals(levels, now),
		Absorptions:  absorptions,
		Pressure30s:  windowValue(pressures, 0),
		Pressure60s:  windowValue(pressures, 1),
		Pressure120s: windowValue(pressures, 2),
		MarketState:  state,
	}

	if err := e.repo.Insert(ctx, row); err != nil {
		e.log.Error().Err(err).Msg("failed to persist signal row")
	}
	e.publishState(ctx, row)
	e.dispatchAlerts(ctx, row, primary)

	e.lastState = state
	e.evals.Add(1)
	e.metrics.SignalEvals.Inc()
	e.heartbeat(ctx, row)

	e.log.Info().
		Float64("price", row.CurrentPrice).
		Int("key_levels", len(row.KeyLevels)).
		Int("absorptions", len(row.Absorptions)).
		Float64("pressure_60s", row.Pressure60s).
		Str("market_state", row.MarketState).
		Msg("evaluation complete")
}

// publishState mirrors the row to signal_state:<symbol> for real-time
// consumers. Best effort.
func (e *Engine) publishState(ctx context.Context, row persistence.SignalRow) {
	if e.state == nil {
		return
	}
	payload, err := json.Marshal(row)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to marshal signal state")
		return
	}
	if err := e.state.SetEx(ctx, "signal_state:"+e.symbol, payload, stateTTL); err != nil {
		e.log.Warn().Err(err).Msg("failed to publish signal state")
	}
}

// dispatchAlerts forwards the events that pass the noise filters. The
// notifier owns cooldown and delivery; failures are logged here and
// never escalate.
func (e *Engine) dispatchAlerts(ctx context.Context, row persistence.SignalRow, primary float64) {
	if e.notifier == nil {
		return
	}
	a := e.cfg.Alerts

	for _, lvl := range row.KeyLevels {
		if lvl.StrengthRatio >= a.MinLevelStrength && lvl.AgeSeconds >= a.MinLevelAgeSeconds {
			if err := e.notifier.LevelAlert(ctx, e.symbol, lvl, row.CurrentPrice); err != nil {
				e.log.Warn().Err(err).Float64("price", lvl.Price).Msg("key level alert failed")
			} else {
				e.alerted.Add(1)
			}
		}
	}

	for _, ab := range row.Absorptions {
		if ab.ReductionPct >= a.MinAbsorptionReductionPct && ab.Breakthrough {
			if err := e.notifier.AbsorptionAlert(ctx, e.symbol, ab, row.CurrentPrice); err != nil {
				e.log.Warn().Err(err).Float64("price", ab.Price).Msg("absorption alert failed")
			} else {
				e.alerted.Add(1)
			}
		}
	}

	if row.MarketState != e.lastState && math.Abs(primary) >= a.PressureMagnitude {
		if err := e.notifier.PressureAlert(ctx, e.symbol, primary, row.MarketState, e.lastState, row.CurrentPrice); err != nil {
			e.log.Warn().Err(err).Str("state", row.MarketState).Msg("pressure alert failed")
		} else {
			e.alerted.Add(1)
		}
	}
}

func (e *Engine) heartbeat(ctx context.Context, row persistence.SignalRow) {
	if e.health == nil {
		return
	}
	blob := map[string]interface{}{
		"timestamp":    e.now().Format(time.RFC3339),
		"symbol":       e.symbol,
		"evaluations":  e.evals.Load(),
		"alerts":       e.alerted.Load(),
		"buffered":     e.buffer.Len(),
		"levels":       len(row.KeyLevels),
		"market_state": row.MarketState,
	}
	if err := e.health.SetHealth(ctx, healthComponent, blob, healthTTL); err != nil {
		e.log.Warn().Err(err).Msg("failed to write health heartbeat")
	}
}

// toSignals converts tracked levels to their persisted form.
func toSignals(levels []*TrackedLevel, now time.Time) []persistence.KeyLevelSignal {
	out := make([]persistence.KeyLevelSignal, 0, len(levels))
	for _, l := range levels {
		out = append(out, persistence.KeyLevelSignal{
			Price:         l.Price,
			Side:          l.Side,
			Orders:        l.Orders,
			StrengthRatio: math.Round(l.Strength*100) / 100,
			AgeSeconds:    math.Floor(l.Age(now).Seconds()),
			Status:        l.Status,
			Tests:         l.Tests,
		})
	}
	return out
}

// primaryPressure picks the 60 s slot: the second configured window,
// falling back to the last one on short configurations.
func primaryPressure(pressures []float64) float64 {
	if len(pressures) == 0 {
		return 0
	}
	if len(pressures) >= 2 {
		return pressures[1]
	}
	return pressures[len(pressures)-1]
}

func windowValue(pressures []float64, i int) float64 {
	if i < len(pressures) {
		return pressures[i]
	}
	return 0
}
