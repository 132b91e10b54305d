package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/auth"
	"github.com/fnolabs/tickflow/internal/bus"
	"github.com/fnolabs/tickflow/internal/feed"
	"github.com/fnolabs/tickflow/internal/metrics"
)

const (
	defaultStatsInterval = 10 * time.Second
	healthComponent      = "ingest"
	healthTTL            = 60 * time.Second
)

// TickPublisher accepts encoded tick envelopes for delivery to the bus.
// *bus.Publisher satisfies this.
type TickPublisher interface {
	Publish(ctx context.Context, payload []byte) error
}

// IndexSink receives decoded index updates. Index frames bypass the merger:
// they carry no trade state and are not persisted as ticks.
type IndexSink interface {
	Index(ctx context.Context, pkt *feed.IndexPacket) error
}

// HealthWriter publishes the component heartbeat. *cache.Client satisfies
// this.
type HealthWriter interface {
	SetHealth(ctx context.Context, component string, blob interface{}, ttl time.Duration) error
}

// Options wires a Pipeline. Merger, Enricher, Publisher and Metrics are
// required; Index and Health are optional.
type Options struct {
	Merger    *Merger
	Enricher  *Enricher
	Publisher TickPublisher
	Index     IndexSink
	Health    HealthWriter
	Metrics   *metrics.Registry

	// StatsInterval is the cadence of the stats log line and health
	// heartbeat. Zero means 10s.
	StatsInterval time.Duration

	Log zerolog.Logger
}

// Pipeline is the ingest hot path: it decodes raw frames, merges partial
// state, enriches with instrument metadata, validates, and hands encoded
// envelopes to the publisher. Single goroutine; the publisher owns its own.
type Pipeline struct {
	merger   *Merger
	enricher *Enricher
	pub      TickPublisher
	index    IndexSink
	health   HealthWriter
	metrics  *metrics.Registry
	interval time.Duration
	log      zerolog.Logger

	received  atomic.Int64
	parsed    atomic.Int64
	failed    atomic.Int64
	published atomic.Int64
}

// New creates a pipeline from the given options.
func New(opts Options) (*Pipeline, error) {
	if opts.Merger == nil || opts.Enricher == nil || opts.Publisher == nil || opts.Metrics == nil {
		return nil, errors.New("pipeline requires a merger, enricher, publisher and metrics registry")
	}
	interval := opts.StatsInterval
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &Pipeline{
		merger:   opts.Merger,
		enricher: opts.Enricher,
		pub:      opts.Publisher,
		index:    opts.Index,
		health:   opts.Health,
		metrics:  opts.Metrics,
		interval: interval,
		log:      opts.Log,
	}, nil
}

// Run consumes raw tick frames until ctx is cancelled or frames closes.
// It returns nil on a clean stop and an error only on fatal conditions,
// auth-expiry disconnects included.
func (p *Pipeline) Run(ctx context.Context, frames <-chan []byte) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.reportStats(ctx)
		case raw, ok := <-frames:
			if !ok {
				p.log.Info().Msg("frame channel closed, pipeline stopping")
				return nil
			}
			if err := p.handleFrame(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, raw []byte) error {
	p.received.Add(1)
	p.metrics.FramesReceived.WithLabelValues("tick").Inc()

	pkt, err := feed.Decode(raw)
	if err != nil {
		p.failed.Add(1)
		p.metrics.DecodeFailures.WithLabelValues("tick").Inc()
		p.log.Debug().Err(err).Int("bytes", len(raw)).Msg("dropped undecodable frame")
		return nil
	}
	p.parsed.Add(1)

	switch t := pkt.(type) {
	case *feed.DisconnectPacket:
		if t.AuthFailure() {
			return fmt.Errorf("server disconnect reason %d: %w", t.Reason, auth.ErrExpired)
		}
		p.log.Warn().Int("reason", int(t.Reason)).Msg("server disconnect notice")
		return nil

	case *feed.MarketStatusPacket:
		p.log.Info().
			Str("segment", t.Segment.String()).
			Int32("security_id", t.SecurityID).
			Msg("market status update")
		return nil

	case *feed.IndexPacket:
		if p.index == nil {
			return nil
		}
		if err := p.index.Index(ctx, t); err != nil {
			p.log.Warn().Err(err).
				Int32("security_id", t.SecurityID).
				Msg("index update not delivered")
		}
		return nil
	}

	nt := p.merger.Apply(pkt)
	if nt == nil {
		return nil
	}
	p.metrics.TicksMerged.Inc()

	row, ok := p.enricher.Enrich(nt)
	if !ok {
		p.metrics.ResolveFailures.Inc()
		p.log.Debug().
			Int32("security_id", nt.SecurityID).
			Str("segment", nt.Segment.String()).
			Msg("dropped tick for unknown security")
		return nil
	}

	if reason := Validate(&row); reason != "" {
		p.metrics.ValidationFailures.WithLabelValues(reason).Inc()
		p.log.Warn().
			Str("reason", reason).
			Str("symbol", row.TradingSymbol).
			Float64("last_price", row.LastPrice).
			Msg("dropped invalid tick")
		return nil
	}

	payload, err := bus.Encode(row)
	if err != nil {
		p.log.Error().Err(err).Str("symbol", row.TradingSymbol).Msg("failed to encode tick")
		return nil
	}

	// Publish blocks on the publisher's bounded buffer; that is the
	// backpressure path that slows the read loop down when the bus is
	// unreachable. An error here only happens on shutdown.
	if err := p.pub.Publish(ctx, payload); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to hand tick to publisher: %w", err)
	}
	p.published.Add(1)
	p.metrics.TicksPublished.Inc()
	return nil
}

// reportStats logs interval throughput and refreshes the Redis heartbeat.
func (p *Pipeline) reportStats(ctx context.Context) {
	received := p.received.Swap(0)
	parsed := p.parsed.Swap(0)
	failed := p.failed.Swap(0)
	published := p.published.Swap(0)

	p.log.Info().
		Int64("received", received).
		Int64("parsed", parsed).
		Int64("decode_failures", failed).
		Int64("published", published).
		Int("merge_states", p.merger.Len()).
		Msg("ingest interval stats")

	if p.health == nil {
		return
	}
	blob := map[string]interface{}{
		"status":             "ok",
		"ts":                 time.Now().UTC().Format(time.RFC3339),
		"interval_received":  received,
		"interval_published": published,
		"counters":           p.metrics.Snapshot(),
	}
	if err := p.health.SetHealth(ctx, healthComponent, blob, healthTTL); err != nil {
		p.log.Debug().Err(err).Msg("health heartbeat not written")
	}
}
