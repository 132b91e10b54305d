package depth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/auth"
	"github.com/fnolabs/tickflow/internal/metrics"
)

const (
	statsInterval   = 10 * time.Second
	healthComponent = "depth"
	healthTTL       = 60 * time.Second
)

// SnapshotSink receives every complete snapshot, persisted or not. The
// signals engine implements this to feed its ring buffer with the full
// book; the published Redis message only carries the top of it.
type SnapshotSink interface {
	Offer(snap *Snapshot)
}

// HealthWriter publishes the component heartbeat. *cache.Client satisfies
// this.
type HealthWriter interface {
	SetHealth(ctx context.Context, component string, blob interface{}, ttl time.Duration) error
}

// Service drives the depth loop: raw WebSocket messages in, paired
// snapshots out to persistence and optionally to a sink.
type Service struct {
	pairer    *Pairer
	collector *Collector
	sink      SnapshotSink
	health    HealthWriter
	metrics   *metrics.Registry
	log       zerolog.Logger

	snapshots     atomic.Int64
	persistErrors atomic.Int64
}

// NewService wires a depth service. Pairer, collector and metrics are
// required; sink and health are optional.
func NewService(pairer *Pairer, collector *Collector, sink SnapshotSink, health HealthWriter, reg *metrics.Registry, log zerolog.Logger) (*Service, error) {
	if pairer == nil || collector == nil || reg == nil {
		return nil, errors.New("depth service requires a pairer, collector and metrics registry")
	}
	return &Service{
		pairer:    pairer,
		collector: collector,
		sink:      sink,
		health:    health,
		metrics:   reg,
		log:       log,
	}, nil
}

// Run consumes raw depth messages until ctx is cancelled or the channel
// closes. Auth-failure disconnects are fatal; everything else is logged
// and survived.
func (s *Service) Run(ctx context.Context, messages <-chan []byte) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.reportStats(ctx)
		case raw, ok := <-messages:
			if !ok {
				s.log.Info().Msg("depth message channel closed, service stopping")
				return nil
			}
			if err := s.handleMessage(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (s *Service) handleMessage(ctx context.Context, raw []byte) error {
	s.metrics.FramesReceived.WithLabelValues("depth").Inc()

	frames, err := DecodeMessage(raw)
	if err != nil {
		s.metrics.DecodeFailures.WithLabelValues("depth").Inc()
		s.log.Debug().Err(err).
			Int("bytes", len(raw)).
			Int("decoded", len(frames)).
			Msg("depth message only partially decoded")
	}

	for i := range frames {
		f := &frames[i]

		if f.Code == CodeDisconnect {
			if f.AuthFailure() {
				return fmt.Errorf("depth disconnect reason %d: %w", f.Reason, auth.ErrExpired)
			}
			s.log.Warn().Int("reason", int(f.Reason)).Msg("depth server disconnect notice")
			continue
		}

		snap := s.pairer.Apply(f)
		if snap == nil {
			continue
		}
		s.snapshots.Add(1)

		if err := s.collector.Store(ctx, snap); err != nil {
			s.persistErrors.Add(1)
			s.log.Error().Err(err).Msg("depth snapshot not persisted")
		}
		// The analyzer still gets live data while the database is down.
		if s.sink != nil {
			s.sink.Offer(snap)
		}
	}
	return nil
}

func (s *Service) reportStats(ctx context.Context) {
	snapshots := s.snapshots.Swap(0)
	persistErrors := s.persistErrors.Swap(0)

	s.log.Info().
		Int64("snapshots", snapshots).
		Int64("persist_errors", persistErrors).
		Int("pending_halves", s.pairer.Pending()).
		Msg("depth interval stats")

	if s.health == nil {
		return
	}
	blob := map[string]interface{}{
		"status":                  "ok",
		"ts":                      time.Now().UTC().Format(time.RFC3339),
		"interval_snapshots":      snapshots,
		"interval_persist_errors": persistErrors,
	}
	if err := s.health.SetHealth(ctx, healthComponent, blob, healthTTL); err != nil {
		s.log.Debug().Err(err).Msg("health heartbeat not written")
	}
}
