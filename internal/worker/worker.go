package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/bus"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/persistence"
)

const (
	healthTTL    = 60 * time.Second
	drainTimeout = 10 * time.Second
	maxBackoff   = 30 * time.Second
)

// Config holds batching parameters for one worker process.
type Config struct {
	// ID names the worker's heartbeat key. Empty picks a random ID.
	ID string

	// BatchSize flushes when this many rows are buffered. Default 1000.
	BatchSize int

	// BatchTimeout flushes a partial batch after this long. Default 5s.
	BatchTimeout time.Duration

	// RetryBackoff is the base delay after a failed flush, doubling per
	// consecutive failure up to 30s. Default 1s.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.ID == "" {
		c.ID = uuid.NewString()[:8]
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 5 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	return c
}

// broker is the slice of bus.Conn the worker needs.
type broker interface {
	Consume(ctx context.Context) (<-chan amqp.Delivery, error)
	RepublishParseFailure(ctx context.Context, d *amqp.Delivery) (bool, error)
	Redial(ctx context.Context) error
}

// HealthWriter publishes the worker heartbeat. *cache.Client satisfies this.
type HealthWriter interface {
	SetHealth(ctx context.Context, component string, blob interface{}, ttl time.Duration) error
}

// Worker drains the tick queue into TimescaleDB in batches. Messages are
// acked only after their batch lands, so a crash between consume and flush
// loses nothing; the UPSERT keeps redelivery idempotent.
type Worker struct {
	cfg     Config
	broker  broker
	ticks   persistence.TicksRepo
	health  HealthWriter
	metrics *metrics.Registry
	log     zerolog.Logger

	// Flush bookkeeping for the heartbeat; only the Run goroutine
	// touches these.
	lastFlushAt   time.Time
	lastBatchSize int
	flushFailures int64
	deadLettered  int64
	consecErrors  int
}

// New creates a worker. Broker, repo and metrics are required; health is
// optional.
func New(cfg Config, b broker, ticks persistence.TicksRepo, health HealthWriter, reg *metrics.Registry, log zerolog.Logger) (*Worker, error) {
	if b == nil || ticks == nil || reg == nil {
		return nil, errors.New("worker requires a broker, ticks repo and metrics registry")
	}
	cfg = cfg.withDefaults()
	return &Worker{
		cfg:     cfg,
		broker:  b,
		ticks:   ticks,
		health:  health,
		metrics: reg,
		log:     log.With().Str("worker", cfg.ID).Logger(),
	}, nil
}

// ID returns the worker's heartbeat identity.
func (w *Worker) ID() string { return w.cfg.ID }

// Run consumes until ctx is cancelled, reopening the delivery stream when
// the broker drops it.
func (w *Worker) Run(ctx context.Context) error {
	for {
		deliveries, err := w.broker.Consume(ctx)
		if err != nil {
			return fmt.Errorf("failed to open consumer: %w", err)
		}
		w.log.Info().Int("batch_size", w.cfg.BatchSize).Dur("batch_timeout", w.cfg.BatchTimeout).Msg("worker consuming")

		w.consume(ctx, deliveries)
		if ctx.Err() != nil {
			return nil
		}

		w.log.Warn().Msg("delivery stream closed, redialling broker")
		if err := w.broker.Redial(ctx); err != nil {
			return fmt.Errorf("broker redial failed: %w", err)
		}
	}
}

// consume buffers deliveries until size or timeout triggers a flush. It
// returns when ctx ends or the delivery channel closes.
func (w *Worker) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	rows := make([]persistence.TickRow, 0, w.cfg.BatchSize)
	pending := make([]amqp.Delivery, 0, w.cfg.BatchSize)

	timer := time.NewTimer(w.cfg.BatchTimeout)
	defer timer.Stop()

	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.cfg.BatchTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			// Final flush gets its own deadline; the caller's context
			// is already dead.
			dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			w.flush(dctx, &rows, &pending)
			cancel()
			return

		case <-timer.C:
			w.flush(ctx, &rows, &pending)
			timer.Reset(w.cfg.BatchTimeout)

		case d, ok := <-deliveries:
			if !ok {
				w.flush(ctx, &rows, &pending)
				return
			}

			row, err := bus.Decode(d.Body)
			if err != nil {
				w.handleParseFailure(ctx, d, err)
				continue
			}

			rows = append(rows, row)
			pending = append(pending, d)
			if len(rows) >= w.cfg.BatchSize {
				w.flush(ctx, &rows, &pending)
				resetTimer()
			}
		}
	}
}

// flush writes the buffered batch. On success the whole batch is acked via
// one multiple-ack; on failure it is nacked back onto the queue and the
// worker backs off before consuming again.
func (w *Worker) flush(ctx context.Context, rows *[]persistence.TickRow, pending *[]amqp.Delivery) {
	if len(*rows) == 0 {
		w.heartbeat(ctx)
		return
	}

	start := time.Now()
	err := w.ticks.UpsertBatch(ctx, *rows)
	elapsed := time.Since(start)

	last := (*pending)[len(*pending)-1]

	if err != nil {
		w.flushFailures++
		w.consecErrors++
		w.metrics.BatchFlushes.WithLabelValues("error").Inc()
		w.log.Error().Err(err).
			Int("batch", len(*rows)).
			Int("consecutive", w.consecErrors).
			Msg("batch upsert failed, requeueing")

		if nerr := last.Nack(true, true); nerr != nil {
			w.log.Error().Err(nerr).Msg("failed to nack batch")
		}
		*rows = (*rows)[:0]
		*pending = (*pending)[:0]

		w.heartbeat(ctx)
		w.backoff(ctx)
		return
	}

	w.consecErrors = 0
	w.lastFlushAt = time.Now()
	w.lastBatchSize = len(*rows)
	w.metrics.BatchFlushes.WithLabelValues("success").Inc()
	w.metrics.BatchSize.Observe(float64(len(*rows)))
	w.metrics.FlushDuration.Observe(elapsed.Seconds())
	w.log.Debug().Int("batch", len(*rows)).Dur("took", elapsed).Msg("batch flushed")

	if aerr := last.Ack(true); aerr != nil {
		w.log.Error().Err(aerr).Msg("failed to ack batch")
	}
	*rows = (*rows)[:0]
	*pending = (*pending)[:0]

	w.heartbeat(ctx)
}

// handleParseFailure routes an undecodable message through the retry
// header, dead-lettering after repeated failures. The batch never stalls
// on a poison message.
func (w *Worker) handleParseFailure(ctx context.Context, d amqp.Delivery, derr error) {
	dead, err := w.broker.RepublishParseFailure(ctx, &d)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to republish undecodable message")
		if nerr := d.Nack(false, true); nerr != nil {
			w.log.Error().Err(nerr).Msg("failed to nack undecodable message")
		}
		return
	}
	if dead {
		w.deadLettered++
		w.metrics.DeadLettered.Inc()
		w.log.Warn().Err(derr).Msg("message dead-lettered after repeated decode failures")
		return
	}
	w.log.Debug().Err(derr).Msg("undecodable message requeued with bumped retry count")
}

// backoff sleeps between failed flushes: base doubling per consecutive
// failure, capped, cancellable.
func (w *Worker) backoff(ctx context.Context) {
	shift := w.consecErrors - 1
	if shift > 5 {
		shift = 5
	}
	delay := w.cfg.RetryBackoff << uint(shift)
	if delay > maxBackoff {
		delay = maxBackoff
	}

	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// heartbeat refreshes the worker's Redis health key.
func (w *Worker) heartbeat(ctx context.Context) {
	if w.health == nil {
		return
	}

	blob := map[string]interface{}{
		"status":          "ok",
		"ts":              time.Now().UTC().Format(time.RFC3339),
		"last_batch_size": w.lastBatchSize,
		"flush_failures":  w.flushFailures,
		"dead_lettered":   w.deadLettered,
	}
	if !w.lastFlushAt.IsZero() {
		blob["last_batch_at"] = w.lastFlushAt.UTC().Format(time.RFC3339)
	}

	if err := w.health.SetHealth(ctx, "worker:"+w.cfg.ID, blob, healthTTL); err != nil {
		w.log.Debug().Err(err).Msg("worker heartbeat not written")
	}
}
