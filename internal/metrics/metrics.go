package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry holds all Prometheus metrics for the pipeline. Each process
// creates its own registry; nothing registers globally, so tests can
// build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	// Feed transport metrics
	FramesReceived *prometheus.CounterVec
	Reconnects     *prometheus.CounterVec
	DecodeFailures *prometheus.CounterVec

	// Ingestion pipeline metrics
	TicksMerged        prometheus.Counter
	ResolveFailures    prometheus.Counter
	ValidationFailures *prometheus.CounterVec
	TicksPublished     prometheus.Counter
	PublishBuffered    prometheus.Gauge

	// Worker metrics
	BatchFlushes  *prometheus.CounterVec
	BatchSize     prometheus.Histogram
	FlushDuration prometheus.Histogram
	DeadLettered  prometheus.Counter

	// Depth and signal metrics
	DepthSnapshots   prometheus.Counter
	DepthRowsWritten prometheus.Counter
	SignalEvals      prometheus.Counter
	AlertsSent       *prometheus.CounterVec
}

// NewRegistry creates a registry with all pipeline metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_frames_received_total",
				Help: "Total WebSocket frames received by feed",
			},
			[]string{"feed"},
		),

		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_feed_reconnects_total",
				Help: "Total feed reconnect attempts by feed",
			},
			[]string{"feed"},
		),

		DecodeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_decode_failures_total",
				Help: "Total frames dropped as undecodable by feed",
			},
			[]string{"feed"},
		),

		TicksMerged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_ticks_merged_total",
				Help: "Total combined ticks emitted by the merger",
			},
		),

		ResolveFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_resolve_failures_total",
				Help: "Total ticks dropped because the security ID was not in the instrument cache",
			},
		),

		ValidationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_validation_failures_total",
				Help: "Total ticks dropped by the validation gate, by reason",
			},
			[]string{"reason"},
		),

		TicksPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_ticks_published_total",
				Help: "Total enriched ticks handed to the bus publisher",
			},
		),

		PublishBuffered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tickflow_publish_buffered",
				Help: "Ticks waiting in the local publish buffer",
			},
		),

		BatchFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_batch_flushes_total",
				Help: "Total worker batch flushes by result",
			},
			[]string{"result"},
		),

		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tickflow_batch_size",
				Help:    "Distribution of flushed batch sizes",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 750, 1000},
			},
		),

		FlushDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tickflow_flush_duration_seconds",
				Help:    "Duration of batch UPSERT flushes in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		DeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_dead_lettered_total",
				Help: "Total messages moved to the dead-letter queue",
			},
		),

		DepthSnapshots: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_depth_snapshots_total",
				Help: "Total complete bid/ask depth snapshots assembled",
			},
		),

		DepthRowsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_depth_rows_written_total",
				Help: "Total depth level rows persisted",
			},
		),

		SignalEvals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tickflow_signal_evals_total",
				Help: "Total analyzer evaluations completed",
			},
		),

		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tickflow_alerts_total",
				Help: "Total alert deliveries by kind and result",
			},
			[]string{"kind", "result"},
		),
	}

	r.reg.MustRegister(
		r.FramesReceived,
		r.Reconnects,
		r.DecodeFailures,
		r.TicksMerged,
		r.ResolveFailures,
		r.ValidationFailures,
		r.TicksPublished,
		r.PublishBuffered,
		r.BatchFlushes,
		r.BatchSize,
		r.FlushDuration,
		r.DeadLettered,
		r.DepthSnapshots,
		r.DepthRowsWritten,
		r.SignalEvals,
		r.AlertsSent,
	)

	return r
}

// Handler serves this registry's metrics in the Prometheus exposition
// format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot reads the headline counters for the Redis health blob.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)

	read := func(name string, c prometheus.Counter) {
		var m dto.Metric
		if err := c.Write(&m); err == nil {
			out[name] = m.GetCounter().GetValue()
		}
	}

	read("ticks_merged", r.TicksMerged)
	read("resolve_failures", r.ResolveFailures)
	read("ticks_published", r.TicksPublished)
	read("depth_snapshots", r.DepthSnapshots)
	read("depth_rows_written", r.DepthRowsWritten)
	read("signal_evals", r.SignalEvals)
	read("dead_lettered", r.DeadLettered)

	return out
}
