package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	appName = "tickflow"
	version = "v1.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market-data ingestion and depth-signal pipeline for Indian F&O",
		Version: version,
		Long: `tickflow ingests the broker tick and 200-level depth feeds, persists
them to TimescaleDB through RabbitMQ, and derives order-book signals
(key levels, absorptions, directional pressure) published to Redis and
a notification webhook.

Each stage runs as its own process; they share nothing but the broker,
the cache, and the database. Configuration comes from the environment
(DATABASE_URL, RABBITMQ_URL, REDIS_URL, ...), analyzer thresholds from
SIGNALS_CONFIG.`,
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the tick-feed ingestion pipeline",
		Long:  "Connects to the tick feed, decodes and enriches every frame against the instrument master, and publishes tick envelopes to the ticks queue",
		RunE:  runIngest,
	}

	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Drain the ticks queue into TimescaleDB",
		Long:  "Consumes tick envelopes from RabbitMQ and lands them in batched UPSERTs; acks only after the batch commits",
		RunE:  runWorker,
	}

	workerCmd.Flags().String("id", "", "Worker identity for the heartbeat key (default random)")

	depthCmd := &cobra.Command{
		Use:   "depth",
		Short: "Collect 200-level depth snapshots",
		Long:  "Connects to the full-depth feed, pairs bid/ask frames into snapshots, persists every level and publishes the top of book to Redis",
		RunE:  runDepth,
	}

	depthCmd.Flags().Bool("analyze", false, "Run the signal engine in-process instead of a separate signals service")

	signalsCmd := &cobra.Command{
		Use:   "signals",
		Short: "Run the depth signal generator",
		Long:  "Subscribes to published depth snapshots and evaluates key levels, absorptions and pressure every cycle, persisting and alerting on results",
		RunE:  runSignals,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Start the monitoring HTTP server",
		Long:  "Serves /health aggregated from component heartbeats and /metrics in Prometheus format",
		RunE:  runMonitor,
	}

	monitorCmd.Flags().String("addr", "", "Listen address (default MONITOR_ADDR or :8080)")
	monitorCmd.Flags().StringSlice("expect", []string{"ingest", "depth", "signals"}, "Component heartbeats required for a healthy verdict")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Apply the TimescaleDB schema",
		Long:  "Creates the instruments, ticks, depth and signal tables with their hypertable, compression and retention policies; safe to re-run",
		RunE:  runSchema,
	}

	// Accept underscore spellings for flags; the env vars use them and
	// operators mix the two.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(depthCmd)
	rootCmd.AddCommand(signalsCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(schemaCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
