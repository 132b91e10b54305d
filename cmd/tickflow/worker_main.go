package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnolabs/tickflow/internal/bus"
	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/worker"
)

func runWorker(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")

	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	logger := log.With().Str("service", "worker").Logger()
	reg := metrics.NewRegistry()

	manager, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer manager.Close()

	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	conn, err := bus.Dial(ctx, bus.Config{URL: cfg.RabbitURL, Queue: cfg.QueueName}, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	w, err := worker.New(worker.Config{
		ID:           id,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}, conn, manager.Repository().Ticks, store, reg, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("worker", w.ID()).
		Str("queue", cfg.QueueName).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("persistence worker starting")

	return w.Run(ctx)
}
