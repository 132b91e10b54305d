package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fnolabs/tickflow/internal/alerts"
	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/signals"
)

func runSignals(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	logger := log.With().Str("service", "signals").Logger()
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

	sigCfg, err := loadSignalsConfig(cfg, logger)
	if err != nil {
		return err
	}

	notifier := alerts.NewNotifier(cfg.WebhookURL, alertCooldown(sigCfg), reg, logger)
	engine, err := signals.NewEngine(signals.Options{
		Config:   sigCfg,
		Symbol:   cfg.Symbol,
		Security: cfg.SecurityID,
		Repo:     manager.Repository().Signals,
		State:    store,
		Health:   store,
		Alerts:   alertSink(notifier),
		Metrics:  reg,
		Log:      logger,
	})
	if err != nil {
		return err
	}

	channel := "depth_snapshots:" + cfg.Symbol
	sub := store.Subscribe(ctx, channel)
	defer sub.Close()

	if notifier.Enabled() {
		detail := fmt.Sprintf("Monitoring %s 200-level depth for trading signals", cfg.Symbol)
		if err := notifier.Startup(ctx, "Signal Generator", detail); err != nil {
			logger.Warn().Err(err).Msg("online alert failed")
		}
		defer sendOffline(notifier, "Signal Generator")
	}

	logger.Info().
		Str("symbol", cfg.Symbol).
		Str("channel", channel).
		Bool("alerts", notifier.Enabled()).
		Msg("signal generator starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Consume(gctx, sub.Channel()) })
	g.Go(func() error { return engine.Run(gctx) })
	return g.Wait()
}
