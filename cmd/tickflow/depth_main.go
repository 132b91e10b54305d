package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fnolabs/tickflow/internal/alerts"
	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/depth"
	"github.com/fnolabs/tickflow/internal/feed"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/net/ratelimit"
	"github.com/fnolabs/tickflow/internal/signals"
)

// The depth feed rejects bad tokens by closing silently instead of
// sending a disconnect frame; two empty fast reconnects means auth.
const depthNoDataAuthThreshold = 2

func runDepth(cmd *cobra.Command, args []string) error {
	analyze, _ := cmd.Flags().GetBool("analyze")

	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := requireDhan(cfg); err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	logger := log.With().Str("service", "depth").Logger()
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

	creds, err := loadCredentials(ctx, cfg, store)
	if err != nil {
		return err
	}
	feedURL, err := feed.BuildURL(cfg.DepthFeedURL, creds.AccessToken, creds.ClientID)
	if err != nil {
		return fmt.Errorf("build depth feed URL: %w", err)
	}

	subs := feed.ChunkRequests(feed.RequestFullDepth, []feed.Instrument{{
		ExchangeSegment: cfg.Segment,
		SecurityID:      cfg.SecurityID,
	}})

	client := feed.NewClient(feed.ClientConfig{
		URL:                 feedURL,
		Endpoint:            "depthfeed",
		NoDataAuthThreshold: depthNoDataAuthThreshold,
	}, subs, ratelimit.NewPacer(subscribeRPS, subscribeBurst), logger)

	collector := depth.NewCollector(manager.Repository().Depth, store, cfg.Symbol, reg, logger)

	g, gctx := errgroup.WithContext(ctx)

	// With --analyze the engine rides the collector's snapshot stream
	// directly instead of the Redis channel, cutting one hop.
	var sink depth.SnapshotSink
	if analyze {
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
		sink = engine
		g.Go(func() error { return engine.Run(gctx) })

		if notifier.Enabled() {
			detail := fmt.Sprintf("Monitoring %s 200-level depth for trading signals", cfg.Symbol)
			if err := notifier.Startup(ctx, "Signal Generator", detail); err != nil {
				logger.Warn().Err(err).Msg("online alert failed")
			}
			defer sendOffline(notifier, "Signal Generator")
		}
	}

	svc, err := depth.NewService(depth.NewPairer(2*time.Second), collector, sink, store, reg, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("symbol", cfg.Symbol).
		Str("security_id", cfg.SecurityID).
		Bool("analyze", analyze).
		Msg("depth collector starting")

	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return svc.Run(gctx, client.Frames()) })
	return g.Wait()
}
