package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fnolabs/tickflow/internal/alerts"
	"github.com/fnolabs/tickflow/internal/bus"
	"github.com/fnolabs/tickflow/internal/cache"
	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/feed"
	"github.com/fnolabs/tickflow/internal/instruments"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/net/ratelimit"
	"github.com/fnolabs/tickflow/internal/persistence"
	"github.com/fnolabs/tickflow/internal/pipeline"
)

func runIngest(cmd *cobra.Command, args []string) error {
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

	logger := log.With().Str("service", "ingest").Logger()
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

	instCache := instruments.New(logger)
	if err := instCache.Load(ctx, manager.Repository().Instruments, store); err != nil {
		return err
	}

	creds, err := loadCredentials(ctx, cfg, store)
	if err != nil {
		return err
	}
	feedURL, err := feed.BuildURL(cfg.TickFeedURL, creds.AccessToken, creds.ClientID)
	if err != nil {
		return fmt.Errorf("build feed URL: %w", err)
	}

	targets := subscriptionTargets(instCache.All())
	if len(targets) == 0 {
		return fmt.Errorf("instrument master holds no subscribable instruments")
	}
	subs := feed.ChunkRequests(feed.RequestFull, targets)

	client := feed.NewClient(feed.ClientConfig{
		URL:      feedURL,
		Endpoint: "tickfeed",
	}, subs, ratelimit.NewPacer(subscribeRPS, subscribeBurst), logger)

	busCfg := bus.Config{URL: cfg.RabbitURL, Queue: cfg.QueueName}
	conn, err := bus.Dial(ctx, busCfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()
	publisher := bus.NewPublisher(conn, busCfg, logger)

	merger, err := pipeline.NewMerger(0)
	if err != nil {
		return err
	}
	pipe, err := pipeline.New(pipeline.Options{
		Merger:    merger,
		Enricher:  pipeline.NewEnricher(instCache),
		Publisher: publisher,
		Index:     &indexPublisher{store: store},
		Health:    store,
		Metrics:   reg,
		Log:       logger,
	})
	if err != nil {
		return err
	}

	notifier := alerts.NewNotifier(cfg.WebhookURL, lifecycleAlertCooldown, reg, logger)
	if notifier.Enabled() {
		detail := fmt.Sprintf("Streaming %d instruments into queue %s", len(targets), cfg.QueueName)
		if err := notifier.Startup(ctx, "Tick Ingestion", detail); err != nil {
			logger.Warn().Err(err).Msg("online alert failed")
		}
		defer sendOffline(notifier, "Tick Ingestion")
	}

	logger.Info().
		Int("instruments", len(targets)).
		Int("subscriptions", len(subs)).
		Str("queue", cfg.QueueName).
		Msg("tick ingestion starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return publisher.Run(gctx) })
	g.Go(func() error { return pipe.Run(gctx, client.Frames()) })
	return g.Wait()
}

// subscriptionTargets maps the instrument master onto feed subscription
// entries. Load returns active rows only; rows without a security id
// cannot be subscribed and are skipped.
func subscriptionTargets(list []persistence.Instrument) []feed.Instrument {
	targets := make([]feed.Instrument, 0, len(list))
	for _, inst := range list {
		if inst.SecurityID == "" {
			continue
		}
		targets = append(targets, feed.Instrument{
			ExchangeSegment: inst.Segment,
			SecurityID:      inst.SecurityID,
		})
	}
	return targets
}

// indexPublisher forwards decoded index values onto a cache channel for
// live consumers. Index frames carry no trade state and never become
// tick rows.
type indexPublisher struct {
	store *cache.Client
}

func (p *indexPublisher) Index(ctx context.Context, pkt *feed.IndexPacket) error {
	payload, err := json.Marshal(indexDocument{
		SecurityID: pkt.SecurityID,
		Value:      float64(pkt.Value),
		Time:       pkt.Time,
	})
	if err != nil {
		return err
	}
	_, err = p.store.Publish(ctx, "index_ticks", payload)
	return err
}

type indexDocument struct {
	SecurityID int32     `json:"security_id"`
	Value      float64   `json:"value"`
	Time       time.Time `json:"time"`
}
