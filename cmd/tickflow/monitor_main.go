package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/monitor"
	"github.com/fnolabs/tickflow/internal/persistence"
)

func runMonitor(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	expected, _ := cmd.Flags().GetStringSlice("expect")

	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if addr == "" {
		addr = cfg.MonitorAddr
	}

	logger := log.With().Str("service", "monitor").Logger()
	reg := metrics.NewRegistry()

	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// The monitor stays useful without a database; /health then reports
	// heartbeats only.
	var dbHealth persistence.RepositoryHealth
	if cfg.DatabaseURL != "" {
		manager, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer manager.Close()
		dbHealth = manager.Health()
	}

	srv, err := monitor.NewServer(monitor.Options{
		Addr:     addr,
		Beats:    store,
		DB:       dbHealth,
		Metrics:  reg,
		Expected: expected,
		Log:      logger,
	})
	if err != nil {
		return err
	}

	return srv.Run(ctx)
}
