package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/schema"
)

func runSchema(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	logger := log.With().Str("service", "schema").Logger()

	manager, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := schema.Apply(ctx, manager.DB(), logger); err != nil {
		return err
	}

	logger.Info().Msg("schema up to date")
	return nil
}
