package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fnolabs/tickflow/internal/alerts"
	"github.com/fnolabs/tickflow/internal/auth"
	"github.com/fnolabs/tickflow/internal/cache"
	"github.com/fnolabs/tickflow/internal/config"
	"github.com/fnolabs/tickflow/internal/infrastructure/db"
	"github.com/fnolabs/tickflow/internal/signals"
)

const (
	// cacheTimeout bounds every cache round trip; heartbeats and state
	// keys are best-effort and must not stall the hot path.
	cacheTimeout = 2 * time.Second

	// offlineAlertTimeout bounds the shutdown webhook, which runs after
	// the process context is already cancelled.
	offlineAlertTimeout = 10 * time.Second

	// lifecycleAlertCooldown is the notifier window for processes that
	// only send online/offline messages (those skip the cooldown).
	lifecycleAlertCooldown = 5 * time.Minute

	// The feed rate-limits subscription messages after the handshake;
	// 4/s with a small burst stays under it for a full F&O master.
	subscribeRPS   = 4.0
	subscribeBurst = 2
)

// signalContext is the root context for every subcommand: cancelled on
// SIGINT or SIGTERM, after which the stages drain and exit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openDatabase(cfg *config.Config) (*db.Manager, error) {
	dbCfg := db.DefaultConfig()
	dbCfg.DSN = cfg.DatabaseURL
	return db.NewManager(dbCfg)
}

func openCache(cfg *config.Config) (*cache.Client, error) {
	return cache.NewClient(cfg.RedisURL, cacheTimeout)
}

// loadCredentials reads the access token, preferring the rotated file
// over the cache key written by the login job.
func loadCredentials(ctx context.Context, cfg *config.Config, store cache.Store) (auth.Credentials, error) {
	providers := auth.Chain{
		auth.NewFileProvider(cfg.TokenPath, cfg.ClientID),
		auth.NewCacheProvider(store, cfg.TokenCacheKey, cfg.ClientID),
	}
	return providers.Credentials(ctx)
}

// requireDhan rejects feed sources this build has no wire adapter for.
func requireDhan(cfg *config.Config) error {
	if cfg.DataSource != config.SourceDhan {
		return fmt.Errorf("DATA_SOURCE %q has no feed adapter in this build; only %q is wired", cfg.DataSource, config.SourceDhan)
	}
	return nil
}

// loadSignalsConfig reads analyzer thresholds. A missing file falls back
// to the compiled defaults; a present but invalid one aborts startup.
func loadSignalsConfig(cfg *config.Config, logger zerolog.Logger) (*config.SignalsConfig, error) {
	sc, err := config.LoadSignalsConfig(cfg.SignalsConfigPath)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		logger.Warn().Str("path", cfg.SignalsConfigPath).Msg("signals config missing, using built-in defaults")
		sc = config.DefaultSignalsConfig()
	default:
		return nil, err
	}

	if problems := sc.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("invalid signals config %s: %s", cfg.SignalsConfigPath, strings.Join(problems, "; "))
	}
	return sc, nil
}

func alertCooldown(sc *config.SignalsConfig) time.Duration {
	return time.Duration(sc.Alerts.CooldownSeconds) * time.Second
}

// alertSink narrows a notifier to the engine's interface. A disabled
// notifier becomes nil so the engine skips dispatch entirely.
func alertSink(n *alerts.Notifier) signals.Notifier {
	if !n.Enabled() {
		return nil
	}
	return n
}

// sendOffline delivers the shutdown webhook on a fresh context; by the
// time it runs the process context is already cancelled.
func sendOffline(n *alerts.Notifier, component string) {
	ctx, cancel := context.WithTimeout(context.Background(), offlineAlertTimeout)
	defer cancel()
	if err := n.Shutdown(ctx, component); err != nil {
		log.Warn().Err(err).Str("component", component).Msg("offline alert failed")
	}
}
