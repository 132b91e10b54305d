package instruments

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/persistence"
)

// Loader is the database side of cache population.
type Loader interface {
	ListActive(ctx context.Context) ([]persistence.Instrument, error)
}

// HashReader is the cache-server fallback: instrument:<token> hashes
// written by the instrument sync job.
type HashReader interface {
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// index is an immutable snapshot of the instrument master. Lookups
// never lock; Load swaps the whole snapshot atomically.
type index struct {
	byToken      map[int64]persistence.Instrument
	bySecurityID map[string]persistence.Instrument
	all          []persistence.Instrument
}

func buildIndex(list []persistence.Instrument) *index {
	idx := &index{
		byToken:      make(map[int64]persistence.Instrument, len(list)),
		bySecurityID: make(map[string]persistence.Instrument, len(list)),
		all:          list,
	}
	for _, inst := range list {
		idx.byToken[inst.InstrumentToken] = inst
		if inst.SecurityID != "" {
			idx.bySecurityID[inst.SecurityID] = inst
		}
	}
	return idx
}

// Cache holds the instrument master in memory for tick enrichment.
// The enricher resolves every tick against it, so lookups are plain
// map reads on an immutable snapshot.
type Cache struct {
	log zerolog.Logger
	v   atomic.Pointer[index]
}

// New returns an empty cache; call Load before serving lookups.
func New(log zerolog.Logger) *Cache {
	c := &Cache{log: log}
	c.v.Store(buildIndex(nil))
	return c
}

// Load populates the cache from the database, falling back to the
// cache-server hashes when the database is unreachable. An error
// means neither source produced instruments; callers must abort,
// because enrichment cannot run with an empty master.
func (c *Cache) Load(ctx context.Context, repo Loader, fallback HashReader) error {
	list, dbErr := repo.ListActive(ctx)
	if dbErr == nil && len(list) > 0 {
		c.v.Store(buildIndex(list))
		c.log.Info().Int("instruments", len(list)).Msg("instrument cache loaded from database")
		return nil
	}

	if dbErr != nil {
		c.log.Error().Err(dbErr).Msg("instrument load from database failed")
	} else {
		c.log.Error().Msg("instrument master has no active rows")
	}

	if fallback == nil {
		return fmt.Errorf("instrument load failed and no fallback configured: %w", dbErr)
	}

	list, cacheErr := loadFromHashes(ctx, fallback, c.log)
	if cacheErr != nil {
		return fmt.Errorf("instrument load failed from both sources: %v (fallback: %w)", dbErr, cacheErr)
	}
	if len(list) == 0 {
		return fmt.Errorf("instrument load produced no instruments from either source (db: %v)", dbErr)
	}

	c.v.Store(buildIndex(list))
	c.log.Warn().Int("instruments", len(list)).Msg("instrument cache loaded from fallback hashes")
	return nil
}

func loadFromHashes(ctx context.Context, r HashReader, log zerolog.Logger) ([]persistence.Instrument, error) {
	keys, err := r.ScanKeys(ctx, "instrument:*")
	if err != nil {
		return nil, fmt.Errorf("scan instrument keys: %w", err)
	}

	var list []persistence.Instrument
	var skipped int

	for _, key := range keys {
		token, err := tokenFromKey(key)
		if err != nil {
			skipped++
			continue
		}

		fields, err := r.HGetAll(ctx, key)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("instrument hash read failed")
			skipped++
			continue
		}

		list = append(list, instrumentFromHash(token, fields))
	}

	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("some instrument hashes were unreadable")
	}
	return list, nil
}

func tokenFromKey(key string) (int64, error) {
	_, raw, ok := strings.Cut(key, ":")
	if !ok {
		return 0, fmt.Errorf("key %q has no token part", key)
	}
	return strconv.ParseInt(raw, 10, 64)
}

func instrumentFromHash(token int64, fields map[string]string) persistence.Instrument {
	inst := persistence.Instrument{
		InstrumentToken: token,
		SecurityID:      fields["security_id"],
		TradingSymbol:   fields["tradingsymbol"],
		Name:            fields["name"],
		Exchange:        fields["exchange"],
		Segment:         fields["segment"],
		InstrumentType:  fields["instrument_type"],
		Source:          fields["source"],
		IsActive:        true,
	}
	if inst.Source == "" {
		inst.Source = "kite"
	}
	if v, err := strconv.ParseFloat(fields["strike"], 64); err == nil {
		inst.Strike = &v
	}
	if v, err := strconv.ParseFloat(fields["tick_size"], 64); err == nil {
		inst.TickSize = v
	}
	if v, err := strconv.ParseInt(fields["lot_size"], 10, 64); err == nil {
		inst.LotSize = v
	}
	if exp, err := time.Parse("2006-01-02", fields["expiry"]); err == nil {
		inst.Expiry = &exp
	}
	return inst
}

// ByToken resolves the canonical instrument token.
func (c *Cache) ByToken(token int64) (persistence.Instrument, bool) {
	inst, ok := c.v.Load().byToken[token]
	return inst, ok
}

// BySecurityID resolves a feed security ID to its instrument.
func (c *Cache) BySecurityID(securityID string) (persistence.Instrument, bool) {
	inst, ok := c.v.Load().bySecurityID[securityID]
	return inst, ok
}

// All returns the current snapshot, used to build feed subscriptions.
func (c *Cache) All() []persistence.Instrument {
	return c.v.Load().all
}

// Len reports the number of cached instruments.
func (c *Cache) Len() int {
	return len(c.v.Load().byToken)
}
