package depth

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fnolabs/tickflow/internal/metrics"
	"github.com/fnolabs/tickflow/internal/persistence"
)

// publishTopLevels bounds the pub/sub payload. Live subscribers watch the
// touch; the full 200 levels live in the database.
const publishTopLevels = 20

// Publisher is the Redis slice the collector needs. *cache.Client
// satisfies this.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) (int64, error)
}

// SnapshotMessage is the document published per snapshot on
// depth_snapshots:<symbol>.
type SnapshotMessage struct {
	Time         time.Time `json:"time"`
	Symbol       string    `json:"symbol"`
	SecurityID   string    `json:"security_id"`
	CurrentPrice float64   `json:"current_price"`
	BestBid      float64   `json:"best_bid"`
	BestAsk      float64   `json:"best_ask"`
	Spread       float64   `json:"spread"`
	TopBids      []Level   `json:"top_bids"`
	TopAsks      []Level   `json:"top_asks"`
}

// Collector persists complete snapshots and republishes a trimmed view for
// live subscribers.
type Collector struct {
	repo    persistence.DepthRepo
	pub     Publisher
	symbol  string
	metrics *metrics.Registry
	log     zerolog.Logger
}

// NewCollector creates a collector for one symbol. pub may be nil to skip
// publication.
func NewCollector(repo persistence.DepthRepo, pub Publisher, symbol string, reg *metrics.Registry, log zerolog.Logger) *Collector {
	return &Collector{
		repo:    repo,
		pub:     pub,
		symbol:  symbol,
		metrics: reg,
		log:     log,
	}
}

// Store writes every level of the snapshot in one batch, then best-effort
// publishes the trimmed book. Publish failures are logged and swallowed;
// persistence is the contract.
func (c *Collector) Store(ctx context.Context, snap *Snapshot) error {
	securityID := strconv.Itoa(int(snap.SecurityID))

	rows := make([]persistence.DepthLevelRow, 0, len(snap.Bids)+len(snap.Asks))
	for i, lvl := range snap.Bids {
		rows = append(rows, persistence.DepthLevelRow{
			Time:       snap.Time,
			SecurityID: securityID,
			Symbol:     c.symbol,
			Side:       "bid",
			LevelNum:   i + 1,
			Price:      lvl.Price,
			Quantity:   lvl.Quantity,
			Orders:     lvl.Orders,
		})
	}
	for i, lvl := range snap.Asks {
		rows = append(rows, persistence.DepthLevelRow{
			Time:       snap.Time,
			SecurityID: securityID,
			Symbol:     c.symbol,
			Side:       "ask",
			LevelNum:   i + 1,
			Price:      lvl.Price,
			Quantity:   lvl.Quantity,
			Orders:     lvl.Orders,
		})
	}

	if err := c.repo.InsertLevels(ctx, rows); err != nil {
		return fmt.Errorf("failed to persist depth snapshot: %w", err)
	}
	c.metrics.DepthSnapshots.Inc()
	c.metrics.DepthRowsWritten.Add(float64(len(rows)))

	if c.pub == nil {
		return nil
	}

	payload, err := json.Marshal(c.message(snap, securityID))
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode snapshot message")
		return nil
	}
	if _, err := c.pub.Publish(ctx, "depth_snapshots:"+c.symbol, payload); err != nil {
		c.log.Debug().Err(err).Msg("snapshot publish skipped")
	}
	return nil
}

func (c *Collector) message(snap *Snapshot, securityID string) SnapshotMessage {
	bestBid := snap.BestBid()
	bestAsk := snap.BestAsk()

	msg := SnapshotMessage{
		Time:       snap.Time,
		Symbol:     c.symbol,
		SecurityID: securityID,
		BestBid:    bestBid,
		BestAsk:    bestAsk,
		TopBids:    topLevels(snap.Bids),
		TopAsks:    topLevels(snap.Asks),
	}
	if bestBid > 0 && bestAsk > 0 {
		msg.Spread = roundTo2(bestAsk - bestBid)
		msg.CurrentPrice = roundTo2((bestBid + bestAsk) / 2)
	}
	return msg
}

func topLevels(levels []Level) []Level {
	if len(levels) <= publishTopLevels {
		return levels
	}
	return levels[:publishTopLevels]
}

func roundTo2(v float64) float64 {
	return math.Round(v*100) / 100
}
