package pipeline

import "github.com/fnolabs/tickflow/internal/persistence"

// Validation drop reasons, used as the metric label.
const (
	ReasonNegativePrice    = "negative_price"
	ReasonNegativeQuantity = "negative_quantity"
	ReasonNegativeVolume   = "negative_volume"
)

// Validate is the sanity gate before publish. It returns the reason the row
// must be dropped, or "" when the row is publishable. Zero values pass: a
// pre-open tick legitimately has no trades yet.
func Validate(row *persistence.TickRow) string {
	if row.LastPrice < 0 || row.AverageTradedPrice < 0 {
		return ReasonNegativePrice
	}
	if row.LastTradedQuantity < 0 || row.TotalBuyQuantity < 0 || row.TotalSellQuantity < 0 {
		return ReasonNegativeQuantity
	}
	if row.VolumeTraded < 0 {
		return ReasonNegativeVolume
	}
	return ""
}
