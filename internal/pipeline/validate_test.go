package pipeline

import (
	"testing"

	"github.com/fnolabs/tickflow/internal/persistence"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		row  persistence.TickRow
		want string
	}{
		{
			name: "clean row",
			row:  persistence.TickRow{LastPrice: 24500.25, VolumeTraded: 1000},
			want: "",
		},
		{
			name: "zero values pass pre-open",
			row:  persistence.TickRow{},
			want: "",
		},
		{
			name: "negative last price",
			row:  persistence.TickRow{LastPrice: -0.05},
			want: ReasonNegativePrice,
		},
		{
			name: "negative average price",
			row:  persistence.TickRow{AverageTradedPrice: -12},
			want: ReasonNegativePrice,
		},
		{
			name: "negative traded quantity",
			row:  persistence.TickRow{LastTradedQuantity: -75},
			want: ReasonNegativeQuantity,
		},
		{
			name: "negative buy quantity",
			row:  persistence.TickRow{TotalBuyQuantity: -1},
			want: ReasonNegativeQuantity,
		},
		{
			name: "negative volume",
			row:  persistence.TickRow{VolumeTraded: -500},
			want: ReasonNegativeVolume,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Validate(&tt.row); got != tt.want {
				t.Errorf("Validate() = %q, want %q", got, tt.want)
			}
		})
	}
}
