package alerts

import (
	"testing"
	"time"
)

func TestCooldownAllowsFirstThenSuppresses(t *testing.T) {
	now := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	c := NewCooldown(5 * time.Minute)
	c.now = func() time.Time { return now }

	if !c.Allow(KindAbsorption, 23500, "resistance") {
		t.Fatal("fresh key should be allowed")
	}
	c.Mark(KindAbsorption, 23500, "resistance")
	if c.Allow(KindAbsorption, 23500, "resistance") {
		t.Fatal("marked key should be suppressed")
	}

	now = now.Add(5*time.Minute - time.Second)
	if c.Allow(KindAbsorption, 23500, "resistance") {
		t.Fatal("still inside the window")
	}

	now = now.Add(2 * time.Second)
	if !c.Allow(KindAbsorption, 23500, "resistance") {
		t.Fatal("window expired, key should be allowed again")
	}
}

func TestCooldownBucketsNearbyPrices(t *testing.T) {
	c := NewCooldown(5 * time.Minute)
	c.Mark(KindKeyLevel, 23500, "support")

	if c.Allow(KindKeyLevel, 23509.95, "support") {
		t.Fatal("same 10-point bucket should share the window")
	}
	if !c.Allow(KindKeyLevel, 23510, "support") {
		t.Fatal("next bucket should be independent")
	}
	if !c.Allow(KindKeyLevel, 23499, "support") {
		t.Fatal("previous bucket should be independent")
	}
}

func TestCooldownFoldsSidesOntoBook(t *testing.T) {
	c := NewCooldown(5 * time.Minute)
	c.Mark(KindAbsorption, 23500, "resistance")

	if c.Allow(KindAbsorption, 23505, "ask") {
		t.Fatal("resistance and ask should share a key")
	}
	if !c.Allow(KindAbsorption, 23505, "bid") {
		t.Fatal("bid side should be independent")
	}

	c.Mark(KindKeyLevel, 23400, "support")
	if c.Allow(KindKeyLevel, 23400, "bid") {
		t.Fatal("support and bid should share a key")
	}
}

func TestCooldownSeparatesKinds(t *testing.T) {
	c := NewCooldown(5 * time.Minute)
	c.Mark(KindKeyLevel, 23500, "resistance")

	if !c.Allow(KindAbsorption, 23500, "resistance") {
		t.Fatal("kinds should not share windows")
	}
}

func TestCooldownZeroWindowAllowsEverything(t *testing.T) {
	c := NewCooldown(0)
	c.Mark(KindPressure, 0, "bullish")

	if !c.Allow(KindPressure, 0, "bullish") {
		t.Fatal("zero window should never suppress")
	}
}
