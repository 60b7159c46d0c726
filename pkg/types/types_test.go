package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestLiquidatedSideInversion(t *testing.T) {
	t.Parallel()

	// A venue SELL closes out longs, a venue BUY closes out shorts.
	if got := LiquidatedSide(SELL); got != LONG {
		t.Errorf("LiquidatedSide(SELL) = %v, want LONG", got)
	}
	if got := LiquidatedSide(BUY); got != SHORT {
		t.Errorf("LiquidatedSide(BUY) = %v, want SHORT", got)
	}
}

func TestCounterTradeDirection(t *testing.T) {
	t.Parallel()

	// A liquidated long produces a short order, and vice versa.
	if got := LONG.Opposite().EntrySide(); got != SELL {
		t.Errorf("counter-trade for liquidated LONG = %v, want SELL", got)
	}
	if got := SHORT.Opposite().EntrySide(); got != BUY {
		t.Errorf("counter-trade for liquidated SHORT = %v, want BUY", got)
	}
}

func TestExitSide(t *testing.T) {
	t.Parallel()

	if got := LONG.ExitSide(); got != SELL {
		t.Errorf("LONG.ExitSide() = %v, want SELL", got)
	}
	if got := SHORT.ExitSide(); got != BUY {
		t.Errorf("SHORT.ExitSide() = %v, want BUY", got)
	}
}

func TestSymbolPrecisionRounding(t *testing.T) {
	t.Parallel()

	p := SymbolPrecision{
		Symbol:    "XUSDT",
		PriceTick: decimal.RequireFromString("0.01"),
		QtyStep:   decimal.RequireFromString("0.001"),
	}

	qty := p.RoundQty(decimal.RequireFromString("1.23456"))
	if !qty.Equal(decimal.RequireFromString("1.234")) {
		t.Errorf("RoundQty = %s, want 1.234", qty)
	}

	px := p.RoundPrice(decimal.RequireFromString("100.999"))
	if !px.Equal(decimal.RequireFromString("100.99")) {
		t.Errorf("RoundPrice = %s, want 100.99", px)
	}

	// Zero step leaves the value untouched.
	none := SymbolPrecision{}
	v := decimal.RequireFromString("5.5555")
	if !none.RoundQty(v).Equal(v) {
		t.Errorf("RoundQty with zero step changed value")
	}
}

func TestStrategyDefaults(t *testing.T) {
	t.Parallel()

	s := &Strategy{}
	if got := s.LayerDelay(); got != 120*time.Second {
		t.Errorf("LayerDelay default = %v, want 120s", got)
	}

	s.LayerDelaySeconds = 30
	if got := s.LayerDelay(); got != 30*time.Second {
		t.Errorf("LayerDelay = %v, want 30s", got)
	}
}

func TestStrategyMonitors(t *testing.T) {
	t.Parallel()

	s := &Strategy{SelectedAssets: []string{"XUSDT", "YUSDT"}}
	if !s.Monitors("XUSDT") {
		t.Error("expected XUSDT to be monitored")
	}
	if s.Monitors("ZUSDT") {
		t.Error("ZUSDT should not be monitored")
	}
}
