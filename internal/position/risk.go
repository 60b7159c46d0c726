package position

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/pkg/types"
)

var (
	hundred = decimal.NewFromInt(100)

	// Adaptive stop distances are clamped into this band.
	minStopPct = decimal.NewFromInt(1)
	maxStopPct = decimal.NewFromInt(15)
)

// KlineSource supplies candles for the adaptive stop's ATR.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]exchange.Kline, error)
}

// StopDistancePct returns the stop-loss distance in percent for the
// strategy: either the fixed stop or the ATR-derived adaptive stop clamped
// to [1%, 15%].
func StopDistancePct(ctx context.Context, klines KlineSource, strat *types.Strategy, symbol string, refPrice decimal.Decimal) (decimal.Decimal, error) {
	if !strat.AdaptiveStops {
		return strat.StopLossPercent, nil
	}
	if refPrice.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("adaptive stop needs a positive reference price")
	}

	candles, err := klines.Klines(ctx, symbol, "1m", 15)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch klines for atr: %w", err)
	}
	atr := averageTrueRange(candles)
	if atr.Sign() <= 0 {
		return strat.StopLossPercent, nil
	}

	pct := atr.Div(refPrice).Mul(strat.ATRMultiplier).Mul(hundred)
	if pct.LessThan(minStopPct) {
		pct = minStopPct
	}
	if pct.GreaterThan(maxStopPct) {
		pct = maxStopPct
	}
	return pct, nil
}

// averageTrueRange computes the mean true range over the candle series.
func averageTrueRange(candles []exchange.Kline) decimal.Decimal {
	if len(candles) < 2 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := 1; i < len(candles); i++ {
		prevClose := candles[i-1].Close
		c := candles[i]
		tr := c.High.Sub(c.Low)
		if d := c.High.Sub(prevClose).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		if d := c.Low.Sub(prevClose).Abs(); d.GreaterThan(tr) {
			tr = d
		}
		sum = sum.Add(tr)
	}
	return sum.Div(decimal.NewFromInt(int64(len(candles) - 1)))
}

// LayerQuantity computes one layer's order quantity from the session
// balance: balance x size% / 100 x leverage / price, floored to the symbol's
// quantity step.
func LayerQuantity(balance decimal.Decimal, strat *types.Strategy, price decimal.Decimal, prec types.SymbolPrecision) decimal.Decimal {
	if price.Sign() <= 0 {
		return decimal.Zero
	}
	notional := balance.Mul(strat.PositionSizePercent).Div(hundred).Mul(decimal.NewFromInt(int64(strat.Leverage)))
	return prec.RoundQty(notional.Div(price))
}

// ProjectedRisk is the reserved risk of a position carried to full depth:
// the filled quantity plus every remaining layer at the planned per-layer
// quantity, each losing the stop distance against the reference entry.
//
// With nothing filled yet (a new entry decision) pass a zero-quantity
// position and the planned entry price as refEntry.
func ProjectedRisk(filledQty decimal.Decimal, layersFilled, maxLayers int, plannedLayerQty, refEntry, stopPct decimal.Decimal) decimal.Decimal {
	remaining := maxLayers - layersFilled
	if remaining < 0 {
		remaining = 0
	}
	projectedQty := filledQty.Add(plannedLayerQty.Mul(decimal.NewFromInt(int64(remaining))))
	lossPerUnit := refEntry.Mul(stopPct).Div(hundred)
	return projectedQty.Mul(lossPerUnit)
}
