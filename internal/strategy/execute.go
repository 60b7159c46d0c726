package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/pkg/types"
)

// execute submits the entry or layer order. The cooldown is armed as soon as
// a qualifying order reaches the venue, before the limit chase settles. The
// fill itself arrives through the user stream; in dry-run mode the synthetic
// FILLED ack is applied directly since no stream exists.
func (e *Engine) execute(ctx context.Context, sess *types.Session, strat *types.Strategy, symbol string, side types.PositionSide, qty, refPrice decimal.Decimal, layer int) (string, error) {
	if err := e.sleep(ctx, time.Duration(strat.OrderDelayMs)*time.Millisecond); err != nil {
		return "", err
	}
	if strat.OrderType == types.OrderTypeLimit {
		return e.chaseLimit(ctx, sess, strat, symbol, side, qty, refPrice, layer)
	}

	resp, err := e.venue.NewOrder(ctx, exchange.OrderRequest{
		Symbol:       symbol,
		Side:         side.EntrySide(),
		PositionSide: positionSideFor(strat, side),
		Type:         types.OrderTypeMarket,
		Quantity:     qty,
	})
	if err != nil {
		return "", err
	}
	e.armCooldown(symbol, side)

	if err := e.recordEntryOrder(ctx, sess.ID, symbol, side, strat.OrderType, nil, qty, layer, resp); err != nil {
		return resp.VenueOrderID(), err
	}
	if e.dryRun && resp.Status == "FILLED" {
		if err := e.applyAckFill(ctx, sess, strat, symbol, side, qty, refPrice, layer, resp); err != nil {
			return resp.VenueOrderID(), err
		}
	}
	return resp.VenueOrderID(), nil
}

// chaseLimit places a limit order at the reference price and chases the
// market: while unfilled, a move beyond the slippage tolerance cancels and
// re-places at the new reference. A re-place only happens once the venue
// confirms the cancel; otherwise the original order may fill alongside the
// replacement and double the exposure. The chase has a hard deadline; on
// timeout the working order is cancelled and the layer aborted.
func (e *Engine) chaseLimit(ctx context.Context, sess *types.Session, strat *types.Strategy, symbol string, side types.PositionSide, qty, refPrice decimal.Decimal, layer int) (string, error) {
	prec := e.prec(symbol)
	ref := prec.RoundPrice(refPrice)
	deadline := e.now().Add(strat.MaxRetryDuration())

	place := func(price decimal.Decimal) (*exchange.OrderResponse, error) {
		return e.venue.NewOrder(ctx, exchange.OrderRequest{
			Symbol:       symbol,
			Side:         side.EntrySide(),
			PositionSide: positionSideFor(strat, side),
			Type:         types.OrderTypeLimit,
			Quantity:     qty,
			Price:        price,
			TimeInForce:  "GTC",
		})
	}

	resp, err := place(ref)
	if err != nil {
		return "", err
	}
	e.armCooldown(symbol, side)
	if err := e.recordEntryOrder(ctx, sess.ID, symbol, side, types.OrderTypeLimit, &ref, qty, layer, resp); err != nil {
		return resp.VenueOrderID(), err
	}
	if e.dryRun && resp.Status == "FILLED" {
		if err := e.applyAckFill(ctx, sess, strat, symbol, side, qty, ref, layer, resp); err != nil {
			return resp.VenueOrderID(), err
		}
		return resp.VenueOrderID(), nil
	}

	for {
		if err := e.sleep(ctx, chasePollInterval); err != nil {
			return "", err
		}

		state, err := e.venue.QueryOrder(ctx, symbol, resp.VenueOrderID())
		if err != nil {
			e.logger.Warn("order state query failed", "order", resp.VenueOrderID(), "error", err)
		} else if state.Status == "FILLED" {
			return resp.VenueOrderID(), nil
		}

		if !e.now().Before(deadline) {
			if err := e.cancelWorking(ctx, symbol, resp.VenueOrderID()); err != nil {
				e.logger.Warn("chase cancel failed on timeout", "order", resp.VenueOrderID(), "error", err)
			}
			return "", fmt.Errorf("limit chase timed out after %s", strat.MaxRetryDuration())
		}

		cur, err := e.venue.TickerPrice(ctx, symbol)
		if err != nil {
			continue
		}
		moved := cur.Sub(ref).Abs().Div(ref).Mul(decimal.NewFromInt(100))
		if moved.GreaterThan(strat.SlippageTolerancePct) {
			if err := e.cancelWorking(ctx, symbol, resp.VenueOrderID()); err != nil {
				return "", err
			}
			ref = prec.RoundPrice(cur)
			resp, err = place(ref)
			if err != nil {
				return "", err
			}
			if err := e.recordEntryOrder(ctx, sess.ID, symbol, side, types.OrderTypeLimit, &ref, qty, layer, resp); err != nil {
				return resp.VenueOrderID(), err
			}
			e.logger.Info("limit order chased", "symbol", symbol, "price", ref)
		}
	}
}

// cancelWorking cancels a live chase order and marks the local record. A
// venue cancel failure is returned to the caller; the local bookkeeping
// failures are log-only since the venue state already changed.
func (e *Engine) cancelWorking(ctx context.Context, symbol, venueOrderID string) error {
	if err := e.venue.CancelOrder(ctx, symbol, venueOrderID); err != nil {
		return fmt.Errorf("cancel working order %s: %w", venueOrderID, err)
	}
	order, err := e.store.Orders.GetByVenueID(ctx, venueOrderID)
	if err != nil {
		e.logger.Warn("chase order lookup failed", "order", venueOrderID, "error", err)
		return nil
	}
	order.Status = types.OrderCancelled
	if err := e.store.Orders.Update(ctx, order); err != nil {
		e.logger.Warn("chase order status update failed", "order", venueOrderID, "error", err)
	}
	return nil
}

func (e *Engine) recordEntryOrder(ctx context.Context, sessionID int64, symbol string, side types.PositionSide, orderType types.OrderType, price *decimal.Decimal, qty decimal.Decimal, layer int, resp *exchange.OrderResponse) error {
	record := &types.Order{
		VenueOrderID: resp.VenueOrderID(),
		SessionID:    sessionID,
		Symbol:       symbol,
		Side:         side.EntrySide(),
		Type:         orderType,
		Purpose:      types.PurposeEntry,
		Price:        price,
		Quantity:     qty,
		Status:       types.OrderPending,
		Layer:        layer,
		CreatedAt:    e.now(),
	}
	if err := e.store.Orders.Insert(ctx, record); err != nil {
		return fmt.Errorf("record entry order: %w", err)
	}
	return nil
}

// applyAckFill turns a synthetic dry-run FILLED ack into a fill so position
// state advances without a user stream. The caller already holds the
// decision lock.
func (e *Engine) applyAckFill(ctx context.Context, sess *types.Session, strat *types.Strategy, symbol string, side types.PositionSide, qty, refPrice decimal.Decimal, layer int, resp *exchange.OrderResponse) error {
	price := refPrice
	if p, err := decimal.NewFromString(resp.AvgPrice); err == nil && p.Sign() > 0 {
		price = p
	}
	fill := &types.Fill{
		VenueTradeID: "ack-" + resp.VenueOrderID(),
		SessionID:    sess.ID,
		OrderID:      resp.VenueOrderID(),
		Symbol:       symbol,
		Side:         side.EntrySide(),
		Quantity:     qty,
		Price:        price,
		Notional:     qty.Mul(price),
		Layer:        layer,
		FilledAt:     e.now(),
	}
	if _, err := e.pm.ApplyFillLocked(ctx, fill, side, strat); err != nil {
		return fmt.Errorf("apply ack fill: %w", err)
	}
	return nil
}

func positionSideFor(strat *types.Strategy, side types.PositionSide) types.PositionSide {
	if strat.HedgeMode {
		return side
	}
	return ""
}
