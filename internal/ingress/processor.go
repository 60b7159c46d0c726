// Package ingress turns the raw forced-order stream into the persisted,
// deduplicated liquidation event log and fans accepted events out to
// consumers.
//
// Dedup is two-layered. A bounded in-memory cache rejects replays cheaply
// (stream reconnects re-deliver recent events); the event log's unique
// constraint on the event id is the authoritative second layer. Each event
// is processed under a per-event-id lock that is held for a short grace
// period after processing, so a concurrent replay of the same event blocks
// until the first copy is fully persisted and then hits the dedup layers.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/internal/observability"
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

const (
	// lockGrace keeps the per-event lock held after processing so that a
	// near-simultaneous duplicate lands on the warm dedup cache.
	lockGrace = 100 * time.Millisecond

	dedupTTL        = 5 * time.Second
	dedupMinEntries = 100
)

// Consumer receives accepted liquidations. Consumer errors are logged and
// swallowed: a failing consumer must never stall ingestion or poison the
// event for the others.
type Consumer interface {
	OnLiquidation(ctx context.Context, liq *types.Liquidation)
}

// Processor validates, deduplicates, persists, and fans out forced-order
// events.
type Processor struct {
	store     storage.LiquidationStore
	consumers []Consumer
	locks     *keyedLock
	dedup     *dedupCache
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a Processor writing to store and fanning out to
// consumers in order.
func NewProcessor(store storage.LiquidationStore, consumers []Consumer, logger *slog.Logger) *Processor {
	return &Processor{
		store:     store,
		consumers: consumers,
		locks:     newKeyedLock(),
		dedup:     newDedupCache(dedupTTL, dedupMinEntries),
		logger:    logger.With("component", "ingress"),
		now:       time.Now,
	}
}

// Run consumes the feed until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, events <-chan exchange.ForceOrderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := p.Handle(ctx, evt); err != nil {
				p.logger.Error("event rejected", "symbol", evt.Order.Symbol, "error", err)
			}
		}
	}
}

// Handle processes one forced-order event end to end.
func (p *Processor) Handle(ctx context.Context, evt exchange.ForceOrderEvent) error {
	liq, err := parseEvent(evt, p.now())
	if err != nil {
		return err
	}

	p.locks.Lock(liq.EventID)
	// Hold the lock through the grace window so a duplicate arriving right
	// behind this event serializes into the dedup layers. The release is
	// asynchronous: Handle runs on the single feed goroutine and must not
	// stall it for the grace period on every event.
	defer time.AfterFunc(lockGrace, func() {
		p.locks.Unlock(liq.EventID)
	})

	if p.dedup.Seen(liq.EventID) {
		observability.DedupHits.WithLabelValues("memory").Inc()
		p.logger.Debug("duplicate event (memory)", "event_id", liq.EventID)
		return nil
	}

	if err := p.store.Insert(ctx, liq); err != nil {
		if !errors.Is(err, storage.ErrDuplicateKey) {
			return fmt.Errorf("persist liquidation: %w", err)
		}
		// The row exists from before a restart, but downstream effects may
		// not have been persisted. Adopt the stored row and keep going.
		observability.DedupHits.WithLabelValues("database").Inc()
		existing, getErr := p.store.GetByEventID(ctx, liq.EventID)
		if getErr != nil {
			return fmt.Errorf("fetch duplicate liquidation: %w", getErr)
		}
		liq = existing
		p.logger.Debug("duplicate event adopted from log", "event_id", liq.EventID)
	} else {
		observability.LiquidationsIngested.Inc()
	}

	p.logger.Info("liquidation ingested",
		"symbol", liq.Symbol,
		"liquidated_side", liq.Side,
		"notional", liq.Notional,
		"price", liq.Price,
	)

	for _, c := range p.consumers {
		c.OnLiquidation(ctx, liq)
	}
	return nil
}

// parseEvent converts the wire event into a Liquidation: decimals parsed,
// side inverted to the liquidated side, and the deterministic event id
// assembled from the fields that identify the forced order.
func parseEvent(evt exchange.ForceOrderEvent, ingestedAt time.Time) (*types.Liquidation, error) {
	o := evt.Order
	if o.Symbol == "" {
		return nil, fmt.Errorf("forced order missing symbol")
	}

	qty, err := decimal.NewFromString(o.Qty)
	if err != nil {
		return nil, fmt.Errorf("parse qty %q: %w", o.Qty, err)
	}
	priceStr := o.AvgPrice
	if priceStr == "" || priceStr == "0" {
		priceStr = o.Price
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse price %q: %w", priceStr, err)
	}
	if qty.Sign() <= 0 || price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive qty %s or price %s", qty, price)
	}

	side := types.Side(o.Side)
	if side != types.BUY && side != types.SELL {
		return nil, fmt.Errorf("unknown order side %q", o.Side)
	}

	return &types.Liquidation{
		EventID:    fmt.Sprintf("%s-%d-%s-%s-%s", o.Symbol, o.TradeTime, o.Side, qty, price),
		Symbol:     o.Symbol,
		Side:       types.LiquidatedSide(side),
		Quantity:   qty,
		Price:      price,
		Notional:   qty.Mul(price),
		EventTime:  time.UnixMilli(o.TradeTime),
		IngestedAt: ingestedAt,
	}, nil
}
