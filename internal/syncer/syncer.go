// Package syncer reconciles local state against the venue.
//
// Two flows run on a schedule and on operator request: the orphan sweep
// adopts venue positions the engine has no record of, and the historical
// rebuild imports the venue's realized-P&L stream into closed positions.
// Both are idempotent; re-running them adds nothing.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/internal/observability"
	"counterliq/internal/position"
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

const (
	// rebuildLookback bounds the first historical rebuild when the income
	// mirror is empty.
	rebuildLookback = 90 * 24 * time.Hour

	// rebuildOverlap is re-walked behind the newest mirrored record on every
	// rebuild, covering income the venue reported late. The upserts make the
	// overlap idempotent.
	rebuildOverlap = time.Hour
)

// Venue is the slice of the exchange client the syncer needs.
type Venue interface {
	PositionRisk(ctx context.Context) ([]exchange.PositionRisk, error)
	Income(ctx context.Context, start, end time.Time, limit int) ([]exchange.IncomeEvent, error)
}

// Syncer owns both reconciliation flows.
type Syncer struct {
	store  *storage.Store
	venue  Venue
	pm     *position.Manager
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Syncer.
func New(store *storage.Store, venue Venue, pm *position.Manager, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:  store,
		venue:  venue,
		pm:     pm,
		logger: logger.With("component", "syncer"),
		now:    time.Now,
	}
}

// SweepOrphans adopts venue positions with no local open record: a position
// row is synthesized from the venue's entry price and quantity, backed by a
// zero-fee synthetic entry fill, and protective orders are attached
// immediately. Returns the number of positions adopted.
func (s *Syncer) SweepOrphans(ctx context.Context, sessionID int64) (int, error) {
	strat, err := s.store.Strategies.Get(ctx)
	if err != nil {
		return 0, fmt.Errorf("load strategy: %w", err)
	}
	rows, err := s.venue.PositionRisk(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch position risk: %w", err)
	}

	adopted := 0
	for _, row := range rows {
		side, qty, entry, _, err := row.Parse()
		if err != nil {
			s.logger.Warn("unparseable position risk row", "symbol", row.Symbol, "error", err)
			continue
		}
		if qty.IsZero() {
			continue
		}

		_, err = s.store.Positions.GetOpen(ctx, sessionID, row.Symbol, side)
		if err == nil {
			continue // already tracked
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return adopted, fmt.Errorf("load position: %w", err)
		}

		if err := s.adopt(ctx, sessionID, strat, row.Symbol, side, qty, entry); err != nil {
			s.logger.Error("orphan adoption failed",
				"symbol", row.Symbol, "side", side, "error", err)
			continue
		}
		adopted++
		observability.OrphansAdopted.Inc()
		s.logger.Info("orphan position adopted",
			"symbol", row.Symbol, "side", side, "qty", qty, "entry", entry)
	}
	return adopted, nil
}

// adopt synthesizes the fill that brings the venue position into the local
// books. The deterministic order id keys idempotency for the fill row.
func (s *Syncer) adopt(ctx context.Context, sessionID int64, strat *types.Strategy, symbol string, side types.PositionSide, qty, entry decimal.Decimal) error {
	orderID := fmt.Sprintf("orphan-%s-%s", symbol, side)
	fill := &types.Fill{
		VenueTradeID: fmt.Sprintf("%s-%d", orderID, s.now().UnixMilli()),
		SessionID:    sessionID,
		OrderID:      orderID,
		Symbol:       symbol,
		Side:         side.EntrySide(),
		Quantity:     qty,
		Price:        entry,
		Notional:     qty.Mul(entry),
		Layer:        1,
		FilledAt:     s.now(),
	}
	if _, err := s.pm.ApplyFill(ctx, fill, side, strat); err != nil {
		return err
	}
	return nil
}

// RebuildHistory imports the venue's income stream: one closed position per
// realized-P&L event, plus the commission and funding mirror. The rebuild
// resumes just behind the newest mirrored record (or from a bounded lookback
// when the mirror is empty) and is safe to re-run.
func (s *Syncer) RebuildHistory(ctx context.Context, sessionID int64) error {
	start := s.rebuildStart(ctx)
	end := s.now()
	s.logger.Info("historical rebuild started", "from", start, "to", end)

	imported := 0
	err := exchange.Paginate(ctx, start, end, func(ctx context.Context, winStart, winEnd time.Time, limit int) (int, time.Time, error) {
		events, err := s.venue.Income(ctx, winStart, winEnd, limit)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("fetch income page: %w", err)
		}
		var last time.Time
		for _, evt := range events {
			last = evt.IncomeTime()
			created, err := s.importIncome(ctx, sessionID, evt)
			if err != nil {
				return 0, time.Time{}, err
			}
			if created {
				imported++
			}
		}
		return len(events), last, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("historical rebuild finished", "positions_imported", imported)
	return nil
}

// importIncome mirrors one income event and, for realized P&L, creates the
// corresponding closed position. Returns true when a position was created.
func (s *Syncer) importIncome(ctx context.Context, sessionID int64, evt exchange.IncomeEvent) (bool, error) {
	income, err := decimal.NewFromString(evt.Income)
	if err != nil {
		return false, fmt.Errorf("parse income %q: %w", evt.Income, err)
	}
	record := &types.IncomeRecord{
		VenueIncomeID: evt.VenueIncomeID(),
		Symbol:        evt.Symbol,
		IncomeType:    evt.IncomeType,
		Income:        income,
		IncomeTime:    evt.IncomeTime(),
		ImportedAt:    s.now(),
	}
	if err := s.store.Income.Upsert(ctx, record); err != nil {
		return false, fmt.Errorf("upsert income record: %w", err)
	}
	if evt.IncomeType != types.IncomeRealizedPnL {
		return false, nil
	}

	syntheticOrderID := "sync-pnl-" + evt.TradeID
	exists, err := s.store.Fills.ExistsByOrderID(ctx, sessionID, syntheticOrderID)
	if err != nil {
		return false, fmt.Errorf("check import marker: %w", err)
	}
	if exists {
		return false, nil
	}

	closedAt := evt.IncomeTime()
	pos := &types.Position{
		SessionID:    sessionID,
		Symbol:       evt.Symbol,
		Side:         types.LONG, // direction is not recoverable from income alone
		LayersFilled: 1,
		MaxLayers:    1,
		RealizedPnL:  &income,
		OpenedAt:     closedAt,
		ClosedAt:     &closedAt,
		IsOpen:       false,
	}
	if err := s.store.Positions.Insert(ctx, pos); err != nil {
		return false, fmt.Errorf("insert imported position: %w", err)
	}

	fill := &types.Fill{
		VenueTradeID: syntheticOrderID,
		SessionID:    sessionID,
		OrderID:      syntheticOrderID,
		PositionID:   pos.ID,
		Symbol:       evt.Symbol,
		FilledAt:     closedAt,
	}
	if err := s.store.Fills.Insert(ctx, fill); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return false, nil
		}
		return false, fmt.Errorf("insert import marker: %w", err)
	}
	return true, nil
}

// rebuildStart picks where the rebuild resumes: just behind the newest
// income on record, or the bounded lookback on first run. Resuming from the
// oldest record would re-paginate the full mirror on every scheduled run.
func (s *Syncer) rebuildStart(ctx context.Context) time.Time {
	latest, err := s.store.Income.LatestTime(ctx)
	if err != nil {
		return s.now().Add(-rebuildLookback)
	}
	return latest.Add(-rebuildOverlap)
}

// Totals reports the income mirror's aggregate commissions and funding fees
// along with the earliest record time, for operator reporting.
func (s *Syncer) Totals(ctx context.Context) (commissions, funding decimal.Decimal, earliest time.Time, err error) {
	commissions, err = s.store.Income.TotalByType(ctx, types.IncomeCommission)
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("total commissions: %w", err)
	}
	funding, err = s.store.Income.TotalByType(ctx, types.IncomeFundingFee)
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("total funding: %w", err)
	}
	earliest, err = s.store.Income.EarliestTime(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return commissions, funding, time.Time{}, nil
	}
	if err != nil {
		return decimal.Zero, decimal.Zero, time.Time{}, fmt.Errorf("earliest income: %w", err)
	}
	return commissions, funding, earliest, nil
}
