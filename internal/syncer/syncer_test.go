package syncer

import (
	"context"
	"log/slog"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/exchange"
	"counterliq/internal/position"
	"counterliq/internal/storage"
	"counterliq/internal/storage/memory"
	"counterliq/pkg/types"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// fakeVenue serves canned position risk rows and income pages, and acks
// protective orders for the position manager.
type fakeVenue struct {
	positions    []exchange.PositionRisk
	income       []exchange.IncomeEvent
	incomeStarts []time.Time // window starts requested from Income
	nextID       int64
	placed       []exchange.OrderRequest
}

func (v *fakeVenue) PositionRisk(context.Context) ([]exchange.PositionRisk, error) {
	return v.positions, nil
}

func (v *fakeVenue) Income(_ context.Context, start, end time.Time, _ int) ([]exchange.IncomeEvent, error) {
	v.incomeStarts = append(v.incomeStarts, start)
	var out []exchange.IncomeEvent
	for _, evt := range v.income {
		at := evt.IncomeTime()
		if !at.Before(start) && at.Before(end) {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (v *fakeVenue) NewOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error) {
	v.nextID++
	v.placed = append(v.placed, req)
	return &exchange.OrderResponse{OrderID: v.nextID, Symbol: req.Symbol, Status: "NEW"}, nil
}

func (v *fakeVenue) CancelOrder(context.Context, string, string) error { return nil }

func (v *fakeVenue) OpenOrders(context.Context, string) ([]exchange.OrderResponse, error) {
	return nil, nil
}

func (v *fakeVenue) TickerPrice(context.Context, string) (decimal.Decimal, error) {
	return dec("100"), nil
}

func (v *fakeVenue) Klines(context.Context, string, string, int) ([]exchange.Kline, error) {
	return nil, nil
}

func fixedPrecision(string) types.SymbolPrecision {
	return types.SymbolPrecision{PriceTick: dec("0.01"), QtyStep: dec("0.001")}
}

func setup(t *testing.T) (*Syncer, *fakeVenue, *storage.Store, int64) {
	t.Helper()
	store := memory.NewStore()
	venue := &fakeVenue{}
	pm := position.NewManager(store, venue, fixedPrecision, quietLogger())
	s := New(store, venue, pm, quietLogger())

	ctx := context.Background()
	strat := &types.Strategy{
		Name:                "counter",
		MaxLayers:           3,
		PositionSizePercent: dec("10"),
		ProfitTargetPercent: dec("2"),
		StopLossPercent:     dec("2"),
		Leverage:            1,
		IsActive:            true,
	}
	if err := store.Strategies.Create(ctx, strat); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	sess := &types.Session{
		StrategyID:      strat.ID,
		StartingBalance: dec("10000"),
		CurrentBalance:  dec("10000"),
		StartedAt:       time.Now(),
		IsActive:        true,
	}
	if err := store.Sessions.Create(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, venue, store, sess.ID
}

func TestSweepOrphansAdoptsVenuePosition(t *testing.T) {
	t.Parallel()
	s, venue, store, sessID := setup(t)
	ctx := context.Background()

	venue.positions = []exchange.PositionRisk{
		{Symbol: "ETHUSDT", PositionSide: "BOTH", PositionAmt: "-2", EntryPrice: "2500", UnrealizedPL: "0", Leverage: "3"},
		{Symbol: "BTCUSDT", PositionSide: "BOTH", PositionAmt: "0", EntryPrice: "0", UnrealizedPL: "0", Leverage: "1"},
	}

	adopted, err := s.SweepOrphans(ctx, sessID)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if adopted != 1 {
		t.Fatalf("adopted %d positions, want 1 (zero-quantity rows skipped)", adopted)
	}

	pos, err := store.Positions.GetOpen(ctx, sessID, "ETHUSDT", types.SHORT)
	if err != nil {
		t.Fatalf("GetOpen: %v", err)
	}
	if !pos.Quantity.Equal(dec("2")) || !pos.AvgEntryPrice.Equal(dec("2500")) {
		t.Errorf("qty/entry = %s/%s, want 2/2500", pos.Quantity, pos.AvgEntryPrice)
	}

	// The synthetic entry carries no fee and a deterministic order id.
	fills, _ := store.Fills.ListByPosition(ctx, pos.ID)
	if len(fills) != 1 {
		t.Fatalf("synthesized %d fills, want 1", len(fills))
	}
	if fills[0].OrderID != "orphan-ETHUSDT-SHORT" {
		t.Errorf("order id = %q, want deterministic orphan id", fills[0].OrderID)
	}
	if !fills[0].Commission.IsZero() {
		t.Errorf("commission = %s, want 0", fills[0].Commission)
	}

	// Protective pair attached right after adoption.
	if len(venue.placed) != 2 {
		t.Errorf("placed %d protective orders, want TP+SL", len(venue.placed))
	}
	for _, req := range venue.placed {
		if !req.ReduceOnly || req.Side != types.BUY {
			t.Errorf("protective %+v, want reduce-only BUY for a short", req)
		}
	}
}

func TestSweepOrphansSecondRunAddsNothing(t *testing.T) {
	t.Parallel()
	s, venue, store, sessID := setup(t)
	ctx := context.Background()

	venue.positions = []exchange.PositionRisk{
		{Symbol: "ETHUSDT", PositionSide: "BOTH", PositionAmt: "1.5", EntryPrice: "2000", UnrealizedPL: "0", Leverage: "1"},
	}

	if _, err := s.SweepOrphans(ctx, sessID); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	adopted, err := s.SweepOrphans(ctx, sessID)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if adopted != 0 {
		t.Errorf("second sweep adopted %d, want 0", adopted)
	}

	count, _ := store.Positions.OpenSymbolCount(ctx, sessID)
	if count != 1 {
		t.Errorf("open symbols = %d, want 1", count)
	}
}

func TestRebuildHistoryImportsRealizedPnl(t *testing.T) {
	t.Parallel()
	s, venue, store, sessID := setup(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	venue.income = []exchange.IncomeEvent{
		{TranID: 1, Symbol: "BTCUSDT", IncomeType: types.IncomeRealizedPnL, Income: "12.5", Time: base.UnixMilli(), TradeID: "501"},
		{TranID: 2, Symbol: "BTCUSDT", IncomeType: types.IncomeCommission, Income: "-0.4", Time: base.Add(time.Minute).UnixMilli(), TradeID: "501"},
		{TranID: 3, Symbol: "ETHUSDT", IncomeType: types.IncomeRealizedPnL, Income: "-3", Time: base.Add(2 * time.Minute).UnixMilli(), TradeID: "502"},
		{TranID: 4, Symbol: "BTCUSDT", IncomeType: types.IncomeFundingFee, Income: "-0.1", Time: base.Add(3 * time.Minute).UnixMilli(), TradeID: ""},
	}

	if err := s.RebuildHistory(ctx, sessID); err != nil {
		t.Fatalf("RebuildHistory: %v", err)
	}

	// One closed position per realized-pnl event.
	for _, want := range []struct {
		tradeID string
		pnl     string
	}{{"501", "12.5"}, {"502", "-3"}} {
		exists, err := store.Fills.ExistsByOrderID(ctx, sessID, "sync-pnl-"+want.tradeID)
		if err != nil || !exists {
			t.Errorf("import marker for trade %s missing (err=%v)", want.tradeID, err)
		}
	}

	commissions, funding, earliest, err := s.Totals(ctx)
	if err != nil {
		t.Fatalf("Totals: %v", err)
	}
	if !commissions.Equal(dec("-0.4")) {
		t.Errorf("commissions = %s, want -0.4", commissions)
	}
	if !funding.Equal(dec("-0.1")) {
		t.Errorf("funding = %s, want -0.1", funding)
	}
	if !earliest.Equal(time.UnixMilli(base.UnixMilli())) {
		t.Errorf("earliest = %v, want %v", earliest, base)
	}
}

// A mirror spanning weeks must not be re-paginated on every run; the rebuild
// resumes just behind the newest record.
func TestRebuildHistoryResumesFromLatestIncome(t *testing.T) {
	t.Parallel()
	s, venue, store, sessID := setup(t)
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }
	for _, seed := range []struct {
		id string
		at time.Time
	}{
		{"COMMISSION-1", now.Add(-30 * 24 * time.Hour)},
		{"COMMISSION-2", now.Add(-2 * time.Hour)},
	} {
		rec := &types.IncomeRecord{
			VenueIncomeID: seed.id,
			Symbol:        "BTCUSDT",
			IncomeType:    types.IncomeCommission,
			Income:        dec("-0.1"),
			IncomeTime:    seed.at,
			ImportedAt:    now,
		}
		if err := store.Income.Upsert(ctx, rec); err != nil {
			t.Fatalf("seed income: %v", err)
		}
	}

	if err := s.RebuildHistory(ctx, sessID); err != nil {
		t.Fatalf("RebuildHistory: %v", err)
	}

	if len(venue.incomeStarts) == 0 {
		t.Fatal("no income pages requested")
	}
	// One hour of overlap behind the newest record, nowhere near the oldest.
	wantStart := now.Add(-3 * time.Hour)
	for _, start := range venue.incomeStarts {
		if start.Before(wantStart) {
			t.Errorf("income page requested from %v, want resume after %v", start, wantStart)
		}
	}
}

func TestRebuildHistoryRerunAddsNothing(t *testing.T) {
	t.Parallel()
	s, venue, store, sessID := setup(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	venue.income = []exchange.IncomeEvent{
		{TranID: 1, Symbol: "BTCUSDT", IncomeType: types.IncomeRealizedPnL, Income: "7", Time: base.UnixMilli(), TradeID: "601"},
	}

	if err := s.RebuildHistory(ctx, sessID); err != nil {
		t.Fatalf("first rebuild: %v", err)
	}
	if err := s.RebuildHistory(ctx, sessID); err != nil {
		t.Fatalf("second rebuild: %v", err)
	}

	// Exactly one marker fill and one imported position survive the re-run.
	found := 0
	for i := int64(1); i < 20; i++ {
		pos, err := store.Positions.Get(ctx, i)
		if err != nil {
			continue
		}
		if pos.Symbol == "BTCUSDT" && !pos.IsOpen {
			found++
		}
	}
	if found != 1 {
		t.Errorf("imported positions after re-run = %d, want 1", found)
	}

	exists, _ := store.Fills.ExistsByOrderID(ctx, sessID, "sync-pnl-"+strconv.Itoa(601))
	if !exists {
		t.Error("import marker missing after re-run")
	}
}
