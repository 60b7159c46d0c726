package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestLiquidationDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLiquidationStore()

	l := &types.Liquidation{
		EventID:    "BTCUSDT-1700000000000-SELL-0.5-30000",
		Symbol:     "BTCUSDT",
		Side:       types.LONG,
		Quantity:   dec("0.5"),
		Price:      dec("30000"),
		Notional:   dec("15000"),
		EventTime:  time.Now(),
		IngestedAt: time.Now(),
	}
	require.NoError(t, s.Insert(ctx, l))
	assert.Equal(t, int64(1), l.ID)

	dup := *l
	dup.ID = 0
	err := s.Insert(ctx, &dup)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	got, err := s.GetByEventID(ctx, l.EventID)
	require.NoError(t, err)
	assert.True(t, got.Notional.Equal(dec("15000")))
}

func TestLiquidationWindows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewLiquidationStore()
	base := time.Now()

	insert := func(id string, side types.PositionSide, notional string, at time.Time) {
		require.NoError(t, s.Insert(ctx, &types.Liquidation{
			EventID: id, Symbol: "ETHUSDT", Side: side,
			Notional: dec(notional), EventTime: at, IngestedAt: at,
		}))
	}
	insert("a", types.LONG, "100", base.Add(-90*time.Second))
	insert("b", types.LONG, "200", base.Add(-30*time.Second))
	insert("c", types.SHORT, "50", base.Add(-10*time.Second))

	notionals, err := s.NotionalsSince(ctx, "ETHUSDT", base.Add(-60*time.Second))
	require.NoError(t, err)
	assert.Len(t, notionals, 2)

	sn, err := s.SideNotionalSince(ctx, "ETHUSDT", base.Add(-60*time.Second))
	require.NoError(t, err)
	assert.True(t, sn.Long.Equal(dec("200")))
	assert.True(t, sn.Short.Equal(dec("50")))

	deleted, err := s.DeleteOlderThan(ctx, base.Add(-60*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	_, err = s.GetByEventID(ctx, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSingleActiveSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewSessionStore()

	first := &types.Session{StrategyID: 1, StartingBalance: dec("1000"), CurrentBalance: dec("1000"), StartedAt: time.Now(), IsActive: true}
	require.NoError(t, s.Create(ctx, first))

	second := &types.Session{StrategyID: 1, StartingBalance: dec("1000"), CurrentBalance: dec("1000"), StartedAt: time.Now(), IsActive: true}
	err := s.Create(ctx, second)
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)

	require.NoError(t, s.End(ctx, first.ID, time.Now()))
	require.NoError(t, s.Create(ctx, second))

	active, err := s.Active(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	ended, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.NotNil(t, ended.EndedAt)
}

func TestSingleOpenPositionPerSide(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewPositionStore()

	long := &types.Position{SessionID: 1, Symbol: "BTCUSDT", Side: types.LONG, IsOpen: true, OpenedAt: time.Now(), ReservedRisk: dec("25")}
	require.NoError(t, s.Insert(ctx, long))

	dupLong := &types.Position{SessionID: 1, Symbol: "BTCUSDT", Side: types.LONG, IsOpen: true, OpenedAt: time.Now()}
	assert.ErrorIs(t, s.Insert(ctx, dupLong), storage.ErrDuplicateKey)

	// Hedge mode: the opposite side coexists and the symbol counts once.
	short := &types.Position{SessionID: 1, Symbol: "BTCUSDT", Side: types.SHORT, IsOpen: true, OpenedAt: time.Now(), ReservedRisk: dec("10")}
	require.NoError(t, s.Insert(ctx, short))

	n, err := s.OpenSymbolCount(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	risk, err := s.SumReservedRisk(ctx, 1)
	require.NoError(t, err)
	assert.True(t, risk.Equal(dec("35")))

	long.IsOpen = false
	closedAt := time.Now()
	long.ClosedAt = &closedAt
	require.NoError(t, s.Update(ctx, long))

	reopened := &types.Position{SessionID: 1, Symbol: "BTCUSDT", Side: types.LONG, IsOpen: true, OpenedAt: time.Now()}
	require.NoError(t, s.Insert(ctx, reopened))
}

func TestFillIdempotency(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFillStore()

	f := &types.Fill{
		VenueTradeID: "9001", SessionID: 1, OrderID: "777", PositionID: 1,
		Symbol: "BTCUSDT", Side: types.BUY, Quantity: dec("0.1"),
		Price: dec("30000"), Notional: dec("3000"), FilledAt: time.Now(),
	}
	require.NoError(t, s.Insert(ctx, f))

	dup := *f
	dup.ID = 0
	assert.ErrorIs(t, s.Insert(ctx, &dup), storage.ErrDuplicateKey)

	// Same venue trade id, different session: distinct fill.
	other := *f
	other.ID = 0
	other.SessionID = 2
	require.NoError(t, s.Insert(ctx, &other))

	exists, err := s.ExistsByOrderID(ctx, 1, "777")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = s.ExistsByOrderID(ctx, 1, "sync-pnl-9001")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFillOrderingByFilledAt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewFillStore()
	base := time.Now()

	// Inserted out of order; listing must come back in fill-time order.
	require.NoError(t, s.Insert(ctx, &types.Fill{VenueTradeID: "2", SessionID: 1, PositionID: 7, FilledAt: base.Add(time.Second), Quantity: dec("1"), Price: dec("20")}))
	require.NoError(t, s.Insert(ctx, &types.Fill{VenueTradeID: "1", SessionID: 1, PositionID: 7, FilledAt: base, Quantity: dec("1"), Price: dec("10")}))

	fills, err := s.ListByPosition(ctx, 7)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, "1", fills[0].VenueTradeID)
	assert.Equal(t, "2", fills[1].VenueTradeID)
}

func TestOrderPendingEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewOrderStore()
	posID := int64(3)

	mk := func(purpose types.OrderPurpose, status types.OrderStatus) *types.Order {
		o := &types.Order{
			VenueOrderID: "v", SessionID: 1, PositionID: &posID, Symbol: "BTCUSDT",
			Side: types.BUY, Type: types.OrderTypeLimit, Purpose: purpose,
			Quantity: dec("1"), Status: status, CreatedAt: time.Now(),
		}
		require.NoError(t, s.Insert(ctx, o))
		return o
	}
	pendingEntry := mk(types.PurposeEntry, types.OrderPending)
	mk(types.PurposeEntry, types.OrderFilled)
	mk(types.PurposeTakeProfit, types.OrderPending)
	mk(types.PurposeStopLoss, types.OrderPending)

	entries, err := s.ListPendingEntries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, pendingEntry.ID, entries[0].ID)

	protective, err := s.ListByPosition(ctx, posID, types.PurposeTakeProfit, types.PurposeStopLoss)
	require.NoError(t, err)
	assert.Len(t, protective, 2)
}

func TestIncomeUpsertIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewIncomeStore()

	_, err := s.EarliestTime(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.LatestTime(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	at := time.Now().Add(-time.Hour)
	r := &types.IncomeRecord{VenueIncomeID: "pnl-1", IncomeType: types.IncomeRealizedPnL, Income: dec("12.5"), IncomeTime: at, ImportedAt: time.Now()}
	require.NoError(t, s.Upsert(ctx, r))
	require.NoError(t, s.Upsert(ctx, r))

	later := at.Add(30 * time.Minute)
	r2 := &types.IncomeRecord{VenueIncomeID: "pnl-2", IncomeType: types.IncomeCommission, Income: dec("-0.2"), IncomeTime: later, ImportedAt: time.Now()}
	require.NoError(t, s.Upsert(ctx, r2))

	total, err := s.TotalByType(ctx, types.IncomeRealizedPnL)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("12.5")))

	earliest, err := s.EarliestTime(ctx)
	require.NoError(t, err)
	assert.True(t, earliest.Equal(at))

	latest, err := s.LatestTime(ctx)
	require.NoError(t, err)
	assert.True(t, latest.Equal(later))
}

func TestStrategySingleton(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewStrategyStore()

	_, err := s.Get(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	st := &types.Strategy{Name: "default", MaxLayers: 3, PercentileThreshold: 75, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, s.Create(ctx, st))

	st.MaxLayers = 5
	require.NoError(t, s.Update(ctx, st))

	got, err := s.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxLayers)
}
