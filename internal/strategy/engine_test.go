package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
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

// fakeVenue acks every order as FILLED and serves a canned price.
type fakeVenue struct {
	mu        sync.Mutex
	nextID    int64
	placed    []exchange.OrderRequest
	cancelled []string
	price     decimal.Decimal
	ackStatus string
	cancelErr error             // returned by CancelOrder when set
	queries   map[string]string // venue order id -> status served by QueryOrder
}

func newFakeVenue(price string) *fakeVenue {
	return &fakeVenue{price: dec(price), ackStatus: "FILLED", queries: map[string]string{}}
}

func (v *fakeVenue) NewOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	v.placed = append(v.placed, req)
	return &exchange.OrderResponse{
		OrderID:  v.nextID,
		Symbol:   req.Symbol,
		Status:   v.ackStatus,
		AvgPrice: v.price.String(),
	}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, _, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancelErr != nil {
		return v.cancelErr
	}
	v.cancelled = append(v.cancelled, venueOrderID)
	return nil
}

func (v *fakeVenue) QueryOrder(_ context.Context, _, venueOrderID string) (*exchange.OrderResponse, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	status, ok := v.queries[venueOrderID]
	if !ok {
		status = "NEW"
	}
	return &exchange.OrderResponse{Status: status}, nil
}

func (v *fakeVenue) OpenOrders(context.Context, string) ([]exchange.OrderResponse, error) {
	return nil, nil
}

func (v *fakeVenue) TickerPrice(context.Context, string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.price, nil
}

func (v *fakeVenue) Klines(context.Context, string, string, int) ([]exchange.Kline, error) {
	return nil, nil
}

func (v *fakeVenue) entryOrders() []exchange.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []exchange.OrderRequest
	for _, req := range v.placed {
		if !req.ReduceOnly {
			out = append(out, req)
		}
	}
	return out
}

type staticGate bool

func (g staticGate) AutoBlock(string) bool { return bool(g) }

func fixedPrecision(string) types.SymbolPrecision {
	return types.SymbolPrecision{
		PriceTick: dec("0.01"),
		QtyStep:   dec("0.001"),
	}
}

func baseStrategy() *types.Strategy {
	return &types.Strategy{
		Name:                    "counter",
		SelectedAssets:          []string{"BTCUSDT", "ETHUSDT"},
		PercentileThreshold:     90,
		MaxLayers:               3,
		PositionSizePercent:     dec("10"),
		ProfitTargetPercent:     dec("2"),
		StopLossPercent:         dec("2"),
		Leverage:                1,
		OrderType:               types.OrderTypeMarket,
		LayerDelaySeconds:       120,
		MaxPortfolioSymbols:     5,
		MaxPortfolioRiskDollars: dec("10000"),
		IsActive:                true,
	}
}

type harness struct {
	engine *Engine
	venue  *fakeVenue
	store  *storage.Store
	sess   *types.Session
	clock  time.Time
}

func newHarness(t *testing.T, strat *types.Strategy, gate CascadeGate) *harness {
	t.Helper()
	store := memory.NewStore()
	venue := newFakeVenue("100")
	pm := position.NewManager(store, venue, fixedPrecision, quietLogger())
	e := NewEngine(store, venue, gate, pm, fixedPrecision, true, quietLogger())

	h := &harness{engine: e, venue: venue, store: store, clock: time.Now()}
	e.now = func() time.Time { return h.clock }
	e.sleep = func(context.Context, time.Duration) error { return nil }

	ctx := context.Background()
	if err := store.Strategies.Create(ctx, strat); err != nil {
		t.Fatalf("create strategy: %v", err)
	}
	h.sess = &types.Session{
		StrategyID:      strat.ID,
		StartingBalance: dec("10000"),
		CurrentBalance:  dec("10000"),
		StartedAt:       h.clock,
		IsActive:        true,
	}
	if err := store.Sessions.Create(ctx, h.sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return h
}

// ingest persists an event the way the ingress does, then returns it.
func (h *harness) ingest(t *testing.T, symbol string, side types.PositionSide, notional string) *types.Liquidation {
	t.Helper()
	n := dec(notional)
	liq := &types.Liquidation{
		EventID:   fmt.Sprintf("%s-%d-%s", symbol, h.clock.UnixNano(), notional),
		Symbol:    symbol,
		Side:      side,
		Quantity:  n.Div(dec("100")),
		Price:     dec("100"),
		Notional:  n,
		EventTime: h.clock,
	}
	if err := h.store.Liquidations.Insert(context.Background(), liq); err != nil {
		t.Fatalf("insert liquidation: %v", err)
	}
	return liq
}

func TestPercentileGateStrictRank(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseStrategy(), staticGate(false))
	ctx := context.Background()

	for _, n := range []string{"50", "80", "120", "200", "500"} {
		h.ingest(t, "BTCUSDT", types.LONG, n)
		h.clock = h.clock.Add(time.Second)
	}

	// 450 ranks 5/6 (83%) against the 500 already in the window.
	low := h.ingest(t, "BTCUSDT", types.LONG, "450")
	d, err := h.engine.Evaluate(ctx, low)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d.Accepted || d.Gate != GatePercentile {
		t.Errorf("notional 450: decision %+v, want percentile rejection", d)
	}

	// 550 ranks 7/7 (100%) and clears the 90 threshold.
	h.clock = h.clock.Add(time.Second)
	top := h.ingest(t, "BTCUSDT", types.LONG, "550")
	d, err = h.engine.Evaluate(ctx, top)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Accepted {
		t.Errorf("notional 550: decision %+v, want accepted", d)
	}
}

func TestCooldownArmsOnQualifyingSubmitOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseStrategy(), staticGate(false))
	ctx := context.Background()

	// E1 far below percentile: rejected, cooldown stays unarmed.
	h.ingest(t, "BTCUSDT", types.LONG, "1000")
	h.clock = h.clock.Add(time.Second)
	e1 := h.ingest(t, "BTCUSDT", types.LONG, "10")
	d, _ := h.engine.Evaluate(ctx, e1)
	if d.Accepted || d.Gate != GatePercentile {
		t.Fatalf("E1 decision %+v, want percentile rejection", d)
	}

	// E2 five seconds later tops the window: accepted, arms cooldown.
	h.clock = h.clock.Add(5 * time.Second)
	e2 := h.ingest(t, "BTCUSDT", types.LONG, "2000")
	d, _ = h.engine.Evaluate(ctx, e2)
	if !d.Accepted {
		t.Fatalf("E2 decision %+v, want accepted", d)
	}

	// E3 right after E2 hits the cooldown even though it tops the window.
	h.clock = h.clock.Add(time.Second)
	e3 := h.ingest(t, "BTCUSDT", types.LONG, "3000")
	d, _ = h.engine.Evaluate(ctx, e3)
	if d.Accepted || d.Gate != GateCooldown {
		t.Errorf("E3 decision %+v, want cooldown rejection", d)
	}
}

func TestCooldownExactBoundary(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseStrategy(), staticGate(false))

	h.engine.armCooldown("BTCUSDT", types.SHORT)
	delay := 120 * time.Second

	h.clock = h.clock.Add(delay - time.Millisecond)
	if h.engine.cooldownExpired("BTCUSDT", types.SHORT, delay) {
		t.Error("cooldown expired one millisecond early")
	}
	h.clock = h.clock.Add(time.Millisecond)
	if !h.engine.cooldownExpired("BTCUSDT", types.SHORT, delay) {
		t.Error("cooldown still armed exactly at last + delay")
	}
}

func TestPauseAndCascadeGates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	paused := baseStrategy()
	paused.Paused = true
	h := newHarness(t, paused, staticGate(false))
	liq := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, _ := h.engine.Evaluate(ctx, liq)
	if d.Accepted || d.Gate != GatePause {
		t.Errorf("paused: decision %+v, want pause rejection", d)
	}

	h2 := newHarness(t, baseStrategy(), staticGate(true))
	liq2 := h2.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, _ = h2.engine.Evaluate(ctx, liq2)
	if d.Accepted || d.Gate != GateCascade {
		t.Errorf("blocked: decision %+v, want cascade rejection", d)
	}
}

func TestCounterTradeOpposesLiquidatedSide(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseStrategy(), staticGate(false))
	ctx := context.Background()

	liq := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, err := h.engine.Evaluate(ctx, liq)
	if err != nil || !d.Accepted {
		t.Fatalf("Evaluate: d=%+v err=%v", d, err)
	}

	entries := h.venue.entryOrders()
	if len(entries) != 1 {
		t.Fatalf("placed %d entry orders, want 1", len(entries))
	}
	// Liquidated longs are countered with a short entry.
	if entries[0].Side != types.SELL {
		t.Errorf("entry side = %s, want SELL against liquidated longs", entries[0].Side)
	}
	if entries[0].Type != types.OrderTypeMarket {
		t.Errorf("entry type = %s, want MARKET", entries[0].Type)
	}
}

func TestPortfolioLimitExemptsExistingSymbol(t *testing.T) {
	t.Parallel()
	strat := baseStrategy()
	strat.MaxPortfolioSymbols = 1
	h := newHarness(t, strat, staticGate(false))
	ctx := context.Background()

	// First symbol fills the single slot.
	liq := h.ingest(t, "ETHUSDT", types.LONG, "1000")
	d, err := h.engine.Evaluate(ctx, liq)
	if err != nil || !d.Accepted {
		t.Fatalf("first entry: d=%+v err=%v", d, err)
	}

	// A second symbol is over the cap.
	h.clock = h.clock.Add(time.Second)
	other := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, _ = h.engine.Evaluate(ctx, other)
	if d.Accepted || d.Gate != GatePortfolio {
		t.Errorf("new symbol: decision %+v, want portfolio rejection", d)
	}

	// Layering the existing symbol stays allowed.
	h.clock = h.clock.Add(121 * time.Second)
	layer := h.ingest(t, "ETHUSDT", types.LONG, "5000")
	d, _ = h.engine.Evaluate(ctx, layer)
	if !d.Accepted || d.Layer != 2 {
		t.Errorf("layer on held symbol: decision %+v, want accepted layer 2", d)
	}
}

func TestMaxLayersBoundary(t *testing.T) {
	t.Parallel()
	strat := baseStrategy()
	strat.MaxLayers = 2
	h := newHarness(t, strat, staticGate(false))
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		liq := h.ingest(t, "BTCUSDT", types.LONG, fmt.Sprintf("%d000", i))
		d, err := h.engine.Evaluate(ctx, liq)
		if err != nil || !d.Accepted {
			t.Fatalf("layer %d: d=%+v err=%v", i, d, err)
		}
		h.clock = h.clock.Add(121 * time.Second)
	}

	over := h.ingest(t, "BTCUSDT", types.LONG, "9000")
	d, _ := h.engine.Evaluate(ctx, over)
	if d.Accepted || d.Gate != GateMaxLayers {
		t.Errorf("layer 3 of 2: decision %+v, want max_layers rejection", d)
	}
}

func TestRiskBudgetBlocksLayerAfterStopWidened(t *testing.T) {
	t.Parallel()
	strat := baseStrategy()
	strat.MaxPortfolioRiskDollars = dec("100")
	h := newHarness(t, strat, staticGate(false))
	ctx := context.Background()

	// Layer 1: projected full-depth risk 3 x 10 x 100 x 2% = 60, within 100.
	liq := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, err := h.engine.Evaluate(ctx, liq)
	if err != nil || !d.Accepted {
		t.Fatalf("layer 1: d=%+v err=%v", d, err)
	}
	pos, err := h.store.Positions.GetOpen(ctx, h.sess.ID, "BTCUSDT", types.SHORT)
	if err != nil {
		t.Fatalf("GetOpen: %v", err)
	}
	if !pos.ReservedRisk.Equal(dec("60")) {
		t.Errorf("ReservedRisk = %s, want 60", pos.ReservedRisk)
	}

	// Widening the stop to 10% re-projects the depth at 300 and the delta
	// alone busts the 100 budget, blocking layer 2.
	stored, _ := h.store.Strategies.Get(ctx)
	stored.StopLossPercent = dec("10")
	if err := h.store.Strategies.Update(ctx, stored); err != nil {
		t.Fatalf("update strategy: %v", err)
	}

	h.clock = h.clock.Add(121 * time.Second)
	layer := h.ingest(t, "BTCUSDT", types.LONG, "5000")
	d, _ = h.engine.Evaluate(ctx, layer)
	if d.Accepted || d.Gate != GateRiskBudget {
		t.Errorf("layer 2: decision %+v, want risk_budget rejection", d)
	}
}

func TestBelowVenueMinimumRecordsEntryError(t *testing.T) {
	t.Parallel()
	strat := baseStrategy()
	h := newHarness(t, strat, staticGate(false))
	h.engine.prec = func(string) types.SymbolPrecision {
		return types.SymbolPrecision{
			PriceTick: dec("0.01"),
			QtyStep:   dec("0.001"),
			MinQty:    dec("1000"),
		}
	}
	ctx := context.Background()

	liq := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, err := h.engine.Evaluate(ctx, liq)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if d != nil {
		t.Errorf("decision %+v, want nil for aborted sizing", d)
	}

	errs := h.store.EntryErrors.(*memory.TradeEntryErrorStore).All()
	if len(errs) != 1 {
		t.Fatalf("recorded %d entry errors, want 1", len(errs))
	}
	// A sizing abort is not a qualifying trade; no cooldown.
	if !h.engine.cooldownExpired("BTCUSDT", types.SHORT, time.Minute) {
		t.Error("cooldown armed by a non-qualifying sizing abort")
	}
}

// chaseHarness configures a live (non-dry-run) limit chase: the first order
// acks NEW, and the sleep hook moves the market past the slippage tolerance
// so the chase wants to re-place.
func chaseHarness(t *testing.T) *harness {
	t.Helper()
	strat := baseStrategy()
	strat.OrderType = types.OrderTypeLimit
	strat.SlippageTolerancePct = dec("0.5")
	strat.MaxRetryDurationMs = 60_000
	h := newHarness(t, strat, staticGate(false))
	h.engine.dryRun = false
	h.venue.ackStatus = "NEW"
	h.engine.sleep = func(context.Context, time.Duration) error {
		h.venue.mu.Lock()
		h.venue.price = dec("105")
		h.venue.mu.Unlock()
		return nil
	}
	return h
}

func TestChaseAbortsWhenCancelFails(t *testing.T) {
	t.Parallel()
	h := chaseHarness(t)
	h.venue.cancelErr = errors.New("venue cancel rejected")
	ctx := context.Background()

	liq := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	if _, err := h.engine.Evaluate(ctx, liq); err == nil {
		t.Fatal("chase continued past a failed cancel")
	}

	// The working order is still live; no replacement may exist beside it.
	entries := h.venue.entryOrders()
	if len(entries) != 1 {
		t.Errorf("placed %d entry orders after failed cancel, want the original only", len(entries))
	}
	h.venue.mu.Lock()
	defer h.venue.mu.Unlock()
	if len(h.venue.cancelled) != 0 {
		t.Errorf("recorded %d cancels despite venue rejection", len(h.venue.cancelled))
	}
}

func TestChaseReplacesOnlyAfterConfirmedCancel(t *testing.T) {
	t.Parallel()
	h := chaseHarness(t)
	// The replacement (second order, id 2) fills on the first poll.
	h.venue.queries["2"] = "FILLED"
	ctx := context.Background()

	liq := h.ingest(t, "BTCUSDT", types.LONG, "1000")
	d, err := h.engine.Evaluate(ctx, liq)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !d.Accepted || d.OrderID != "2" {
		t.Fatalf("decision %+v, want accepted with the replacement order", d)
	}

	entries := h.venue.entryOrders()
	if len(entries) != 2 {
		t.Fatalf("placed %d entry orders, want original plus replacement", len(entries))
	}
	if !entries[1].Price.Equal(dec("105")) {
		t.Errorf("replacement price = %s, want chased to 105", entries[1].Price)
	}
	h.venue.mu.Lock()
	defer h.venue.mu.Unlock()
	if len(h.venue.cancelled) != 1 || h.venue.cancelled[0] != "1" {
		t.Errorf("cancelled = %v, want just the original order", h.venue.cancelled)
	}
}

func TestUnmonitoredSymbolIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, baseStrategy(), staticGate(false))
	liq := h.ingest(t, "DOGEUSDT", types.LONG, "1000")
	d, err := h.engine.Evaluate(context.Background(), liq)
	if err != nil || d != nil {
		t.Errorf("unmonitored symbol: d=%+v err=%v, want nil decision", d, err)
	}
}
