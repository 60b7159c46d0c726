package exchange

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/config"
	"counterliq/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func testClient(t *testing.T, handler http.Handler, dryRun bool) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.VenueConfig{
		RESTBaseURL:     srv.URL,
		APIKey:          "test-key",
		APISecret:       "test-secret",
		RecvWindowMs:    60000,
		Timeout:         2 * time.Second,
		WeightBufferPct: 20,
		WeightCeiling:   2400,
	}
	return NewClient(cfg, dryRun, testLogger()), srv
}

func TestSignedRequestCarriesKeyAndSignature(t *testing.T) {
	t.Parallel()

	var gotKey string
	var gotQuery map[string][]string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(apiKeyHeader)
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode([]PositionRisk{})
	}), false)

	if _, err := client.PositionRisk(context.Background()); err != nil {
		t.Fatalf("PositionRisk: %v", err)
	}
	if gotKey != "test-key" {
		t.Errorf("api key header = %q, want test-key", gotKey)
	}
	for _, p := range []string{"timestamp", "recvWindow", "signature"} {
		if len(gotQuery[p]) == 0 {
			t.Errorf("signed query missing %s", p)
		}
	}
}

// Concurrent signed calls must hit the venue with non-decreasing timestamps;
// an older signature arriving after a newer one is rejected.
func TestSignedCallsArriveInTimestampOrder(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var stamps []int64
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts, err := strconv.ParseInt(r.URL.Query().Get("timestamp"), 10, 64)
		if err != nil {
			t.Errorf("parse timestamp: %v", err)
		}
		mu.Lock()
		stamps = append(stamps, ts)
		mu.Unlock()
		json.NewEncoder(w).Encode([]PositionRisk{})
	}), false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.PositionRisk(context.Background()); err != nil {
				t.Errorf("PositionRisk: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		if stamps[i] < stamps[i-1] {
			t.Fatalf("timestamp %d arrived after %d", stamps[i], stamps[i-1])
		}
	}
}

func TestNewOrderDryRunSkipsHTTP(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run order hit the venue")
	}), true)

	resp, err := client.NewOrder(context.Background(), OrderRequest{
		Symbol:   "BTCUSDT",
		Side:     types.BUY,
		Type:     types.OrderTypeMarket,
		Quantity: decimal.NewFromFloat(0.5),
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}
	if resp.Status != "FILLED" {
		t.Errorf("dry-run status = %q, want FILLED", resp.Status)
	}
	if resp.OrderID >= 0 {
		t.Errorf("dry-run order id = %d, want negative synthetic id", resp.OrderID)
	}
}

func TestDryRunOrderIDsUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("dry-run order hit the venue")
	}), true)

	const n = 16
	ids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := client.NewOrder(context.Background(), OrderRequest{
				Symbol:   "BTCUSDT",
				Side:     types.BUY,
				Type:     types.OrderTypeMarket,
				Quantity: decimal.NewFromInt(1),
			})
			if err != nil {
				t.Errorf("NewOrder: %v", err)
				return
			}
			ids <- resp.OrderID
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool, n)
	for id := range ids {
		if id >= 0 {
			t.Errorf("dry-run order id = %d, want negative", id)
		}
		if seen[id] {
			t.Errorf("duplicate dry-run order id %d", id)
		}
		seen[id] = true
	}
}

func TestNewOrderLimitParams(t *testing.T) {
	t.Parallel()

	var got map[string][]string
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		json.NewEncoder(w).Encode(OrderResponse{OrderID: 42, Status: "NEW"})
	}), false)

	_, err := client.NewOrder(context.Background(), OrderRequest{
		Symbol:       "ETHUSDT",
		Side:         types.SELL,
		PositionSide: types.SHORT,
		Type:         types.OrderTypeLimit,
		Quantity:     decimal.NewFromFloat(1.2),
		Price:        decimal.NewFromInt(2500),
		ReduceOnly:   true,
	})
	if err != nil {
		t.Fatalf("NewOrder: %v", err)
	}

	check := func(key, want string) {
		if len(got[key]) == 0 || got[key][0] != want {
			t.Errorf("param %s = %v, want %q", key, got[key], want)
		}
	}
	check("symbol", "ETHUSDT")
	check("side", "SELL")
	check("positionSide", "SHORT")
	check("type", "LIMIT")
	check("price", "2500")
	check("timeInForce", "GTC")
	// reduceOnly is implied by positionSide in hedge mode and must be absent.
	if len(got["reduceOnly"]) != 0 {
		t.Errorf("reduceOnly sent alongside positionSide: %v", got["reduceOnly"])
	}
}

func TestSymbolPrecisionsParsesFilters(t *testing.T) {
	t.Parallel()

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"symbols":[
			{"symbol":"BTCUSDT","status":"TRADING","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.10"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}
			]},
			{"symbol":"DELISTED","status":"BREAK","filters":[]}
		]}`))
	}), false)

	precs, err := client.SymbolPrecisions(context.Background())
	if err != nil {
		t.Fatalf("SymbolPrecisions: %v", err)
	}
	if len(precs) != 1 {
		t.Fatalf("got %d symbols, want 1 (non-trading excluded)", len(precs))
	}
	p := precs["BTCUSDT"]
	if !p.PriceTick.Equal(decimal.RequireFromString("0.10")) {
		t.Errorf("PriceTick = %v", p.PriceTick)
	}
	if got := p.RoundQty(decimal.RequireFromString("0.12345")); !got.Equal(decimal.RequireFromString("0.123")) {
		t.Errorf("RoundQty = %v, want 0.123", got)
	}
}

func TestKlineUnmarshal(t *testing.T) {
	t.Parallel()

	// Trailing fields are venue metadata the decoder ignores.
	data := []byte(`[1700000000000,"100.5","110","95.2","105","123","1700000059999"]`)

	var k Kline
	if err := json.Unmarshal(data, &k); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if k.OpenTime != 1700000000000 {
		t.Errorf("OpenTime = %d", k.OpenTime)
	}
	if !k.High.Equal(decimal.RequireFromString("110")) || !k.Low.Equal(decimal.RequireFromString("95.2")) {
		t.Errorf("High/Low = %v/%v", k.High, k.Low)
	}
}
