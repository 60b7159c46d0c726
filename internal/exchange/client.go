// Package exchange implements the perpetual-futures venue REST and stream
// clients.
//
// The REST client (Client) covers the endpoints the engine needs:
//   - Account / PositionRisk:  signed account and position snapshots
//   - NewOrder / CancelOrder:  signed order management
//   - OpenOrders / QueryOrder: signed order state reads
//   - UserTrades / Income:     signed history pages, consumed via Paginator
//   - TickerPrices / Klines / OpenInterest / ExchangeInfo: public market data
//
// Every request passes the shared weight bucket before dispatch, retries on
// 5xx, and signed requests carry the HMAC query signature plus the
// X-MBX-APIKEY header. In dry-run mode the mutating methods log and return
// fake success without touching the venue.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"counterliq/internal/config"
	"counterliq/pkg/types"
)

// Client is the venue REST API client.
type Client struct {
	http   *resty.Client
	signer *Signer
	bucket *WeightBucket
	dryRun bool
	logger *slog.Logger

	// signedMu serializes signed requests so their timestamps reach the
	// venue in the order they were signed. An older timestamp landing after
	// a newer one is rejected with code -1021.
	signedMu  sync.Mutex
	dryRunSeq atomic.Int64
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.VenueConfig, dryRun bool, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:   httpClient,
		signer: NewSigner(cfg.APIKey, cfg.APISecret, cfg.RecvWindowMs),
		bucket: NewWeightBucket(cfg.WeightCeiling, cfg.WeightBufferPct),
		dryRun: dryRun,
		logger: logger.With("component", "exchange"),
	}
}

// AvailableWeight reports the rate limiter's remaining budget.
func (c *Client) AvailableWeight() float64 { return c.bucket.Available() }

// get performs a public GET.
func (c *Client) get(ctx context.Context, path string, weight int, params url.Values, result any) error {
	if err := c.bucket.Wait(ctx, weight); err != nil {
		return err
	}
	req := c.http.R().SetContext(ctx).SetResult(result)
	if len(params) > 0 {
		req.SetQueryParamsFromValues(params)
	}
	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET %s: %w", path, newAPIError(resp.StatusCode(), resp.Body()))
	}
	return nil
}

// signed performs a signed request. The signature covers the full query
// string, so params travel in the URL for every verb. Signing and dispatch
// run under one lock, after the weight bucket, keeping timestamp order
// intact without holding the lock while rate limited.
func (c *Client) signed(ctx context.Context, method, path string, weight int, params url.Values, result any) error {
	if err := c.bucket.Wait(ctx, weight); err != nil {
		return err
	}
	c.signedMu.Lock()
	defer c.signedMu.Unlock()
	query := c.signer.Sign(params)
	req := c.http.R().
		SetContext(ctx).
		SetHeader(apiKeyHeader, c.signer.APIKey()).
		SetQueryString(query)
	if result != nil {
		req.SetResult(result)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodPut:
		resp, err = req.Put(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%s %s: %w", method, path, newAPIError(resp.StatusCode(), resp.Body()))
	}
	return nil
}

// Account fetches the signed account snapshot.
func (c *Client) Account(ctx context.Context) (*AccountInfo, error) {
	var info AccountInfo
	if err := c.signed(ctx, http.MethodGet, "/fapi/v2/account", WeightAccount, url.Values{}, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WalletBalance fetches the account's total wallet balance.
func (c *Client) WalletBalance(ctx context.Context) (decimal.Decimal, error) {
	info, err := c.Account(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	wallet, _, err := info.Balances()
	return wallet, err
}

// PositionRisk fetches the live position snapshot for all symbols.
func (c *Client) PositionRisk(ctx context.Context) ([]PositionRisk, error) {
	var rows []PositionRisk
	if err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", WeightPositionRisk, url.Values{}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// NewOrder submits an order. In dry-run mode it returns a fake FILLED ack
// with a synthetic order id.
func (c *Client) NewOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error) {
	if c.dryRun {
		seq := c.dryRunSeq.Add(1)
		c.logger.Info("DRY-RUN: would place order",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type,
			"qty", req.Quantity, "price", req.Price)
		return &OrderResponse{
			OrderID:     -seq,
			Symbol:      req.Symbol,
			Status:      "FILLED",
			AvgPrice:    req.Price.String(),
			ExecutedQty: req.Quantity.String(),
			UpdateTime:  time.Now().UnixMilli(),
		}, nil
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", req.Quantity.String())
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	switch req.Type {
	case types.OrderTypeLimit:
		params.Set("price", req.Price.String())
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	case types.OrderTypeStopMarket:
		params.Set("stopPrice", req.StopPrice.String())
	}
	// In hedge mode the position side already implies the close direction
	// and the venue rejects an explicit reduceOnly flag.
	if req.ReduceOnly && req.PositionSide == "" {
		params.Set("reduceOnly", "true")
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var resp OrderResponse
	if err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", WeightOrder, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrder cancels one order by venue id.
func (c *Client) CancelOrder(ctx context.Context, symbol, venueOrderID string) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel order", "symbol", symbol, "order_id", venueOrderID)
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	return c.signed(ctx, http.MethodDelete, "/fapi/v1/order", WeightOrder, params, nil)
}

// QueryOrder fetches the current state of one order.
func (c *Client) QueryOrder(ctx context.Context, symbol, venueOrderID string) (*OrderResponse, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", venueOrderID)
	var resp OrderResponse
	if err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", WeightOrder, params, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenOrders lists all open orders, optionally filtered by symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]OrderResponse, error) {
	params := url.Values{}
	weight := WeightOpenOrders
	if symbol != "" {
		params.Set("symbol", symbol)
		weight = WeightOrder
	}
	var rows []OrderResponse
	if err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", weight, params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// UserTrades fetches one page of trade history for a symbol. Results come
// back in ascending time order.
func (c *Client) UserTrades(ctx context.Context, symbol string, start, end time.Time, limit int) ([]UserTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))
	var rows []UserTrade
	if err := c.signed(ctx, http.MethodGet, "/fapi/v1/userTrades", WeightUserTrades, params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Income fetches one page of income history across all symbols.
func (c *Client) Income(ctx context.Context, start, end time.Time, limit int) ([]IncomeEvent, error) {
	params := url.Values{}
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))
	var rows []IncomeEvent
	if err := c.signed(ctx, http.MethodGet, "/fapi/v1/income", WeightIncome, params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// TickerPrices fetches the current price for every symbol in one call.
func (c *Client) TickerPrices(ctx context.Context) ([]TickerPrice, error) {
	var rows []TickerPrice
	if err := c.get(ctx, "/fapi/v1/ticker/price", WeightTicker, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// TickerPrice fetches the current price for one symbol.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var row TickerPrice
	if err := c.get(ctx, "/fapi/v1/ticker/price", WeightOpenInterest, params, &row); err != nil {
		return decimal.Zero, err
	}
	p, err := decimal.NewFromString(row.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker price %q: %w", row.Price, err)
	}
	return p, nil
}

// OpenInterest fetches the open interest snapshot for one symbol.
func (c *Client) OpenInterest(ctx context.Context, symbol string) (*OpenInterestInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var info OpenInterestInfo
	if err := c.get(ctx, "/fapi/v1/openInterest", WeightOpenInterest, params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Klines fetches recent candles, used by the adaptive stop's ATR.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	params.Set("limit", strconv.Itoa(limit))
	var rows []Kline
	if err := c.get(ctx, "/fapi/v1/klines", WeightKlines, params, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SymbolPrecisions fetches the exchange metadata and returns the per-symbol
// rounding rules keyed by symbol.
func (c *Client) SymbolPrecisions(ctx context.Context) (map[string]types.SymbolPrecision, error) {
	var info exchangeInfo
	if err := c.get(ctx, "/fapi/v1/exchangeInfo", WeightExchangeInfo, nil, &info); err != nil {
		return nil, err
	}
	out := make(map[string]types.SymbolPrecision, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		p, err := s.precision()
		if err != nil {
			return nil, err
		}
		out[s.Symbol] = p
	}
	return out, nil
}

// SetLeverage sets the symbol's leverage before the first entry.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set leverage", "symbol", symbol, "leverage", leverage)
		return nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	return c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", WeightOrder, params, nil)
}

// SetMarginMode sets the symbol's margin mode. The venue answers with an
// error when the mode is already set; callers treat that as success.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode types.MarginMode) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set margin mode", "symbol", symbol, "mode", mode)
		return nil
	}
	marginType := "ISOLATED"
	if mode == types.MarginCross {
		marginType = "CROSSED"
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", marginType)
	return c.signed(ctx, http.MethodPost, "/fapi/v1/marginType", WeightOrder, params, nil)
}

// SetPositionMode switches the account between one-way and hedge mode.
func (c *Client) SetPositionMode(ctx context.Context, hedge bool) error {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would set position mode", "hedge", hedge)
		return nil
	}
	params := url.Values{}
	params.Set("dualSidePosition", strconv.FormatBool(hedge))
	return c.signed(ctx, http.MethodPost, "/fapi/v1/positionSide/dual", WeightOrder, params, nil)
}

// ListenKey opens a user-data stream and returns its key.
func (c *Client) ListenKey(ctx context.Context) (string, error) {
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.signed(ctx, http.MethodPost, "/fapi/v1/listenKey", WeightOrder, url.Values{}, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the user-data stream's validity.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	return c.signed(ctx, http.MethodPut, "/fapi/v1/listenKey", WeightOrder, url.Values{}, nil)
}
