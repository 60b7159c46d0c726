// types.go defines the wire-level payloads of the venue REST and stream APIs.
//
// The venue serializes every numeric amount as a string. Each payload carries
// the raw strings and converts to decimals exactly once via its parse method;
// nothing downstream of this package touches the raw representation.
package exchange

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/pkg/types"
)

// AccountBalance is one asset row from the account snapshot.
type AccountBalance struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	AvailableBalance string `json:"availableBalance"`
}

// AccountInfo is the venue account snapshot.
type AccountInfo struct {
	TotalWalletBalance string           `json:"totalWalletBalance"`
	AvailableBalance   string           `json:"availableBalance"`
	Assets             []AccountBalance `json:"assets"`
}

// Balances parses the top-level balance fields.
func (a AccountInfo) Balances() (wallet, available decimal.Decimal, err error) {
	wallet, err = decimal.NewFromString(a.TotalWalletBalance)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse wallet balance %q: %w", a.TotalWalletBalance, err)
	}
	available, err = decimal.NewFromString(a.AvailableBalance)
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse available balance %q: %w", a.AvailableBalance, err)
	}
	return wallet, available, nil
}

// PositionRisk is one row of the venue's live position snapshot.
type PositionRisk struct {
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"` // LONG | SHORT | BOTH
	PositionAmt  string `json:"positionAmt"`  // signed in one-way mode
	EntryPrice   string `json:"entryPrice"`
	UnrealizedPL string `json:"unRealizedProfit"`
	Leverage     string `json:"leverage"`
}

// Parse converts the row into typed quantities. Side is derived from the
// sign of positionAmt when the venue reports BOTH (one-way mode).
func (p PositionRisk) Parse() (side types.PositionSide, qty, entry, upnl decimal.Decimal, err error) {
	qty, err = decimal.NewFromString(p.PositionAmt)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parse positionAmt %q: %w", p.PositionAmt, err)
	}
	entry, err = decimal.NewFromString(p.EntryPrice)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parse entryPrice %q: %w", p.EntryPrice, err)
	}
	upnl, err = decimal.NewFromString(p.UnrealizedPL)
	if err != nil {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("parse unRealizedProfit %q: %w", p.UnrealizedPL, err)
	}

	switch p.PositionSide {
	case "LONG":
		side = types.LONG
	case "SHORT":
		side = types.SHORT
	default:
		if qty.IsNegative() {
			side = types.SHORT
		} else {
			side = types.LONG
		}
	}
	return side, qty.Abs(), entry, upnl, nil
}

// UserTrade is one execution from the trade history endpoint.
type UserTrade struct {
	ID         int64  `json:"id"`
	OrderID    int64  `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Price      string `json:"price"`
	Qty        string `json:"qty"`
	QuoteQty   string `json:"quoteQty"`
	Commission string `json:"commission"`
	RealizedPL string `json:"realizedPnl"`
	Time       int64  `json:"time"` // ms
}

// TradeTime returns the execution time.
func (t UserTrade) TradeTime() time.Time { return time.UnixMilli(t.Time) }

// IncomeEvent is one row from the income history endpoint.
type IncomeEvent struct {
	TranID     int64  `json:"tranId"`
	Symbol     string `json:"symbol"`
	IncomeType string `json:"incomeType"`
	Income     string `json:"income"`
	Time       int64  `json:"time"` // ms
	TradeID    string `json:"tradeId"`
}

// IncomeTime returns the event time.
func (e IncomeEvent) IncomeTime() time.Time { return time.UnixMilli(e.Time) }

// VenueIncomeID is the unique key for the income mirror. tranId alone is not
// unique across income types on some venue versions, so the type is included.
func (e IncomeEvent) VenueIncomeID() string {
	return fmt.Sprintf("%s-%d", e.IncomeType, e.TranID)
}

// OrderRequest is a new-order submission.
type OrderRequest struct {
	Symbol       string
	Side         types.Side
	PositionSide types.PositionSide // required in hedge mode, empty otherwise
	Type         types.OrderType
	Quantity     decimal.Decimal
	Price        decimal.Decimal // limit and stop orders
	StopPrice    decimal.Decimal // stop orders
	ReduceOnly   bool
	TimeInForce  string // GTC for limit orders
	ClientID     string // newClientOrderId, optional
}

// OrderResponse is the venue's acknowledgement of an order action.
type OrderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"` // NEW | PARTIALLY_FILLED | FILLED | CANCELED | REJECTED | EXPIRED
	Price         string `json:"price"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
	UpdateTime    int64  `json:"updateTime"`
}

// VenueOrderID returns the order id as the string used in local storage.
func (o OrderResponse) VenueOrderID() string { return fmt.Sprintf("%d", o.OrderID) }

// TickerPrice is one row of the batch mark price endpoint.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// OpenInterestInfo is the per-symbol open interest snapshot.
type OpenInterestInfo struct {
	Symbol       string `json:"symbol"`
	OpenInterest string `json:"openInterest"`
	Time         int64  `json:"time"`
}

// Kline is one candle. The venue returns a positional array; UnmarshalJSON
// maps the fields we use.
type Kline struct {
	OpenTime int64
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
}

// UnmarshalJSON decodes the venue's positional kline array.
func (k *Kline) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("kline: expected >=5 fields, got %d", len(raw))
	}
	openTime, ok := raw[0].(float64)
	if !ok {
		return fmt.Errorf("kline: bad open time %v", raw[0])
	}
	k.OpenTime = int64(openTime)

	parse := func(i int, dst *decimal.Decimal) error {
		s, ok := raw[i].(string)
		if !ok {
			return fmt.Errorf("kline: field %d not a string", i)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("kline: parse field %d %q: %w", i, s, err)
		}
		*dst = d
		return nil
	}
	if err := parse(1, &k.Open); err != nil {
		return err
	}
	if err := parse(2, &k.High); err != nil {
		return err
	}
	if err := parse(3, &k.Low); err != nil {
		return err
	}
	return parse(4, &k.Close)
}

// symbolFilter is one entry of the exchangeInfo filter list.
type symbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MinNotional string `json:"notional"`
}

// symbolInfo is one symbol entry from exchangeInfo.
type symbolInfo struct {
	Symbol  string         `json:"symbol"`
	Status  string         `json:"status"`
	Filters []symbolFilter `json:"filters"`
}

// exchangeInfo is the venue metadata response.
type exchangeInfo struct {
	Symbols []symbolInfo `json:"symbols"`
}

// precision extracts the rounding rules from the symbol's filter list.
func (s symbolInfo) precision() (types.SymbolPrecision, error) {
	p := types.SymbolPrecision{Symbol: s.Symbol}
	for _, f := range s.Filters {
		var err error
		switch f.FilterType {
		case "PRICE_FILTER":
			p.PriceTick, err = decimal.NewFromString(f.TickSize)
		case "LOT_SIZE":
			if p.QtyStep, err = decimal.NewFromString(f.StepSize); err == nil {
				p.MinQty, err = decimal.NewFromString(f.MinQty)
			}
		case "MIN_NOTIONAL":
			if f.MinNotional != "" {
				p.MinNotional, err = decimal.NewFromString(f.MinNotional)
			}
		}
		if err != nil {
			return types.SymbolPrecision{}, fmt.Errorf("symbol %s filter %s: %w", s.Symbol, f.FilterType, err)
		}
	}
	return p, nil
}
