// ws.go implements the venue WebSocket feeds.
//
// Two independent feeds run concurrently:
//
//   - Liquidation feed (public): the all-market forced-order stream. Every
//     forced liquidation on the venue arrives here.
//
//   - User feed (authenticated via listen key): ORDER_TRADE_UPDATE events
//     carrying the account's own fills, plus ACCOUNT_UPDATE balance changes.
//
// Both feeds reconnect after a fixed 5s delay. Reconnection is expected and
// harmless: the ingress dedup layer absorbs replayed events. A read deadline
// detects silent server failures.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsDialTimeout   = 10 * time.Second
	wsReadTimeout   = 90 * time.Second
	wsWriteTimeout  = 10 * time.Second
	reconnectDelay  = 5 * time.Second
	liqBufferSize   = 512
	userBufferSize  = 128
	keepAlivePeriod = 30 * time.Minute // listen keys expire after 60
)

// ForceOrderEvent is one forced-order message from the liquidation stream.
type ForceOrderEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol      string `json:"s"`
		Side        string `json:"S"` // the offsetting order side
		Qty         string `json:"q"`
		Price       string `json:"p"`
		AvgPrice    string `json:"ap"`
		Status      string `json:"X"`
		TradeTime   int64  `json:"T"`
		FilledQty   string `json:"z"`
		LastFillQty string `json:"l"`
	} `json:"o"`
}

// UserTradeUpdate is the order/fill portion of an ORDER_TRADE_UPDATE event.
type UserTradeUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		PositionSide  string `json:"ps"`
		OrderID       int64  `json:"i"`
		ExecType      string `json:"x"` // NEW | TRADE | CANCELED | EXPIRED
		Status        string `json:"X"`
		TradeID       int64  `json:"t"`
		LastFillQty   string `json:"l"`
		LastFillPrice string `json:"L"`
		Commission    string `json:"n"`
		RealizedPL    string `json:"rp"`
		TradeTime     int64  `json:"T"`
		ReduceOnly    bool   `json:"R"`
	} `json:"o"`
}

// LiquidationFeed consumes the public all-market forced-order stream.
type LiquidationFeed struct {
	url    string
	events chan ForceOrderEvent
	logger *slog.Logger
}

// NewLiquidationFeed creates the forced-order stream consumer.
func NewLiquidationFeed(streamURL string, logger *slog.Logger) *LiquidationFeed {
	return &LiquidationFeed{
		url:    streamURL,
		events: make(chan ForceOrderEvent, liqBufferSize),
		logger: logger.With("component", "ws_liquidation"),
	}
}

// Events returns the read-only forced-order channel.
func (f *LiquidationFeed) Events() <-chan ForceOrderEvent { return f.events }

// Run connects and maintains the stream until ctx is cancelled.
func (f *LiquidationFeed) Run(ctx context.Context) error {
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("liquidation stream disconnected, reconnecting",
			"error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *LiquidationFeed) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	f.logger.Info("liquidation stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go pingLoop(pingCtx, conn, f.logger)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var evt ForceOrderEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			f.logger.Debug("ignoring non-json stream message")
			continue
		}
		if evt.EventType != "forceOrder" {
			continue
		}
		select {
		case f.events <- evt:
		default:
			f.logger.Warn("liquidation channel full, dropping event", "symbol", evt.Order.Symbol)
		}
	}
}

// UserFeed consumes the authenticated user-data stream via a listen key.
type UserFeed struct {
	baseURL string
	client  *Client

	connMu sync.Mutex
	conn   *websocket.Conn

	trades chan UserTradeUpdate
	logger *slog.Logger
}

// NewUserFeed creates the user-data stream consumer. The REST client is used
// to open and keep alive the listen key.
func NewUserFeed(userDataURL string, client *Client, logger *slog.Logger) *UserFeed {
	return &UserFeed{
		baseURL: userDataURL,
		client:  client,
		trades:  make(chan UserTradeUpdate, userBufferSize),
		logger:  logger.With("component", "ws_user"),
	}
}

// Trades returns the read-only order/fill update channel.
func (f *UserFeed) Trades() <-chan UserTradeUpdate { return f.trades }

// Run maintains the listen key and the stream until ctx is cancelled.
func (f *UserFeed) Run(ctx context.Context) error {
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("user stream disconnected, reconnecting",
			"error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *UserFeed) connectAndRead(ctx context.Context) error {
	key, err := f.client.ListenKey(ctx)
	if err != nil {
		return fmt.Errorf("listen key: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.DialContext(ctx, f.baseURL+"/"+key, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	f.logger.Info("user stream connected")

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pingLoop(loopCtx, conn, f.logger)
	go f.keepAliveLoop(loopCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(msg)
	}
}

func (f *UserFeed) dispatch(msg []byte) {
	var envelope struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		f.logger.Debug("ignoring non-json user message")
		return
	}

	switch envelope.EventType {
	case "ORDER_TRADE_UPDATE":
		var evt UserTradeUpdate
		if err := json.Unmarshal(msg, &evt); err != nil {
			f.logger.Error("unmarshal order trade update", "error", err)
			return
		}
		select {
		case f.trades <- evt:
		default:
			f.logger.Warn("user trade channel full, dropping event", "order_id", evt.Order.OrderID)
		}
	case "ACCOUNT_UPDATE", "MARGIN_CALL", "ACCOUNT_CONFIG_UPDATE":
		f.logger.Debug("ignoring event", "type", envelope.EventType)
	case "listenKeyExpired":
		f.logger.Warn("listen key expired")
	default:
		f.logger.Debug("unknown user event type", "type", envelope.EventType)
	}
}

func (f *UserFeed) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(keepAlivePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.client.KeepAliveListenKey(ctx); err != nil {
				f.logger.Warn("listen key keepalive failed", "error", err)
			}
		}
	}
}

func pingLoop(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	ticker := time.NewTicker(50 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}
