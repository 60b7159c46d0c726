// Package cascade implements the per-symbol cascade risk detector.
//
// On every tick the detector computes three indicators per tracked symbol:
// liquidation pressure (LQ) from the persisted event log, realized-volatility
// intensity (RET) from per-tick price returns, and open-interest collapse
// (OI). The indicators score into a traffic light with asymmetric
// hysteresis, and light ∈ {orange, red} raises the autoBlock flag the
// strategy engine checks before any entry.
//
// The venue API budget shapes the fetch pattern: one batch price call per
// tick for all symbols, and open interest for only k symbols per tick,
// rotated oldest-first. Cached OI is consumed until it ages out.
package cascade

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"counterliq/internal/config"
	"counterliq/internal/exchange"
	"counterliq/internal/observability"
	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

const (
	notionalSamples = 60
	returnSamples   = 60
	oiSamples       = 300

	dominantWindow = 60 * time.Second
	longDominant   = 0.6
	shortDominant  = 0.4

	retDenomFloor = 1e-5
)

// MarketData is the slice of the exchange client the detector consumes.
type MarketData interface {
	TickerPrices(ctx context.Context) ([]exchange.TickerPrice, error)
	OpenInterest(ctx context.Context, symbol string) (*exchange.OpenInterestInfo, error)
}

// StrategyView supplies the strategy-configured detector inputs.
type StrategyView func(ctx context.Context) (symbols []string, retHigh, retMedium float64, autoEnabled bool)

// symbolState is the per-symbol rolling state. Only the tick goroutine
// touches it.
type symbolState struct {
	notionals *window // per-tick dominant-side liquidation notional
	returns   *window // per-tick price returns
	oi        *window // open-interest samples
	lastPrice float64
	oiValue   float64
	oiUpdated time.Time
	light     light
}

// Detector computes and publishes per-symbol cascade status.
type Detector struct {
	store    storage.LiquidationStore
	market   MarketData
	strategy StrategyView
	cfg      config.CascadeConfig
	logger   *slog.Logger
	now      func() time.Time

	states map[string]*symbolState

	statusMu sync.RWMutex
	status   map[string]types.CascadeStatus
}

// NewDetector creates a Detector. Run starts the tick loop; Tick can also be
// driven directly in tests.
func NewDetector(store storage.LiquidationStore, market MarketData, strategy StrategyView, cfg config.CascadeConfig, logger *slog.Logger) *Detector {
	return &Detector{
		store:    store,
		market:   market,
		strategy: strategy,
		cfg:      cfg,
		logger:   logger.With("component", "cascade"),
		now:      time.Now,
		states:   make(map[string]*symbolState),
		status:   make(map[string]types.CascadeStatus),
	}
}

// Run ticks the detector until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	symbols, _, _, _ := d.strategy(ctx)
	if n := len(symbols); n > 0 {
		cycle := time.Duration(float64(n)/float64(d.cfg.OIRotation)) * d.cfg.TickInterval
		d.logger.Info("cascade detector starting",
			"symbols", n,
			"tick", d.cfg.TickInterval,
			"oi_rotation", d.cfg.OIRotation,
			"oi_refresh_cycle", cycle,
		)
	}

	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// AutoBlock reports whether entries on symbol are currently blocked.
func (d *Detector) AutoBlock(symbol string) bool {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	return d.status[symbol].AutoBlock
}

// Status returns the latest published status for symbol.
func (d *Detector) Status(symbol string) (types.CascadeStatus, bool) {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	s, ok := d.status[symbol]
	return s, ok
}

// All returns the latest status for every tracked symbol.
func (d *Detector) All() []types.CascadeStatus {
	d.statusMu.RLock()
	defer d.statusMu.RUnlock()
	out := make([]types.CascadeStatus, 0, len(d.status))
	for _, s := range d.status {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Tick runs one detector pass over all tracked symbols.
func (d *Detector) Tick(ctx context.Context) {
	symbols, retHigh, retMedium, autoEnabled := d.strategy(ctx)
	if len(symbols) == 0 {
		return
	}

	prices, err := d.fetchPrices(ctx, symbols)
	if err != nil {
		d.logger.Warn("batch price fetch failed, skipping tick", "error", err)
		return
	}
	d.refreshOpenInterest(ctx, symbols)

	now := d.now()
	for _, symbol := range symbols {
		st := d.stateFor(symbol)
		status := d.evaluate(ctx, symbol, st, prices[symbol], now, retHigh, retMedium, autoEnabled)

		d.statusMu.Lock()
		d.status[symbol] = status
		d.statusMu.Unlock()
		observability.CascadeLevel.WithLabelValues(symbol).Set(float64(status.Level))

		if status.AutoBlock {
			d.logger.Info("cascade auto-block active",
				"symbol", symbol, "level", status.LevelName, "score", status.Score)
		}
	}
}

func (d *Detector) stateFor(symbol string) *symbolState {
	st, ok := d.states[symbol]
	if !ok {
		st = &symbolState{
			notionals: newWindow(notionalSamples),
			returns:   newWindow(returnSamples),
			oi:        newWindow(oiSamples),
		}
		d.states[symbol] = st
	}
	return st
}

func (d *Detector) fetchPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	rows, err := d.market.TickerPrices(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	out := make(map[string]float64, len(symbols))
	for _, r := range rows {
		if !wanted[r.Symbol] {
			continue
		}
		p, err := parseFloat(r.Price)
		if err != nil {
			d.logger.Warn("unparseable ticker price", "symbol", r.Symbol, "price", r.Price)
			continue
		}
		out[r.Symbol] = p
	}
	return out, nil
}

// refreshOpenInterest fetches OI for the k symbols whose cached value is
// oldest, leaving the rest on their cache.
func (d *Detector) refreshOpenInterest(ctx context.Context, symbols []string) {
	stale := make([]string, 0, len(symbols))
	for _, s := range symbols {
		stale = append(stale, s)
	}
	sort.Slice(stale, func(i, j int) bool {
		return d.stateFor(stale[i]).oiUpdated.Before(d.stateFor(stale[j]).oiUpdated)
	})

	k := d.cfg.OIRotation
	if k > len(stale) {
		k = len(stale)
	}
	for _, symbol := range stale[:k] {
		info, err := d.market.OpenInterest(ctx, symbol)
		if err != nil {
			d.logger.Warn("open interest fetch failed", "symbol", symbol, "error", err)
			continue
		}
		v, err := parseFloat(info.OpenInterest)
		if err != nil {
			d.logger.Warn("unparseable open interest", "symbol", symbol, "value", info.OpenInterest)
			continue
		}
		st := d.stateFor(symbol)
		st.oiValue = v
		st.oiUpdated = d.now()
	}
}

func (d *Detector) evaluate(ctx context.Context, symbol string, st *symbolState, price float64, now time.Time, retHigh, retMedium float64, autoEnabled bool) types.CascadeStatus {
	// Dominant side over the last 60s of the event log.
	dominant := types.PositionSide("")
	var tickNotional float64
	sn, err := d.store.SideNotionalSince(ctx, symbol, now.Add(-dominantWindow))
	if err != nil {
		d.logger.Warn("side notional query failed", "symbol", symbol, "error", err)
	} else {
		long, _ := sn.Long.Float64()
		short, _ := sn.Short.Float64()
		if total := long + short; total > 0 {
			ratio := long / total
			if ratio > longDominant {
				dominant = types.LONG
			} else if ratio < shortDominant {
				dominant = types.SHORT
			}
		}
		// The tick's notional sample follows the dominant side; when no
		// side dominates the combined flow is used.
		switch dominant {
		case types.LONG:
			tickNotional = tickWindowShare(long, dominantWindow, d.cfg.TickInterval)
		case types.SHORT:
			tickNotional = tickWindowShare(short, dominantWindow, d.cfg.TickInterval)
		default:
			tickNotional = tickWindowShare(long+short, dominantWindow, d.cfg.TickInterval)
		}
	}
	st.notionals.Push(tickNotional)

	// Per-tick return.
	var lastReturn float64
	if price > 0 {
		if st.lastPrice > 0 {
			lastReturn = (price - st.lastPrice) / st.lastPrice
		}
		st.lastPrice = price
	}
	st.returns.Push(lastReturn)

	// OI sample: the cached value, consumed until it ages out.
	if st.oiValue > 0 && now.Sub(st.oiUpdated) <= d.cfg.OIMaxAge {
		st.oi.Push(st.oiValue)
	}

	lq := lqIndicator(st.notionals)
	ret := retIndicator(st.returns)
	oi := oiIndicator(st.oi)

	// RET scores only when the dominant liquidated side disagrees with the
	// latest return's direction: liquidated longs with price bouncing up,
	// or liquidated shorts with price turning down.
	aligned := (dominant == types.LONG && lastReturn > 0) ||
		(dominant == types.SHORT && lastReturn < 0)

	score := 0
	switch {
	case lq >= 8:
		score += 2
	case lq >= 4:
		score++
	}
	if aligned {
		switch {
		case ret >= retHigh:
			score += 2
		case ret >= retMedium:
			score++
		}
	}
	switch {
	case oi >= 4:
		score += 2
	case oi >= 2:
		score++
	}

	level := st.light.apply(score)
	autoBlock := autoEnabled && level >= types.LevelOrange

	return types.CascadeStatus{
		Symbol:       symbol,
		Score:        score,
		LQ:           lq,
		RET:          ret,
		OI:           oi,
		Level:        level,
		LevelName:    level.String(),
		DominantSide: dominant,
		Quality:      qualityBucket(lq, ret, retHigh, retMedium, st, d.cfg.TickInterval),
		AutoBlock:    autoBlock,
		UpdatedAt:    now,
	}
}

// tickWindowShare scales a 60s aggregate down to one tick's share so the
// sample window sums to the flow it actually observed.
func tickWindowShare(windowTotal float64, window, tick time.Duration) float64 {
	if window <= 0 || tick <= 0 {
		return windowTotal
	}
	share := tick.Seconds() / window.Seconds()
	if share > 1 {
		share = 1
	}
	return windowTotal * share
}

// lqIndicator is liquidation pressure: window sum over the median of the
// non-zero samples. Zero when the window has no non-zero samples.
func lqIndicator(notionals *window) float64 {
	median := notionals.MedianNonZero()
	if median == 0 {
		return 0
	}
	return notionals.Sum() / median
}

// retIndicator is realized-volatility intensity: the sum of absolute
// returns over their standard deviation, zero in quiet markets.
func retIndicator(returns *window) float64 {
	std := returns.StdDev()
	if std < retDenomFloor {
		return 0
	}
	return returns.SumAbs() / std
}

// oiIndicator is open-interest collapse in percent: how far the latest OI
// sits below the window's prior maximum.
func oiIndicator(oi *window) float64 {
	max := oi.MaxExceptLast()
	if max <= 0 {
		return 0
	}
	drop := (max - oi.Last()) / max * 100
	if drop < 0 {
		return 0
	}
	return drop
}

// qualityBucket grades how favorable the setup looks for a reversal. It
// layers the OI drop over 60s and 180s on top of LQ and RET. Informational
// only; the trade decision never reads it.
func qualityBucket(lq, ret, retHigh, retMedium float64, st *symbolState, tick time.Duration) types.ReversalQuality {
	points := 0
	switch {
	case lq >= 8:
		points += 2
	case lq >= 4:
		points++
	}
	switch {
	case ret >= retHigh:
		points += 2
	case ret >= retMedium:
		points++
	}
	if d := oiDropOver(st.oi, 60*time.Second, tick); d >= 2 {
		points++
	}
	if d := oiDropOver(st.oi, 180*time.Second, tick); d >= 4 {
		points++
	}

	switch {
	case points >= 5:
		return types.QualityExcellent
	case points >= 4:
		return types.QualityGood
	case points >= 2:
		return types.QualityOK
	default:
		return types.QualityPoor
	}
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

// oiDropOver returns the percent drop of the latest OI against the sample
// from `span` ago, given one sample per tick.
func oiDropOver(oi *window, span, tick time.Duration) float64 {
	if tick <= 0 {
		return 0
	}
	back := int(span / tick)
	ref := oi.At(back)
	if ref <= 0 {
		return 0
	}
	drop := (ref - oi.Last()) / ref * 100
	if drop < 0 {
		return 0
	}
	return drop
}
