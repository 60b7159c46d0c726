// Package memory provides in-memory implementations of the storage
// interfaces. They mirror the PostgreSQL semantics, including the unique
// constraints, and are used by tests and dry-run mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"counterliq/internal/storage"
	"counterliq/pkg/types"
)

// NewStore returns a fully wired in-memory store bundle.
func NewStore() *storage.Store {
	return &storage.Store{
		Liquidations:    NewLiquidationStore(),
		Strategies:      NewStrategyStore(),
		StrategyChanges: NewStrategyChangeStore(),
		Sessions:        NewSessionStore(),
		Positions:       NewPositionStore(),
		Orders:          NewOrderStore(),
		Fills:           NewFillStore(),
		EntryErrors:     NewTradeEntryErrorStore(),
		Income:          NewIncomeStore(),
	}
}

// LiquidationStore is the in-memory liquidation event log.
type LiquidationStore struct {
	mu      sync.Mutex
	nextID  int64
	byID    map[string]*types.Liquidation
	ordered []*types.Liquidation
}

// NewLiquidationStore creates an empty LiquidationStore.
func NewLiquidationStore() *LiquidationStore {
	return &LiquidationStore{nextID: 1, byID: make(map[string]*types.Liquidation)}
}

var _ storage.LiquidationStore = (*LiquidationStore)(nil)

func (s *LiquidationStore) Insert(_ context.Context, l *types.Liquidation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[l.EventID]; ok {
		return storage.ErrDuplicateKey
	}
	l.ID = s.nextID
	s.nextID++
	cp := *l
	s.byID[l.EventID] = &cp
	s.ordered = append(s.ordered, &cp)
	return nil
}

func (s *LiquidationStore) GetByEventID(_ context.Context, eventID string) (*types.Liquidation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.byID[eventID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *LiquidationStore) NotionalsSince(_ context.Context, symbol string, since time.Time) ([]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []decimal.Decimal
	for _, l := range s.ordered {
		if l.Symbol == symbol && !l.EventTime.Before(since) {
			out = append(out, l.Notional)
		}
	}
	return out, nil
}

func (s *LiquidationStore) SideNotionalSince(_ context.Context, symbol string, since time.Time) (storage.SideNotional, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sn storage.SideNotional
	for _, l := range s.ordered {
		if l.Symbol != symbol || l.EventTime.Before(since) {
			continue
		}
		if l.Side == types.LONG {
			sn.Long = sn.Long.Add(l.Notional)
		} else {
			sn.Short = sn.Short.Add(l.Notional)
		}
	}
	return sn, nil
}

func (s *LiquidationStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*types.Liquidation
	var deleted int64
	for _, l := range s.ordered {
		if l.IngestedAt.Before(cutoff) {
			delete(s.byID, l.EventID)
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	s.ordered = kept
	return deleted, nil
}

// StrategyStore holds the single operator strategy.
type StrategyStore struct {
	mu       sync.Mutex
	nextID   int64
	strategy *types.Strategy
}

// NewStrategyStore creates an empty StrategyStore.
func NewStrategyStore() *StrategyStore {
	return &StrategyStore{nextID: 1}
}

var _ storage.StrategyStore = (*StrategyStore)(nil)

func (s *StrategyStore) Create(_ context.Context, st *types.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.ID = s.nextID
	s.nextID++
	cp := *st
	s.strategy = &cp
	return nil
}

func (s *StrategyStore) Get(_ context.Context) (*types.Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == nil {
		return nil, storage.ErrNotFound
	}
	cp := *s.strategy
	return &cp, nil
}

func (s *StrategyStore) Update(_ context.Context, st *types.Strategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.strategy == nil || s.strategy.ID != st.ID {
		return storage.ErrNotFound
	}
	cp := *st
	s.strategy = &cp
	return nil
}

// StrategyChangeStore is the in-memory audit log.
type StrategyChangeStore struct {
	mu      sync.Mutex
	nextID  int64
	changes []*types.StrategyChange
}

// NewStrategyChangeStore creates an empty StrategyChangeStore.
func NewStrategyChangeStore() *StrategyChangeStore {
	return &StrategyChangeStore{nextID: 1}
}

var _ storage.StrategyChangeStore = (*StrategyChangeStore)(nil)

func (s *StrategyChangeStore) Insert(_ context.Context, c *types.StrategyChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextID
	s.nextID++
	cp := *c
	s.changes = append(s.changes, &cp)
	return nil
}

func (s *StrategyChangeStore) ListByStrategy(_ context.Context, strategyID int64) ([]*types.StrategyChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.StrategyChange
	for i := len(s.changes) - 1; i >= 0; i-- {
		if s.changes[i].StrategyID == strategyID {
			cp := *s.changes[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// SessionStore is the in-memory session store. It enforces the one active
// session per strategy invariant the same way the partial unique index does.
type SessionStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*types.Session
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{nextID: 1, sessions: make(map[int64]*types.Session)}
}

var _ storage.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Create(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.StrategyID == sess.StrategyID && existing.IsActive {
			return storage.ErrDuplicateKey
		}
	}
	sess.ID = s.nextID
	s.nextID++
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *SessionStore) Active(_ context.Context, strategyID int64) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.StrategyID == strategyID && sess.IsActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *SessionStore) End(_ context.Context, sessionID int64, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || !sess.IsActive {
		return storage.ErrNotFound
	}
	sess.IsActive = false
	t := endedAt
	sess.EndedAt = &t
	return nil
}

func (s *SessionStore) Update(_ context.Context, sess *types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return storage.ErrNotFound
	}
	existing.CurrentBalance = sess.CurrentBalance
	existing.RealizedPnL = sess.RealizedPnL
	existing.TradesWon = sess.TradesWon
	existing.TradesLost = sess.TradesLost
	return nil
}

func (s *SessionStore) Get(_ context.Context, sessionID int64) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

// PositionStore is the in-memory position store. One open position per
// (session, symbol, side).
type PositionStore struct {
	mu        sync.Mutex
	nextID    int64
	positions map[int64]*types.Position
}

// NewPositionStore creates an empty PositionStore.
func NewPositionStore() *PositionStore {
	return &PositionStore{nextID: 1, positions: make(map[int64]*types.Position)}
}

var _ storage.PositionStore = (*PositionStore)(nil)

func (s *PositionStore) Insert(_ context.Context, p *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.IsOpen {
		for _, existing := range s.positions {
			if existing.IsOpen && existing.SessionID == p.SessionID &&
				existing.Symbol == p.Symbol && existing.Side == p.Side {
				return storage.ErrDuplicateKey
			}
		}
	}
	p.ID = s.nextID
	s.nextID++
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *PositionStore) Update(_ context.Context, p *types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.positions[p.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *PositionStore) Get(_ context.Context, id int64) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *PositionStore) GetOpen(_ context.Context, sessionID int64, symbol string, side types.PositionSide) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.IsOpen && p.SessionID == sessionID && p.Symbol == symbol && p.Side == side {
			cp := *p
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *PositionStore) ListOpen(_ context.Context, sessionID int64) ([]*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Position
	for _, p := range s.positions {
		if p.IsOpen && p.SessionID == sessionID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PositionStore) OpenSymbolCount(_ context.Context, sessionID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	symbols := make(map[string]struct{})
	for _, p := range s.positions {
		if p.IsOpen && p.SessionID == sessionID {
			symbols[p.Symbol] = struct{}{}
		}
	}
	return len(symbols), nil
}

func (s *PositionStore) SumReservedRisk(_ context.Context, sessionID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, p := range s.positions {
		if p.IsOpen && p.SessionID == sessionID {
			total = total.Add(p.ReservedRisk)
		}
	}
	return total, nil
}

// OrderStore is the in-memory order store.
type OrderStore struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*types.Order
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{nextID: 1, orders: make(map[int64]*types.Order)}
}

var _ storage.OrderStore = (*OrderStore)(nil)

func (s *OrderStore) Insert(_ context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.ID = s.nextID
	s.nextID++
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *OrderStore) Update(_ context.Context, o *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return storage.ErrNotFound
	}
	cp := *o
	s.orders[o.ID] = &cp
	return nil
}

func (s *OrderStore) GetByVenueID(_ context.Context, venueOrderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *types.Order
	for _, o := range s.orders {
		if o.VenueOrderID == venueOrderID && (latest == nil || o.ID > latest.ID) {
			latest = o
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *OrderStore) ListByPosition(_ context.Context, positionID int64, purposes ...types.OrderPurpose) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.PositionID == nil || *o.PositionID != positionID {
			continue
		}
		if len(purposes) > 0 {
			match := false
			for _, p := range purposes {
				if o.Purpose == p {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *OrderStore) ListPendingEntries(_ context.Context, sessionID int64) ([]*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Order
	for _, o := range s.orders {
		if o.SessionID != sessionID || o.Status != types.OrderPending {
			continue
		}
		if o.Purpose != types.PurposeEntry && o.Purpose != types.PurposeManualExit {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FillStore is the in-memory fill store. (venue_trade_id, session) is unique.
type FillStore struct {
	mu     sync.Mutex
	nextID int64
	fills  []*types.Fill
	seen   map[fillKey]struct{}
}

type fillKey struct {
	sessionID    int64
	venueTradeID string
}

// NewFillStore creates an empty FillStore.
func NewFillStore() *FillStore {
	return &FillStore{nextID: 1, seen: make(map[fillKey]struct{})}
}

var _ storage.FillStore = (*FillStore)(nil)

func (s *FillStore) Insert(_ context.Context, f *types.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := fillKey{sessionID: f.SessionID, venueTradeID: f.VenueTradeID}
	if _, ok := s.seen[key]; ok {
		return storage.ErrDuplicateKey
	}
	f.ID = s.nextID
	s.nextID++
	cp := *f
	s.fills = append(s.fills, &cp)
	s.seen[key] = struct{}{}
	return nil
}

func (s *FillStore) GetByVenueTradeID(_ context.Context, sessionID int64, venueTradeID string) (*types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fills {
		if f.SessionID == sessionID && f.VenueTradeID == venueTradeID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *FillStore) ListByPosition(_ context.Context, positionID int64) ([]*types.Fill, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Fill
	for _, f := range s.fills {
		if f.PositionID == positionID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FilledAt.Equal(out[j].FilledAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FilledAt.Before(out[j].FilledAt)
	})
	return out, nil
}

func (s *FillStore) ExistsByOrderID(_ context.Context, sessionID int64, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fills {
		if f.SessionID == sessionID && f.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

// TradeEntryErrorStore is the in-memory entry-error log.
type TradeEntryErrorStore struct {
	mu     sync.Mutex
	nextID int64
	errs   []*types.TradeEntryError
}

// NewTradeEntryErrorStore creates an empty TradeEntryErrorStore.
func NewTradeEntryErrorStore() *TradeEntryErrorStore {
	return &TradeEntryErrorStore{nextID: 1}
}

var _ storage.TradeEntryErrorStore = (*TradeEntryErrorStore)(nil)

func (s *TradeEntryErrorStore) Insert(_ context.Context, e *types.TradeEntryError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.ID = s.nextID
	s.nextID++
	cp := *e
	s.errs = append(s.errs, &cp)
	return nil
}

// All returns every recorded entry error, oldest first.
func (s *TradeEntryErrorStore) All() []*types.TradeEntryError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.TradeEntryError, 0, len(s.errs))
	for _, e := range s.errs {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// IncomeStore is the in-memory income mirror.
type IncomeStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[string]*types.IncomeRecord
}

// NewIncomeStore creates an empty IncomeStore.
func NewIncomeStore() *IncomeStore {
	return &IncomeStore{nextID: 1, byID: make(map[string]*types.IncomeRecord)}
}

var _ storage.IncomeStore = (*IncomeStore)(nil)

func (s *IncomeStore) Upsert(_ context.Context, r *types.IncomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.VenueIncomeID]; ok {
		return nil
	}
	r.ID = s.nextID
	s.nextID++
	cp := *r
	s.byID[r.VenueIncomeID] = &cp
	return nil
}

func (s *IncomeStore) TotalByType(_ context.Context, incomeType string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, r := range s.byID {
		if r.IncomeType == incomeType {
			total = total.Add(r.Income)
		}
	}
	return total, nil
}

func (s *IncomeStore) EarliestTime(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest time.Time
	for _, r := range s.byID {
		if earliest.IsZero() || r.IncomeTime.Before(earliest) {
			earliest = r.IncomeTime
		}
	}
	if earliest.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return earliest, nil
}

func (s *IncomeStore) LatestTime(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest time.Time
	for _, r := range s.byID {
		if r.IncomeTime.After(latest) {
			latest = r.IncomeTime
		}
	}
	if latest.IsZero() {
		return time.Time{}, storage.ErrNotFound
	}
	return latest, nil
}
