package storage

import (
	"context"
	"sort"
	"sync"

	"gungnir/internal/common"
)

// Memory is an in-memory Store with copy-on-begin transactions. Commit
// swaps the staged state in whole, so a transaction's mutations land
// together or not at all. Transactions are fully serialized: Begin blocks
// until the previous transaction finishes, which is the serializable
// isolation the settlement engine assumes. Tests use it.
type Memory struct {
	mu    sync.Mutex // guards state
	txnMu sync.Mutex // held from Begin to Commit/Rollback
	state *memState
}

type memState struct {
	orders      map[string]*common.Order
	trades      []*common.Trade
	positions   map[string]*common.Position // accountID|symbol
	balances    map[string]*common.Balance  // accountID|currency
	instruments map[string]*common.Instrument
	audit       []*common.AuditEntry
}

func newMemState() *memState {
	return &memState{
		orders:      make(map[string]*common.Order),
		positions:   make(map[string]*common.Position),
		balances:    make(map[string]*common.Balance),
		instruments: make(map[string]*common.Instrument),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.orders {
		c.orders[k] = v.Clone()
	}
	for k, v := range s.positions {
		p := *v
		c.positions[k] = &p
	}
	for k, v := range s.balances {
		b := *v
		c.balances[k] = &b
	}
	for k, v := range s.instruments {
		i := *v
		c.instruments[k] = &i
	}
	c.trades = append(c.trades, s.trades...)
	c.audit = append(c.audit, s.audit...)
	return c
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Begin(ctx context.Context) (Txn, error) {
	m.txnMu.Lock()
	m.mu.Lock()
	staged := m.state.clone()
	m.mu.Unlock()
	return &memTxn{memRepos: memRepos{s: staged}, store: m}, nil
}

// View serves reads and auto-committed writes against the live state,
// mirroring the SQLite adapter's non-transactional path. The repositories
// copy records on the way in and out, so callers never alias live state.
func (m *Memory) View() Repos {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memRepos{s: m.state}
}

type memTxn struct {
	memRepos
	store *Memory
	done  bool
}

func (t *memTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.mu.Lock()
	t.store.state = t.s
	t.store.mu.Unlock()
	t.store.txnMu.Unlock()
	return nil
}

func (t *memTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txnMu.Unlock()
	return nil
}

type memRepos struct{ s *memState }

func (r memRepos) Orders() OrderRepo           { return memOrders{r.s} }
func (r memRepos) Trades() TradeRepo           { return memTrades{r.s} }
func (r memRepos) Positions() PositionRepo     { return memPositions{r.s} }
func (r memRepos) Balances() BalanceRepo       { return memBalances{r.s} }
func (r memRepos) Instruments() InstrumentRepo { return memInstruments{r.s} }
func (r memRepos) Audit() AuditRepo            { return memAudit{r.s} }

// ---- orders ----------------------------------------------------------------

type memOrders struct{ s *memState }

func (r memOrders) Insert(o *common.Order) error {
	if _, ok := r.s.orders[o.ID]; ok {
		return ErrDuplicate
	}
	r.s.orders[o.ID] = o.Clone()
	return nil
}

func (r memOrders) Update(o *common.Order) error {
	if _, ok := r.s.orders[o.ID]; !ok {
		return ErrNotFound
	}
	r.s.orders[o.ID] = o.Clone()
	return nil
}

func (r memOrders) Get(id string) (*common.Order, error) {
	o, ok := r.s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func open(status common.OrderStatus) bool {
	return status == common.StatusWorking || status == common.StatusPartiallyFilled
}

func (r memOrders) OpenBySymbol(symbol string) ([]*common.Order, error) {
	var out []*common.Order
	for _, o := range r.s.orders {
		if o.Symbol == symbol && open(o.Status) {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r memOrders) OpenByUser(userID, accountID, symbol string) ([]*common.Order, error) {
	var out []*common.Order
	for _, o := range r.s.orders {
		if o.UserID != userID || !open(o.Status) {
			continue
		}
		if accountID != "" && o.AccountID != accountID {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r memOrders) MaxSequence(symbol string) (uint64, error) {
	var max uint64
	for _, o := range r.s.orders {
		if o.Symbol == symbol && o.Sequence > max {
			max = o.Sequence
		}
	}
	return max, nil
}

// ---- trades ----------------------------------------------------------------

type memTrades struct{ s *memState }

func (r memTrades) Insert(t *common.Trade) error {
	for _, existing := range r.s.trades {
		if existing.ID == t.ID ||
			(existing.Symbol == t.Symbol && existing.Sequence == t.Sequence) {
			return ErrDuplicate
		}
	}
	c := *t
	r.s.trades = append(r.s.trades, &c)
	return nil
}

func (r memTrades) MaxSequence(symbol string) (uint64, error) {
	var max uint64
	for _, t := range r.s.trades {
		if t.Symbol == symbol && t.Sequence > max {
			max = t.Sequence
		}
	}
	return max, nil
}

func (r memTrades) ListFrom(symbol string, from uint64, limit int) ([]*common.Trade, error) {
	var out []*common.Trade
	for _, t := range r.s.trades {
		if t.Symbol == symbol && t.Sequence > from {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- positions -------------------------------------------------------------

type memPositions struct{ s *memState }

func posKey(accountID, symbol string) string { return accountID + "|" + symbol }

func (r memPositions) Get(accountID, symbol string) (*common.Position, error) {
	p, ok := r.s.positions[posKey(accountID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (r memPositions) Upsert(p *common.Position) error {
	c := *p
	r.s.positions[posKey(p.AccountID, p.Symbol)] = &c
	return nil
}

func (r memPositions) OpenBySymbol(symbol string) ([]*common.Position, error) {
	var out []*common.Position
	for _, p := range r.s.positions {
		if p.Symbol == symbol && !p.Quantity.IsZero() {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (r memPositions) ListByAccount(accountID string) ([]*common.Position, error) {
	var out []*common.Position
	for _, p := range r.s.positions {
		if p.AccountID == accountID {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ---- balances --------------------------------------------------------------

type memBalances struct{ s *memState }

func balKey(accountID, currency string) string { return accountID + "|" + currency }

func (r memBalances) Get(accountID, currency string) (*common.Balance, error) {
	b, ok := r.s.balances[balKey(accountID, currency)]
	if !ok {
		return nil, ErrNotFound
	}
	c := *b
	return &c, nil
}

func (r memBalances) Upsert(b *common.Balance) error {
	c := *b
	r.s.balances[balKey(b.AccountID, b.Currency)] = &c
	return nil
}

// ---- instruments -----------------------------------------------------------

type memInstruments struct{ s *memState }

func (r memInstruments) Insert(i *common.Instrument) error {
	if _, ok := r.s.instruments[i.Symbol]; ok {
		return ErrDuplicate
	}
	c := *i
	r.s.instruments[i.Symbol] = &c
	return nil
}

func (r memInstruments) Update(i *common.Instrument) error {
	if _, ok := r.s.instruments[i.Symbol]; !ok {
		return ErrNotFound
	}
	c := *i
	r.s.instruments[i.Symbol] = &c
	return nil
}

func (r memInstruments) Get(symbol string) (*common.Instrument, error) {
	i, ok := r.s.instruments[symbol]
	if !ok {
		return nil, ErrNotFound
	}
	c := *i
	return &c, nil
}

func (r memInstruments) List() ([]*common.Instrument, error) {
	var out []*common.Instrument
	for _, i := range r.s.instruments {
		c := *i
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// ---- audit -----------------------------------------------------------------

type memAudit struct{ s *memState }

func (r memAudit) Insert(e *common.AuditEntry) error {
	c := *e
	r.s.audit = append(r.s.audit, &c)
	return nil
}

func (r memAudit) List(limit int) ([]*common.AuditEntry, error) {
	out := make([]*common.AuditEntry, 0, len(r.s.audit))
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		c := *r.s.audit[i]
		out = append(out, &c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
