// Package book holds the per-instrument limit order book: two price-indexed
// ladders with FIFO queues at each level. The book is exclusively owned by
// its instrument loop; external readers get snapshots.
package book

import (
	"errors"

	"github.com/tidwall/btree"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

var (
	ErrOrderNotFound  = errors.New("order not in book")
	ErrDuplicateOrder = errors.New("order already in book")
	ErrQuantityRaise  = errors.New("quantity can only be reduced in place")
	ErrQuantityFloor  = errors.New("quantity reduced below filled amount")
)

// entry is one queued slot at a price level. Cancellation marks the slot
// rather than splicing the queue; the matcher and snapshots skip dead slots
// and the level compacts once they dominate.
type entry struct {
	order   *common.Order
	display money.Money // currently displayed slice of the remaining volume
	dead    bool
}

// level is a FIFO queue of entries at one price.
type level struct {
	price      money.Money
	entries    []*entry
	liveCount  int
	deadCount  int
	visibleQty money.Money // sum of display over live entries
}

func (l *level) compact() {
	if l.deadCount <= len(l.entries)/2 {
		return
	}
	live := l.entries[:0]
	for _, e := range l.entries {
		if !e.dead {
			live = append(live, e)
		}
	}
	for i := len(live); i < len(l.entries); i++ {
		l.entries[i] = nil
	}
	l.entries = live
	l.deadCount = 0
}

type ladder = btree.BTreeG[*level]

// TouchedLevel identifies a price level mutated since the last drain.
type TouchedLevel struct {
	Side  common.Side
	Price money.Money
}

// Book is the in-memory order book for a single instrument.
type Book struct {
	symbol string
	bids   *ladder // sorted greatest price first
	asks   *ladder // sorted least price first
	index  map[string]*entry
	seq    uint64

	touched     []TouchedLevel
	touchedSeen map[string]struct{}
}

// New creates an empty book for the given symbol.
func New(symbol string) *Book {
	bids := btree.NewBTreeG(func(a, b *level) bool {
		return a.price.GreaterThan(b.price)
	})
	asks := btree.NewBTreeG(func(a, b *level) bool {
		return a.price.LessThan(b.price)
	})
	return &Book{
		symbol:      symbol,
		bids:        bids,
		asks:        asks,
		index:       make(map[string]*entry),
		touchedSeen: make(map[string]struct{}),
	}
}

// Symbol returns the instrument this book belongs to.
func (b *Book) Symbol() string { return b.symbol }

// NextSequence advances and returns the instrument's sequence counter.
// Book entries, trades, and status events all draw from this one stream.
func (b *Book) NextSequence() uint64 {
	b.seq++
	return b.seq
}

// CurrentSequence returns the last assigned sequence.
func (b *Book) CurrentSequence() uint64 { return b.seq }

// ResumeSequence moves the counter forward to at least n. Used on cold start
// from the max persisted sequence; the counter never moves backwards.
func (b *Book) ResumeSequence(n uint64) {
	if n > b.seq {
		b.seq = n
	}
}

func (b *Book) side(s common.Side) *ladder {
	if s == common.Buy {
		return b.bids
	}
	return b.asks
}

func (b *Book) touch(side common.Side, price money.Money) {
	key := side.String() + "@" + price.String()
	if _, ok := b.touchedSeen[key]; ok {
		return
	}
	b.touchedSeen[key] = struct{}{}
	b.touched = append(b.touched, TouchedLevel{Side: side, Price: price})
}

// TakeTouched drains the set of levels mutated since the last call, in
// first-touch order. The orchestrator turns these into book deltas.
func (b *Book) TakeTouched() []TouchedLevel {
	out := b.touched
	b.touched = nil
	b.touchedSeen = make(map[string]struct{})
	return out
}

// AddOrder queues an order at its limit price and assigns the
// instrument-scoped sequence. The order must have remaining volume.
func (b *Book) AddOrder(order *common.Order) error {
	if _, ok := b.index[order.ID]; ok {
		return ErrDuplicateOrder
	}
	order.Sequence = b.NextSequence()
	b.insert(order)
	return nil
}

// insert queues an order without assigning a sequence. Restore uses it
// directly to preserve persisted sequences.
func (b *Book) insert(order *common.Order) {
	display := order.Remaining()
	if order.IsIceberg() {
		display = money.Min(order.DisplayQty, order.Remaining())
	}
	e := &entry{order: order, display: display}

	levels := b.side(order.Side)
	lvl, ok := levels.GetMut(&level{price: order.LimitPrice})
	if !ok {
		lvl = &level{price: order.LimitPrice}
		levels.Set(lvl)
	}
	lvl.entries = append(lvl.entries, e)
	lvl.liveCount++
	lvl.visibleQty = lvl.visibleQty.Add(display)

	b.index[order.ID] = e
	b.touch(order.Side, order.LimitPrice)
}

// Restore re-inserts a recovered order preserving its persisted sequence.
func (b *Book) Restore(order *common.Order) {
	b.insert(order)
	b.ResumeSequence(order.Sequence)
	// Recovery is not a market-data mutation.
	b.touched = nil
	b.touchedSeen = make(map[string]struct{})
}

// RemoveOrder takes an order out of the book, preserving FIFO order of its
// siblings. Returns the removed order.
func (b *Book) RemoveOrder(orderID string) (*common.Order, error) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	b.unlink(e)
	return e.order, nil
}

func (b *Book) unlink(e *entry) {
	order := e.order
	levels := b.side(order.Side)
	lvl, ok := levels.GetMut(&level{price: order.LimitPrice})
	if ok {
		e.dead = true
		lvl.liveCount--
		lvl.deadCount++
		lvl.visibleQty = lvl.visibleQty.Sub(e.display)
		if lvl.liveCount == 0 {
			levels.Delete(lvl)
		} else {
			lvl.compact()
		}
	}
	delete(b.index, order.ID)
	b.touch(order.Side, order.LimitPrice)
}

// UpdateOrderQuantity reduces an order's total quantity in place, keeping
// its time priority. Raising quantity is rejected; that requires a
// cancel and re-submit. Reducing to exactly the filled amount removes the
// order from the book.
func (b *Book) UpdateOrderQuantity(orderID string, newTotal money.Money) (*common.Order, error) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	order := e.order
	if newTotal.GreaterThan(order.TotalQuantity) {
		return nil, ErrQuantityRaise
	}
	if newTotal.LessThan(order.FilledQty) {
		return nil, ErrQuantityFloor
	}
	order.TotalQuantity = newTotal
	if order.Remaining().IsZero() {
		b.unlink(e)
		return order, nil
	}
	newDisplay := money.Min(e.display, order.Remaining())
	b.adjustDisplay(e, newDisplay)
	return order, nil
}

func (b *Book) adjustDisplay(e *entry, newDisplay money.Money) {
	lvl, ok := b.side(e.order.Side).GetMut(&level{price: e.order.LimitPrice})
	if ok {
		lvl.visibleQty = lvl.visibleQty.Sub(e.display).Add(newDisplay)
	}
	e.display = newDisplay
	b.touch(e.order.Side, e.order.LimitPrice)
}

// crosses reports whether a resting price at the opposite side satisfies
// the taker's limit.
func crosses(takerSide common.Side, limit, restingPrice money.Money) bool {
	if takerSide == common.Buy {
		return restingPrice.Cmp(limit) <= 0
	}
	return restingPrice.Cmp(limit) >= 0
}

// FirstMatchable returns the highest-priority live resting order on the
// opposite side whose price crosses limit, skipping orders owned by
// excludeUser (self-match prevention). Returns nil when nothing matches.
func (b *Book) FirstMatchable(takerSide common.Side, limit money.Money, excludeUser string) *common.Order {
	var found *common.Order
	b.side(takerSide.Opposite()).Scan(func(lvl *level) bool {
		if !crosses(takerSide, limit, lvl.price) {
			return false
		}
		for _, e := range lvl.entries {
			if e.dead || e.order.UserID == excludeUser {
				continue
			}
			found = e.order
			return false
		}
		return true // level holds only self/dead orders, go deeper
	})
	return found
}

// MatchableQuantity sums the remaining volume on the opposite side crossing
// limit, excluding the user's own orders. FOK pre-scans with this.
func (b *Book) MatchableQuantity(takerSide common.Side, limit money.Money, excludeUser string) money.Money {
	total := money.Zero()
	b.side(takerSide.Opposite()).Scan(func(lvl *level) bool {
		if !crosses(takerSide, limit, lvl.price) {
			return false
		}
		for _, e := range lvl.entries {
			if e.dead || e.order.UserID == excludeUser {
				continue
			}
			total = total.Add(e.order.Remaining())
		}
		return true
	})
	return total
}

// ApplyFill records a fill against a resting order. A fully filled order
// leaves the book. An iceberg whose displayed slice is consumed refills up
// to min(displayQuantity, remaining) and re-queues at the tail of its level,
// losing time priority to other displayed size there.
func (b *Book) ApplyFill(orderID string, qty money.Money) error {
	e, ok := b.index[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order := e.order
	order.Fill(qty)

	if order.Remaining().IsZero() {
		b.unlink(e)
		return nil
	}
	if order.IsIceberg() && qty.Cmp(e.display) >= 0 {
		// Displayed slice consumed: refill and move to the tail.
		b.unlink(e)
		b.insert(order)
		return nil
	}
	b.adjustDisplay(e, e.display.Sub(qty))
	return nil
}

// Get returns the resting order with the given ID, if present.
func (b *Book) Get(orderID string) (*common.Order, bool) {
	e, ok := b.index[orderID]
	if !ok {
		return nil, false
	}
	return e.order, true
}

// Orders returns every resting order, best price first then FIFO, for the
// given side. Used by cancel-all and session close.
func (b *Book) Orders(side common.Side) []*common.Order {
	var out []*common.Order
	b.side(side).Scan(func(lvl *level) bool {
		for _, e := range lvl.entries {
			if !e.dead {
				out = append(out, e.order)
			}
		}
		return true
	})
	return out
}

// AllOrders returns every resting order on both sides.
func (b *Book) AllOrders() []*common.Order {
	return append(b.Orders(common.Buy), b.Orders(common.Sell)...)
}

// LevelAggregate reports the displayed quantity and live order count at one
// price level. Zero quantity and count mean the level is gone.
func (b *Book) LevelAggregate(side common.Side, price money.Money) (money.Money, int) {
	lvl, ok := b.side(side).GetMut(&level{price: price})
	if !ok {
		return money.Zero(), 0
	}
	return lvl.visibleQty, lvl.liveCount
}

// Snapshot aggregates the top depth price levels per side. Only displayed
// quantity counts toward level aggregation; iceberg residuals stay hidden.
func (b *Book) Snapshot(depth int) common.BookSnapshot {
	snap := common.BookSnapshot{Symbol: b.symbol, Sequence: b.seq}
	collect := func(l *ladder) []common.SnapshotLevel {
		var out []common.SnapshotLevel
		l.Scan(func(lvl *level) bool {
			if depth > 0 && len(out) >= depth {
				return false
			}
			out = append(out, common.SnapshotLevel{
				Price:      lvl.price,
				Quantity:   lvl.visibleQty,
				OrderCount: lvl.liveCount,
			})
			return true
		})
		return out
	}
	snap.Bids = collect(b.bids)
	snap.Asks = collect(b.asks)
	return snap
}

// BestBid returns the highest buy price in the book.
func (b *Book) BestBid() (money.Money, bool) {
	lvl, ok := b.bids.Min()
	if !ok {
		return money.Zero(), false
	}
	return lvl.price, true
}

// BestAsk returns the lowest sell price in the book.
func (b *Book) BestAsk() (money.Money, bool) {
	lvl, ok := b.asks.Min()
	if !ok {
		return money.Zero(), false
	}
	return lvl.price, true
}

// Spread returns bestAsk - bestBid.
func (b *Book) Spread() (money.Money, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return money.Zero(), false
	}
	return ask.Sub(bid), true
}

// MidPrice returns (bestBid + bestAsk) / 2.
func (b *Book) MidPrice() (money.Money, bool) {
	bid, okB := b.BestBid()
	ask, okA := b.BestAsk()
	if !okB || !okA {
		return money.Zero(), false
	}
	mid, err := bid.Add(ask).Div(money.FromInt(2))
	if err != nil {
		return money.Zero(), false
	}
	return mid, true
}

// ValidateIntegrity asserts the book invariants. Any error here is fatal
// for the owning instrument loop.
func (b *Book) ValidateIntegrity() error {
	if bid, okB := b.BestBid(); okB {
		if ask, okA := b.BestAsk(); okA && bid.Cmp(ask) >= 0 {
			return errors.New("crossed book: best bid >= best ask")
		}
	}
	check := func(side common.Side, l *ladder) error {
		var err error
		l.Scan(func(lvl *level) bool {
			live := 0
			visible := money.Zero()
			for _, e := range lvl.entries {
				if e.dead {
					continue
				}
				live++
				visible = visible.Add(e.display)
				o := e.order
				if !o.LimitPrice.Equal(lvl.price) {
					err = errors.New("order queued at wrong price level")
					return false
				}
				if o.FilledQty.Cmp(o.TotalQuantity) >= 0 {
					err = errors.New("fully filled order still queued")
					return false
				}
				if e.display.GreaterThan(o.Remaining()) || !e.display.IsPositive() {
					err = errors.New("displayed slice out of bounds")
					return false
				}
				if idx, ok := b.index[o.ID]; !ok || idx != e {
					err = errors.New("order index out of sync")
					return false
				}
			}
			if live != lvl.liveCount {
				err = errors.New("live order count out of sync")
				return false
			}
			if !visible.Equal(lvl.visibleQty) {
				err = errors.New("visible quantity aggregate out of sync")
				return false
			}
			if live == 0 {
				err = errors.New("empty level retained in ladder")
				return false
			}
			return true
		})
		return err
	}
	if err := check(common.Buy, b.bids); err != nil {
		return err
	}
	return check(common.Sell, b.asks)
}
