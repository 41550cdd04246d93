// Package match implements price-time priority matching against the order
// book. Given the same book state and the same ordered commands, matching
// produces identical trade output; all time and identity inputs are
// injected.
package match

import (
	"time"

	"github.com/google/uuid"

	"gungnir/internal/book"
	"gungnir/internal/common"
	"gungnir/internal/money"
)

// Engine walks the opposite ladder for each incoming order and produces
// trades plus the residual that enters the book, if any.
type Engine struct {
	now   func() time.Time
	newID func() string
}

// New creates an engine with real clock and ID sources.
func New() *Engine {
	return &Engine{
		now:   time.Now,
		newID: func() string { return uuid.New().String() },
	}
}

// NewDeterministic creates an engine with injected clock and ID sources.
// Replay and tests use this to get byte-identical output.
func NewDeterministic(now func() time.Time, newID func() string) *Engine {
	return &Engine{now: now, newID: newID}
}

// Result is the outcome of matching one incoming order.
type Result struct {
	Trades   []*common.Trade
	Makers   []*common.Order // resting orders touched, in match order
	Residual *common.Order   // entered the book; nil otherwise
}

// Match runs the incoming order against the book and applies the
// time-in-force rules to the residual. The incoming order's status reflects
// the outcome; trades are emitted in priority order with sequences drawn
// from the book's stream.
func (e *Engine) Match(b *book.Book, incoming *common.Order) Result {
	// FOK pre-scans the matchable volume and gives up without any fill when
	// the book cannot cover the full quantity.
	if incoming.TimeInForce == common.FOK {
		available := b.MatchableQuantity(incoming.Side, incoming.LimitPrice, incoming.UserID)
		if available.LessThan(incoming.Remaining()) {
			incoming.Status = common.StatusCancelled
			return Result{}
		}
	}

	var trades []*common.Trade
	var makers []*common.Order
	seen := make(map[string]bool)
	for incoming.Remaining().IsPositive() {
		resting := b.FirstMatchable(incoming.Side, incoming.LimitPrice, incoming.UserID)
		if resting == nil {
			break
		}
		qty := money.Min(incoming.Remaining(), resting.Remaining())
		// Price improvement accrues to the taker.
		trades = append(trades, e.trade(b, incoming, resting, qty))
		if !seen[resting.ID] {
			seen[resting.ID] = true
			makers = append(makers, resting)
		}
		incoming.Fill(qty)
		b.ApplyFill(resting.ID, qty)
	}

	if incoming.Remaining().IsZero() {
		incoming.Status = common.StatusFilled
		return Result{Trades: trades, Makers: makers}
	}

	switch incoming.TimeInForce {
	case common.IOC:
		// Residual after the initial walk is cancelled.
		incoming.Status = common.StatusCancelled
		return Result{Trades: trades, Makers: makers}
	default: // GTC, Day, and FOK (which cannot reach here with a residual)
		if len(trades) == 0 {
			incoming.Status = common.StatusWorking
		} else {
			incoming.Status = common.StatusPartiallyFilled
		}
		b.AddOrder(incoming)
		return Result{Trades: trades, Makers: makers, Residual: incoming}
	}
}

func (e *Engine) trade(b *book.Book, taker, maker *common.Order, qty money.Money) *common.Trade {
	t := &common.Trade{
		ID:        e.newID(),
		Symbol:    taker.Symbol,
		Quantity:  qty,
		Price:     maker.LimitPrice,
		Timestamp: e.now(),
		Sequence:  b.NextSequence(),
	}
	buy, sell := taker, maker
	if taker.Side == common.Sell {
		buy, sell = maker, taker
	}
	t.BuyOrderID = buy.ID
	t.SellOrderID = sell.ID
	t.BuyerUserID = buy.UserID
	t.SellerUserID = sell.UserID
	t.BuyerAcct = buy.AccountID
	t.SellerAcct = sell.AccountID
	return t
}
