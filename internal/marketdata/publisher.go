// Package marketdata turns the outcome of each command into the event
// stream consumers see: order-book deltas, trade prints, and user-scoped
// order/position/balance events, all stamped with the instrument's
// sequence and published in commit order.
package marketdata

import (
	"time"

	"github.com/rs/zerolog"

	"gungnir/internal/book"
	"gungnir/internal/bus"
	"gungnir/internal/common"
)

// Publisher fans events out to the bus. It never publishes before the
// orchestrator has committed the transaction that produced them.
type Publisher struct {
	bus bus.Bus
	log zerolog.Logger
	now func() time.Time
}

// New creates a publisher.
func New(b bus.Bus, log zerolog.Logger) *Publisher {
	return &Publisher{
		bus: b,
		log: log.With().Str("component", "marketdata").Logger(),
		now: time.Now,
	}
}

// Publish delivers events in order. The bus is at-least-once; a delivery
// failure is logged and the remaining events still go out, since consumers
// resync from snapshots by sequence.
func (p *Publisher) Publish(events []common.Event) {
	for _, ev := range events {
		if err := p.bus.Publish(ev.Topic, ev); err != nil {
			p.log.Warn().
				Err(err).
				Str("topic", ev.Topic).
				Uint64("sequence", ev.Sequence).
				Msg("event publish failed")
		}
	}
}

// TradeEvents builds trade prints for the trades.{symbol} topic. Trades
// carry the sequence assigned during matching.
func (p *Publisher) TradeEvents(trades []*common.Trade) []common.Event {
	events := make([]common.Event, 0, len(trades))
	for _, t := range trades {
		events = append(events, common.Event{
			Topic:     common.TopicTrades + "." + t.Symbol,
			Sequence:  t.Sequence,
			Timestamp: t.Timestamp,
			Payload: common.TradePrint{
				TradeID:   t.ID,
				Symbol:    t.Symbol,
				Quantity:  t.Quantity,
				Price:     t.Price,
				Timestamp: t.Timestamp,
				Sequence:  t.Sequence,
			},
		})
	}
	return events
}

// DeltaEvents drains the book's touched levels into orderbook.{symbol}
// deltas reflecting each level's post-command aggregate. A zero quantity
// means the level is gone.
func (p *Publisher) DeltaEvents(b *book.Book) []common.Event {
	touched := b.TakeTouched()
	events := make([]common.Event, 0, len(touched))
	for _, tl := range touched {
		qty, count := b.LevelAggregate(tl.Side, tl.Price)
		seq := b.NextSequence()
		events = append(events, common.Event{
			Topic:     common.TopicOrderBook + "." + b.Symbol(),
			Sequence:  seq,
			Timestamp: p.now(),
			Payload: common.BookDelta{
				Symbol:        b.Symbol(),
				Side:          tl.Side,
				Price:         tl.Price,
				NewQuantity:   qty,
				NewOrderCount: count,
				Sequence:      seq,
			},
		})
	}
	return events
}

// OrderStatusEvent builds the user-scoped status event for one order. It
// follows the command's trades and book deltas; position and balance events
// may come after it.
func (p *Publisher) OrderStatusEvent(order *common.Order, reason string, seq uint64) common.Event {
	return common.Event{
		Topic:     common.TopicUser + "." + order.UserID,
		Sequence:  seq,
		Timestamp: p.now(),
		Payload: common.OrderStatusEvent{
			OrderID:   order.ID,
			Symbol:    order.Symbol,
			Status:    order.Status,
			StatusStr: order.Status.String(),
			FilledQty: order.FilledQty,
			Reason:    reason,
			Sequence:  seq,
		},
	}
}

// PositionEvent builds a user-scoped position update.
func (p *Publisher) PositionEvent(userID string, pos *common.Position, seq uint64) common.Event {
	return common.Event{
		Topic:     common.TopicUser + "." + userID,
		Sequence:  seq,
		Timestamp: p.now(),
		Payload: common.PositionEvent{
			AccountID:     pos.AccountID,
			Symbol:        pos.Symbol,
			Quantity:      pos.Quantity,
			AvgPrice:      pos.AvgPrice,
			RealizedPnL:   pos.RealizedPnL,
			UnrealizedPnL: pos.UnrealizedPnL,
			Sequence:      seq,
		},
	}
}

// BalanceEvent builds a user-scoped balance update.
func (p *Publisher) BalanceEvent(userID string, bal *common.Balance, seq uint64) common.Event {
	return common.Event{
		Topic:     common.TopicUser + "." + userID,
		Sequence:  seq,
		Timestamp: p.now(),
		Payload: common.BalanceEvent{
			AccountID: bal.AccountID,
			Currency:  bal.Currency,
			Total:     bal.Total,
			Available: bal.Available,
			Reserved:  bal.Reserved,
			Sequence:  seq,
		},
	}
}
