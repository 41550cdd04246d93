package common

import (
	"time"

	"gungnir/internal/money"
)

// Order is a limit order working its way through the lifecycle state
// machine. The orchestrator owns the canonical copy; everything outside the
// instrument loop sees snapshots.
type Order struct {
	ID            string      // globally unique, opaque
	UserID        string      // owning user
	AccountID     string      // owning account
	Symbol        string      // instrument symbol
	Side          Side        // order side
	LimitPrice    money.Money // limiting price
	TotalQuantity money.Money // total volume requested
	FilledQty     money.Money // cumulative filled volume
	DisplayQty    money.Money // iceberg display slice; zero = fully displayed
	TimeInForce   TimeInForce // lifetime rule
	Status        OrderStatus // lifecycle state
	CreatedAt     time.Time   // time of arrival of the order
	Sequence      uint64      // assigned at book entry, monotonic per instrument
}

// Remaining is the unfilled volume.
func (o *Order) Remaining() money.Money {
	return o.TotalQuantity.Sub(o.FilledQty)
}

// IsIceberg reports whether the order exposes only a display slice.
func (o *Order) IsIceberg() bool {
	return o.DisplayQty.IsPositive() && o.DisplayQty.LessThan(o.TotalQuantity)
}

// Fill records a fill and advances the lifecycle state.
func (o *Order) Fill(qty money.Money) {
	o.FilledQty = o.FilledQty.Add(qty)
	if o.FilledQty.Cmp(o.TotalQuantity) >= 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Clone returns an independent copy safe to hand outside the loop.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}
