package common

import (
	"time"

	"gungnir/internal/money"
)

// Trade records a match between two orders. Immutable once written; the
// trade log is append-only.
type Trade struct {
	ID           string      // globally unique
	Symbol       string      // instrument symbol
	BuyOrderID   string      //
	SellOrderID  string      //
	BuyerUserID  string      //
	SellerUserID string      //
	BuyerAcct    string      //
	SellerAcct   string      //
	Quantity     money.Money // matched volume
	Price        money.Money // resting order's price
	Timestamp    time.Time   //
	Sequence     uint64      // instrument-scoped, strictly increasing
}

// Notional is quantity times price in the cash currency.
func (t *Trade) Notional() money.Money {
	return t.Quantity.Mul(t.Price)
}
