// Package settle applies trades to positions and balances. The functions
// here are pure state transitions on the records the orchestrator loaded
// inside a storage transaction; both counterparties commit together or not
// at all.
package settle

import (
	"time"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

// Engine carries the venue-wide settlement parameters.
type Engine struct {
	feeRate  money.Money // fraction of notional charged to each side
	currency string      // cash currency
}

// New creates a settlement engine. feeRate defaults to the venue's
// configured rate (0.1% of notional unless overridden).
func New(feeRate money.Money, currency string) *Engine {
	return &Engine{feeRate: feeRate, currency: currency}
}

// Currency returns the cash currency balances settle in.
func (e *Engine) Currency() string { return e.currency }

// Outcome summarizes what one trade did to both counterparties.
type Outcome struct {
	BuyerFee        money.Money
	SellerFee       money.Money
	BuyerRealized   money.Money // realized P&L delta for the buyer
	SellerRealized  money.Money // realized P&L delta for the seller
}

// Apply settles one trade against both counterparties' positions and
// balances in place. markPrice drives the unrealized P&L recomputation.
// Balances on a cash currency must never go negative; a violation is an
// integrity error and the caller halts the instrument loop.
func (e *Engine) Apply(trade *common.Trade, buyerPos, sellerPos *common.Position, buyerBal, sellerBal *common.Balance, markPrice money.Money) (Outcome, error) {
	var out Outcome

	out.BuyerRealized = applyPosition(buyerPos, trade.Quantity, trade.Price, markPrice)
	out.SellerRealized = applyPosition(sellerPos, trade.Quantity.Neg(), trade.Price, markPrice)

	notional := trade.Notional()
	out.BuyerFee = notional.Mul(e.feeRate)
	out.SellerFee = notional.Mul(e.feeRate)

	if err := debit(buyerBal, notional.Add(out.BuyerFee)); err != nil {
		return out, err
	}
	credit(sellerBal, notional.Sub(out.SellerFee))
	if sellerBal.Available.IsNegative() || sellerBal.Total.IsNegative() {
		return out, common.NewErrorf(common.KindIntegrity,
			"seller balance would go negative (account %s)", sellerBal.AccountID)
	}
	buyerBal.UpdatedAt = trade.Timestamp
	sellerBal.UpdatedAt = trade.Timestamp
	buyerPos.UpdatedAt = trade.Timestamp
	sellerPos.UpdatedAt = trade.Timestamp
	return out, nil
}

// applyPosition folds a signed fill delta into a position and returns the
// realized P&L delta. delta is positive for a buy, negative for a sell.
func applyPosition(pos *common.Position, delta, price, mark money.Money) money.Money {
	q := pos.Quantity
	realizedDelta := money.Zero()

	switch {
	case q.IsZero():
		pos.Quantity = delta
		pos.AvgPrice = price
	case q.Sign() == delta.Sign():
		// Adding to the position: volume-weighted average price.
		newQty := q.Add(delta)
		weighted := q.Mul(pos.AvgPrice).Add(delta.Mul(price))
		avg, err := weighted.Div(newQty)
		if err == nil {
			pos.AvgPrice = avg
		}
		pos.Quantity = newQty
	default:
		// Reducing or reversing: realize P&L on the closed slice.
		closed := money.Min(q.Abs(), delta.Abs())
		sign := money.FromInt(int64(q.Sign()))
		realizedDelta = closed.Mul(price.Sub(pos.AvgPrice)).Mul(sign)
		pos.RealizedPnL = pos.RealizedPnL.Add(realizedDelta)

		newQty := q.Add(delta)
		if newQty.Sign() != 0 && newQty.Sign() != q.Sign() {
			// Reversed through zero: the opposite position opens at the
			// trade price.
			pos.AvgPrice = price
		}
		pos.Quantity = newQty
	}

	pos.MarkToMarket(mark)
	return realizedDelta
}

func debit(bal *common.Balance, amount money.Money) error {
	bal.Available = bal.Available.Sub(amount)
	bal.Total = bal.Total.Sub(amount)
	if bal.Available.IsNegative() || bal.Total.IsNegative() {
		return common.NewErrorf(common.KindIntegrity,
			"balance would go negative (account %s)", bal.AccountID)
	}
	return nil
}

func credit(bal *common.Balance, amount money.Money) {
	bal.Available = bal.Available.Add(amount)
	bal.Total = bal.Total.Add(amount)
}

// ExpireOutcome summarizes expiration settlement for one position.
type ExpireOutcome struct {
	Realized money.Money
}

// Expire settles an open position at the instrument's settlement price:
// the full quantity realizes against the average price, cash is credited
// or debited accordingly, and the position flattens.
func (e *Engine) Expire(pos *common.Position, bal *common.Balance, settlementPrice money.Money, at time.Time) ExpireOutcome {
	realized := pos.Quantity.Mul(settlementPrice.Sub(pos.AvgPrice))
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity = money.Zero()
	pos.UnrealizedPnL = money.Zero()
	pos.UpdatedAt = at

	credit(bal, realized)
	bal.UpdatedAt = at
	return ExpireOutcome{Realized: realized}
}
