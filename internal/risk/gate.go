// Package risk runs the pre-trade checks every order must pass before it
// can reach the matching engine: liveness, bounds, margin, position and
// daily limits, concentration. Each check is independent; any rejection
// aborts the order before it touches the book.
package risk

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

// Severity weights for the aggregate risk score.
const (
	weightMargin        = 40
	weightDailyLoss     = 35
	weightPositionSize  = 35
	weightOrderSize     = 30
	weightDailyVolume   = 30
	weightConcentration = 15
	weightNearMargin    = 10
	weightVolatilityMax = 10

	highRiskThreshold = 80
)

// AccountState is the snapshot of one account the gate evaluates against.
// The orchestrator assembles it from authoritative storage, never from a
// cache, before each mutating command.
type AccountState struct {
	Cash          money.Money                // available cash balance
	Positions     map[string]*common.Position // by instrument symbol
	MarkPrices    map[string]money.Money      // by instrument symbol
	Limits        common.RiskLimits          //
	DailyVolume   money.Money                // notional traded since day start
	DailyRealized money.Money                // realized P&L since day start
}

// Result is the gate's verdict. Rejections abort the order; warnings ride
// along on an accepted order.
type Result struct {
	Pass       bool
	Warnings   []string
	Rejections []string
	Score      int // 0..100
}

// Gate evaluates proposed orders against instrument and account limits.
type Gate struct {
	log zerolog.Logger
}

// NewGate creates a gate logging through the given logger.
func NewGate(log zerolog.Logger) *Gate {
	return &Gate{log: log.With().Str("component", "risk").Logger()}
}

// Check runs all pre-trade checks for the proposed order. Rejections carry
// the specific failed check with current vs. limit values.
func (g *Gate) Check(order *common.Order, inst *common.Instrument, acct AccountState, now time.Time) Result {
	r := Result{}
	score := 0

	// Instrument liveness.
	if !inst.Active {
		r.Rejections = append(r.Rejections, fmt.Sprintf("instrument %s is inactive", inst.Symbol))
	} else if inst.Expired(now) {
		r.Rejections = append(r.Rejections, fmt.Sprintf("instrument %s is expired", inst.Symbol))
	}

	// Price and quantity bounds.
	if !inst.PriceInBand(order.LimitPrice) {
		r.Rejections = append(r.Rejections, fmt.Sprintf(
			"price %s outside [%s, %s]", order.LimitPrice, inst.MinPrice, inst.MaxPrice))
	}
	if !order.LimitPrice.IsMultipleOf(inst.TickSize) {
		r.Rejections = append(r.Rejections, fmt.Sprintf(
			"price %s is not a multiple of tick size %s", order.LimitPrice, inst.TickSize))
	}
	if !order.TotalQuantity.IsPositive() {
		r.Rejections = append(r.Rejections, "quantity must be positive")
	} else if !order.TotalQuantity.IsMultipleOf(inst.LotSize) {
		r.Rejections = append(r.Rejections, fmt.Sprintf(
			"quantity %s is not a multiple of lot size %s", order.TotalQuantity, inst.LotSize))
	}

	notional := order.TotalQuantity.Mul(order.LimitPrice)
	limits := acct.Limits

	// Order-size cap.
	if limits.MaxOrderSize.IsPositive() && notional.GreaterThan(limits.MaxOrderSize) {
		r.Rejections = append(r.Rejections, fmt.Sprintf(
			"order notional %s exceeds max order size %s", notional, limits.MaxOrderSize))
		score += weightOrderSize
	}

	// Margin.
	required := g.marginRequired(order, inst, acct, notional)
	available := g.availableMargin(acct)
	if required.GreaterThan(available) {
		r.Rejections = append(r.Rejections, fmt.Sprintf(
			"insufficient margin (available %s, required %s)", available, required))
		score += weightMargin
	} else if available.IsPositive() {
		// Above 80% margin utilisation is a warning, not a rejection.
		headroom := available.Mul(money.MustFromString("0.8"))
		if required.GreaterThan(headroom) {
			r.Warnings = append(r.Warnings, fmt.Sprintf(
				"margin utilisation above 80%% (available %s, required %s)", available, required))
			score += weightNearMargin
		}
	}

	// Position size.
	newQty := g.projectedQuantity(order, acct)
	posNotional := newQty.Abs().Mul(order.LimitPrice)
	if limits.MaxPositionSize.IsPositive() && posNotional.GreaterThan(limits.MaxPositionSize) {
		r.Rejections = append(r.Rejections, fmt.Sprintf(
			"projected position notional %s exceeds max position size %s", posNotional, limits.MaxPositionSize))
		score += weightPositionSize
	}

	// Daily volume.
	if limits.MaxDailyVolume.IsPositive() {
		projected := acct.DailyVolume.Add(notional)
		if projected.GreaterThan(limits.MaxDailyVolume) {
			r.Rejections = append(r.Rejections, fmt.Sprintf(
				"daily volume %s would exceed limit %s", projected, limits.MaxDailyVolume))
			score += weightDailyVolume
		}
	}

	// Daily loss.
	if limits.MaxDailyLoss.IsPositive() {
		pnlToday := acct.DailyRealized.Add(g.unrealizedTotal(acct))
		if pnlToday.LessThan(limits.MaxDailyLoss.Neg()) {
			r.Rejections = append(r.Rejections, fmt.Sprintf(
				"daily P&L %s breaches loss limit -%s", pnlToday, limits.MaxDailyLoss))
			score += weightDailyLoss
		}
	}

	// Concentration is a warning, never a rejection.
	if limits.ConcentrationLimit.IsPositive() {
		portfolio := g.portfolioValue(acct)
		if portfolio.IsPositive() {
			ratio, err := posNotional.Div(portfolio)
			if err == nil && ratio.GreaterThan(limits.ConcentrationLimit) {
				r.Warnings = append(r.Warnings, fmt.Sprintf(
					"position concentration %s exceeds limit %s", ratio.Round(4), limits.ConcentrationLimit))
				score += weightConcentration
			}
		}
	}

	score += volatilityScore(inst)
	if score > 100 {
		score = 100
	}
	r.Score = score
	r.Pass = len(r.Rejections) == 0

	if r.Score >= highRiskThreshold && r.Pass {
		g.log.Warn().
			Str("orderId", order.ID).
			Str("userId", order.UserID).
			Int("riskScore", r.Score).
			Msg("high-risk order passed checks")
	}
	return r
}

// marginRequired is the post-trade margin: existing positions marked at
// their mark price plus the new order's notional, all at the instrument
// margin rate.
func (g *Gate) marginRequired(order *common.Order, inst *common.Instrument, acct AccountState, notional money.Money) money.Money {
	required := notional.Mul(inst.MarginRate)
	for sym, pos := range acct.Positions {
		mark, ok := acct.MarkPrices[sym]
		if !ok {
			mark = pos.AvgPrice
		}
		required = required.Add(pos.Quantity.Abs().Mul(mark).Mul(inst.MarginRate))
	}
	return required
}

// availableMargin is cash plus unrealized P&L.
func (g *Gate) availableMargin(acct AccountState) money.Money {
	return acct.Cash.Add(g.unrealizedTotal(acct))
}

func (g *Gate) unrealizedTotal(acct AccountState) money.Money {
	total := money.Zero()
	for _, pos := range acct.Positions {
		total = total.Add(pos.UnrealizedPnL)
	}
	return total
}

func (g *Gate) projectedQuantity(order *common.Order, acct AccountState) money.Money {
	current := money.Zero()
	if pos, ok := acct.Positions[order.Symbol]; ok {
		current = pos.Quantity
	}
	delta := order.TotalQuantity
	if order.Side == common.Sell {
		delta = delta.Neg()
	}
	return current.Add(delta)
}

func (g *Gate) portfolioValue(acct AccountState) money.Money {
	total := acct.Cash
	for sym, pos := range acct.Positions {
		mark, ok := acct.MarkPrices[sym]
		if !ok {
			mark = pos.AvgPrice
		}
		total = total.Add(pos.Quantity.Abs().Mul(mark))
	}
	return total
}

// volatilityScore contributes up to weightVolatilityMax points based on how
// wide the instrument's price band is relative to its midpoint.
func volatilityScore(inst *common.Instrument) int {
	mid, err := inst.MinPrice.Add(inst.MaxPrice).Div(money.FromInt(2))
	if err != nil || !mid.IsPositive() {
		return 0
	}
	width, err := inst.MaxPrice.Sub(inst.MinPrice).Div(mid)
	if err != nil {
		return 0
	}
	score := width.Mul(money.FromInt(weightVolatilityMax))
	if score.GreaterThan(money.FromInt(weightVolatilityMax)) {
		return weightVolatilityMax
	}
	// Round up to the next point; the score is coarse.
	out := 0
	for i := 0; i < weightVolatilityMax; i++ {
		if score.GreaterThan(money.FromInt(int64(i))) {
			out = i + 1
		}
	}
	return out
}
