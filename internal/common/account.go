package common

import (
	"time"

	"gungnir/internal/money"
)

// Position is the signed holding of one account in one instrument.
// Positive quantity is long, negative is short.
type Position struct {
	AccountID     string      //
	Symbol        string      //
	Quantity      money.Money // signed
	AvgPrice      money.Money // non-negative; meaningless while flat
	RealizedPnL   money.Money //
	UnrealizedPnL money.Money // Quantity * (mark - AvgPrice)
	UpdatedAt     time.Time   //
}

// MarkToMarket recomputes unrealized P&L at the given mark price.
func (p *Position) MarkToMarket(mark money.Money) {
	p.UnrealizedPnL = p.Quantity.Mul(mark.Sub(p.AvgPrice))
}

// Balance is the cash ledger of one account in one currency.
// Invariant: Total = Available + Reserved, all non-negative for cash.
type Balance struct {
	AccountID string      //
	Currency  string      //
	Total     money.Money //
	Available money.Money //
	Reserved  money.Money //
	UpdatedAt time.Time   //
}

// RiskLimits are the per-user caps the risk gate enforces.
type RiskLimits struct {
	MaxOrderSize       money.Money // notional cap per order
	MaxPositionSize    money.Money // notional cap per position
	MaxDailyVolume     money.Money // rolling day notional cap
	MaxDailyLoss       money.Money // positive number; breach at -MaxDailyLoss
	ConcentrationLimit money.Money // fraction of portfolio, warning only
}

// AuditEntry records a noteworthy action for the audit trail: risk
// rejections, settlements, expirations.
type AuditEntry struct {
	ID            string    //
	Kind          string    // e.g. "risk_rejection", "settlement", "expiration"
	UserID        string    //
	AccountID     string    //
	Symbol        string    //
	Detail        string    //
	CorrelationID string    //
	CreatedAt     time.Time //
}
