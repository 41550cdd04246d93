package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

// --- Setup & Helpers --------------------------------------------------------

func testInstrument() *common.Instrument {
	return &common.Instrument{
		Symbol:     "GUN_X",
		MinPrice:   money.MustFromString("1"),
		MaxPrice:   money.MustFromString("1000"),
		TickSize:   money.MustFromString("0.5"),
		LotSize:    money.FromInt(1),
		MarginRate: money.MustFromString("0.2"),
		Active:     true,
	}
}

func testOrder(side common.Side, price string, qty int64) *common.Order {
	return &common.Order{
		ID:            "o-1",
		UserID:        "alice",
		AccountID:     "alice-acct",
		Symbol:        "GUN_X",
		Side:          side,
		LimitPrice:    money.MustFromString(price),
		TotalQuantity: money.FromInt(qty),
	}
}

func richAccount() AccountState {
	return AccountState{
		Cash:       money.FromInt(1_000_000),
		Positions:  map[string]*common.Position{},
		MarkPrices: map[string]money.Money{},
	}
}

func gate() *Gate {
	return NewGate(zerolog.Nop())
}

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// --- Tests ------------------------------------------------------------------

func TestCheck_Pass(t *testing.T) {
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), richAccount(), now)
	assert.True(t, res.Pass)
	assert.Empty(t, res.Rejections)
}

func TestCheck_InactiveInstrument(t *testing.T) {
	inst := testInstrument()
	inst.Active = false
	res := gate().Check(testOrder(common.Buy, "100", 10), inst, richAccount(), now)
	assert.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "inactive")
}

func TestCheck_ExpiredInstrument(t *testing.T) {
	inst := testInstrument()
	past := now.Add(-time.Hour)
	inst.ExpirationDate = &past
	res := gate().Check(testOrder(common.Buy, "100", 10), inst, richAccount(), now)
	assert.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "expired")
}

func TestCheck_PriceBounds(t *testing.T) {
	res := gate().Check(testOrder(common.Buy, "1500", 10), testInstrument(), richAccount(), now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "outside")
}

func TestCheck_TickAndLot(t *testing.T) {
	res := gate().Check(testOrder(common.Buy, "100.3", 10), testInstrument(), richAccount(), now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "tick size")

	o := testOrder(common.Buy, "100", 10)
	o.TotalQuantity = money.MustFromString("10.5")
	res = gate().Check(o, testInstrument(), richAccount(), now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "lot size")
}

func TestCheck_OrderSizeCap(t *testing.T) {
	acct := richAccount()
	acct.Limits.MaxOrderSize = money.FromInt(500)
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "max order size")
}

func TestCheck_InsufficientMargin(t *testing.T) {
	// Cash 100, marginRate 0.2, BUY 10@100 needs margin 200.
	acct := richAccount()
	acct.Cash = money.FromInt(100)
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "insufficient margin (available 100, required 200)")
}

func TestCheck_MarginCountsUnrealized(t *testing.T) {
	acct := richAccount()
	acct.Cash = money.FromInt(100)
	acct.Positions["OTHER"] = &common.Position{
		Symbol:        "OTHER",
		UnrealizedPnL: money.FromInt(150),
	}
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	assert.True(t, res.Pass, "availableMargin = cash + unrealizedPnL covers 200")
}

func TestCheck_PositionSizeCap(t *testing.T) {
	acct := richAccount()
	acct.Limits.MaxPositionSize = money.FromInt(1500)
	acct.Positions["GUN_X"] = &common.Position{
		Symbol:   "GUN_X",
		Quantity: money.FromInt(10),
		AvgPrice: money.FromInt(100),
	}
	acct.MarkPrices["GUN_X"] = money.FromInt(100)

	// Projected 20 @ 100 = 2000 notional > 1500.
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "max position size")

	// Selling reduces the position and passes.
	res = gate().Check(testOrder(common.Sell, "100", 10), testInstrument(), acct, now)
	assert.True(t, res.Pass)
}

func TestCheck_DailyVolume(t *testing.T) {
	acct := richAccount()
	acct.Limits.MaxDailyVolume = money.FromInt(1500)
	acct.DailyVolume = money.FromInt(1000)
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "daily volume")
}

func TestCheck_DailyLoss(t *testing.T) {
	acct := richAccount()
	acct.Limits.MaxDailyLoss = money.FromInt(500)
	acct.DailyRealized = money.FromInt(-400)
	acct.Positions["GUN_X"] = &common.Position{
		Symbol:        "GUN_X",
		UnrealizedPnL: money.FromInt(-200),
	}
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	require.False(t, res.Pass)
	assert.Contains(t, res.Rejections[0], "loss limit")
}

func TestCheck_ConcentrationWarnsOnly(t *testing.T) {
	acct := richAccount()
	acct.Cash = money.FromInt(1000)
	acct.Limits.ConcentrationLimit = money.MustFromString("0.5")
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	assert.True(t, res.Pass, "concentration breach is a warning, not a rejection")
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "concentration")
}

func TestCheck_ScoreAggregates(t *testing.T) {
	acct := richAccount()
	acct.Cash = money.FromInt(100)
	acct.Limits.MaxOrderSize = money.FromInt(500)
	acct.Limits.MaxDailyVolume = money.FromInt(100)
	res := gate().Check(testOrder(common.Buy, "100", 10), testInstrument(), acct, now)
	assert.False(t, res.Pass)
	assert.GreaterOrEqual(t, res.Score, highRiskThreshold)
	assert.LessOrEqual(t, res.Score, 100)
}
