package match

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gungnir/internal/book"
	"gungnir/internal/common"
	"gungnir/internal/money"
)

// --- Setup & Helpers --------------------------------------------------------

func testEngine() *Engine {
	var n int
	base := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	return NewDeterministic(
		func() time.Time { return base },
		func() string { n++; return fmt.Sprintf("trade-%d", n) },
	)
}

var orderN int

func order(user string, side common.Side, price string, qty int64, tif common.TimeInForce) *common.Order {
	orderN++
	return &common.Order{
		ID:            fmt.Sprintf("o-%d", orderN),
		UserID:        user,
		AccountID:     user + "-acct",
		Symbol:        "GUN_X",
		Side:          side,
		LimitPrice:    money.MustFromString(price),
		TotalQuantity: money.FromInt(qty),
		TimeInForce:   tif,
		Status:        common.StatusPending,
	}
}

func rest(t *testing.T, e *Engine, b *book.Book, o *common.Order) *common.Order {
	t.Helper()
	res := e.Match(b, o)
	require.Empty(t, res.Trades)
	require.NotNil(t, res.Residual)
	return o
}

// --- Tests ------------------------------------------------------------------

func TestMatch_PriceTimePriority(t *testing.T) {
	// Two resting bids at 100, FIFO; incoming sell 15@99 takes the
	// earlier order first, then partially fills the later one.
	e := testEngine()
	b := book.New("GUN_X")
	a := rest(t, e, b, order("A", common.Buy, "100", 10, common.GTC))
	bo := rest(t, e, b, order("B", common.Buy, "100", 10, common.GTC))

	incoming := order("C", common.Sell, "99", 15, common.GTC)
	res := e.Match(b, incoming)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, a.ID, res.Trades[0].BuyOrderID)
	assert.Equal(t, "10", res.Trades[0].Quantity.String())
	assert.Equal(t, "100", res.Trades[0].Price.String(), "trade at resting price")
	assert.Equal(t, bo.ID, res.Trades[1].BuyOrderID)
	assert.Equal(t, "5", res.Trades[1].Quantity.String())
	assert.Equal(t, "100", res.Trades[1].Price.String())

	assert.Equal(t, common.StatusFilled, incoming.Status)
	assert.Nil(t, res.Residual)

	// Residual BUY 5@100 by B remains.
	remaining, ok := b.Get(bo.ID)
	require.True(t, ok)
	assert.Equal(t, "5", remaining.Remaining().String())
	assert.NoError(t, b.ValidateIntegrity())
}

func TestMatch_SelfMatchSkipped(t *testing.T) {
	// A's buy must not match A's resting sell; both end up working.
	e := testEngine()
	b := book.New("GUN_X")
	sell := rest(t, e, b, order("A", common.Sell, "100", 10, common.GTC))

	buy := order("A", common.Buy, "100", 10, common.GTC)
	res := e.Match(b, buy)

	assert.Empty(t, res.Trades)
	require.NotNil(t, res.Residual)
	assert.Equal(t, common.StatusWorking, buy.Status)
	assert.Equal(t, common.StatusWorking, sell.Status)
	assert.Greater(t, buy.Sequence, sell.Sequence)
}

func TestMatch_IOCPartial(t *testing.T) {
	// Resting sell 5@100; IOC buy 10@100 fills 5 and cancels the rest.
	e := testEngine()
	b := book.New("GUN_X")
	rest(t, e, b, order("A", common.Sell, "100", 5, common.GTC))

	incoming := order("B", common.Buy, "100", 10, common.IOC)
	res := e.Match(b, incoming)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, "5", res.Trades[0].Quantity.String())
	assert.Nil(t, res.Residual)
	assert.Equal(t, common.StatusCancelled, incoming.Status)
	assert.Equal(t, "5", incoming.FilledQty.String())
	_, ok := b.BestAsk()
	assert.False(t, ok, "resting side fully consumed")
}

func TestMatch_IOCNoLiquidity(t *testing.T) {
	e := testEngine()
	b := book.New("GUN_X")
	incoming := order("B", common.Buy, "100", 10, common.IOC)
	res := e.Match(b, incoming)
	assert.Empty(t, res.Trades)
	assert.Equal(t, common.StatusCancelled, incoming.Status)
}

func TestMatch_FOKInsufficient(t *testing.T) {
	// 5@100 + 3@101 cannot cover FOK 10@101; nothing fills.
	e := testEngine()
	b := book.New("GUN_X")
	rest(t, e, b, order("A", common.Sell, "100", 5, common.GTC))
	rest(t, e, b, order("A2", common.Sell, "101", 3, common.GTC))

	before := b.Snapshot(0)
	incoming := order("B", common.Buy, "101", 10, common.FOK)
	res := e.Match(b, incoming)

	assert.Empty(t, res.Trades)
	assert.Equal(t, common.StatusCancelled, incoming.Status)
	assert.True(t, incoming.FilledQty.IsZero())
	assert.Equal(t, before, b.Snapshot(0), "book unchanged")
}

func TestMatch_FOKSufficient(t *testing.T) {
	e := testEngine()
	b := book.New("GUN_X")
	rest(t, e, b, order("A", common.Sell, "100", 5, common.GTC))
	rest(t, e, b, order("A2", common.Sell, "101", 6, common.GTC))

	incoming := order("B", common.Buy, "101", 10, common.FOK)
	res := e.Match(b, incoming)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, common.StatusFilled, incoming.Status)
}

func TestMatch_TakerPricesMonotone(t *testing.T) {
	// Trade prices within one match never improve from the
	// taker's perspective — ascending for a buy taker.
	e := testEngine()
	b := book.New("GUN_X")
	rest(t, e, b, order("A", common.Sell, "102", 5, common.GTC))
	rest(t, e, b, order("B", common.Sell, "100", 5, common.GTC))
	rest(t, e, b, order("C", common.Sell, "101", 5, common.GTC))

	incoming := order("D", common.Buy, "102", 15, common.GTC)
	res := e.Match(b, incoming)

	require.Len(t, res.Trades, 3)
	for i := 1; i < len(res.Trades); i++ {
		assert.GreaterOrEqual(t,
			res.Trades[i].Price.Cmp(res.Trades[i-1].Price), 0,
			"buy taker prices ascend")
	}
}

func TestMatch_NoCrossedBookAfterMatch(t *testing.T) {
	e := testEngine()
	b := book.New("GUN_X")
	rest(t, e, b, order("A", common.Sell, "100", 5, common.GTC))

	// Aggressive bid above the ask fills what crosses, residual rests.
	incoming := order("B", common.Buy, "103", 10, common.GTC)
	res := e.Match(b, incoming)
	require.Len(t, res.Trades, 1)
	require.NotNil(t, res.Residual)

	assert.NoError(t, b.ValidateIntegrity())
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "103", bid.String())
}

func TestMatch_SequencesStrictlyIncrease(t *testing.T) {
	e := testEngine()
	b := book.New("GUN_X")
	rest(t, e, b, order("A", common.Sell, "100", 5, common.GTC))
	rest(t, e, b, order("B", common.Sell, "100", 5, common.GTC))

	incoming := order("C", common.Buy, "100", 10, common.GTC)
	res := e.Match(b, incoming)
	require.Len(t, res.Trades, 2)
	assert.Less(t, res.Trades[0].Sequence, res.Trades[1].Sequence)
}

func TestMatch_HiddenIcebergConsumedBeforeWorsePrice(t *testing.T) {
	// The resting side's hidden residual at a better price is matched
	// before any worse price is touched.
	e := testEngine()
	b := book.New("GUN_X")
	ice := order("A", common.Sell, "100", 50, common.GTC)
	ice.DisplayQty = money.FromInt(5)
	e.Match(b, ice)
	rest(t, e, b, order("B", common.Sell, "101", 50, common.GTC))

	incoming := order("C", common.Buy, "101", 60, common.GTC)
	res := e.Match(b, incoming)

	require.Len(t, res.Trades, 2)
	assert.Equal(t, "50", res.Trades[0].Quantity.String(), "full iceberg volume at 100 first")
	assert.Equal(t, "100", res.Trades[0].Price.String())
	assert.Equal(t, "10", res.Trades[1].Quantity.String())
	assert.Equal(t, "101", res.Trades[1].Price.String())
}

func TestMatch_Deterministic(t *testing.T) {
	// Replaying the same commands on an empty book yields
	// identical trades.
	run := func() []*common.Trade {
		e := testEngine()
		b := book.New("GUN_X")
		var all []*common.Trade
		cmds := []*common.Order{
			order("A", common.Sell, "100", 5, common.GTC),
			order("B", common.Sell, "101", 7, common.GTC),
			order("C", common.Buy, "101", 9, common.GTC),
			order("D", common.Buy, "100", 4, common.IOC),
		}
		// Rebuild identical IDs across runs.
		for i, c := range cmds {
			c.ID = fmt.Sprintf("cmd-%d", i)
		}
		for _, c := range cmds {
			res := e.Match(b, c)
			all = append(all, res.Trades...)
		}
		return all
	}

	first, second := run(), run()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, *first[i], *second[i])
	}
}
