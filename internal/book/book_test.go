package book

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

// --- Setup & Helpers --------------------------------------------------------

var orderCounter int

func newOrder(user string, side common.Side, price string, qty int64) *common.Order {
	orderCounter++
	return &common.Order{
		ID:            fmt.Sprintf("ord-%d", orderCounter),
		UserID:        user,
		AccountID:     user + "-acct",
		Symbol:        "GUN_X",
		Side:          side,
		LimitPrice:    money.MustFromString(price),
		TotalQuantity: money.FromInt(qty),
		TimeInForce:   common.GTC,
		Status:        common.StatusWorking,
	}
}

func placeOrders(t *testing.T, b *Book, user string, side common.Side, price string, quantities ...int64) []*common.Order {
	t.Helper()
	orders := make([]*common.Order, 0, len(quantities))
	for _, qty := range quantities {
		o := newOrder(user, side, price, qty)
		require.NoError(t, b.AddOrder(o))
		orders = append(orders, o)
	}
	return orders
}

func levelQty(t *testing.T, b *Book, side common.Side, price string) (string, int) {
	t.Helper()
	qty, count := b.LevelAggregate(side, money.MustFromString(price))
	return qty.String(), count
}

// --- Tests ------------------------------------------------------------------

func TestAddOrder_SortsLevels(t *testing.T) {
	b := New("GUN_X")

	placeOrders(t, b, "alice", common.Buy, "99", 100, 90, 80)
	placeOrders(t, b, "alice", common.Buy, "98", 50)
	placeOrders(t, b, "bob", common.Sell, "100", 100, 90)
	placeOrders(t, b, "bob", common.Sell, "101", 20)

	snap := b.Snapshot(0)
	require.Len(t, snap.Bids, 2)
	require.Len(t, snap.Asks, 2)

	assert.Equal(t, "99", snap.Bids[0].Price.String(), "bids sorted high -> low")
	assert.Equal(t, "270", snap.Bids[0].Quantity.String())
	assert.Equal(t, 3, snap.Bids[0].OrderCount)
	assert.Equal(t, "98", snap.Bids[1].Price.String())

	assert.Equal(t, "100", snap.Asks[0].Price.String(), "asks sorted low -> high")
	assert.Equal(t, "190", snap.Asks[0].Quantity.String())
	assert.Equal(t, "101", snap.Asks[1].Price.String())

	assert.NoError(t, b.ValidateIntegrity())
}

func TestAddOrder_AssignsMonotonicSequence(t *testing.T) {
	b := New("GUN_X")
	orders := placeOrders(t, b, "alice", common.Buy, "99", 10, 10, 10)

	assert.Less(t, orders[0].Sequence, orders[1].Sequence)
	assert.Less(t, orders[1].Sequence, orders[2].Sequence)
}

func TestAddOrder_Duplicate(t *testing.T) {
	b := New("GUN_X")
	o := placeOrders(t, b, "alice", common.Buy, "99", 10)[0]
	assert.ErrorIs(t, b.AddOrder(o), ErrDuplicateOrder)
}

func TestBestBidAskSpreadMid(t *testing.T) {
	b := New("GUN_X")

	_, ok := b.BestBid()
	assert.False(t, ok, "empty book has no best bid")

	placeOrders(t, b, "alice", common.Buy, "99", 10)
	placeOrders(t, b, "bob", common.Sell, "101", 10)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, "99", bid.String())

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "101", ask.String())

	spread, ok := b.Spread()
	require.True(t, ok)
	assert.Equal(t, "2", spread.String())

	mid, ok := b.MidPrice()
	require.True(t, ok)
	assert.Equal(t, "100", mid.String())
}

func TestRemoveOrder_PreservesFIFO(t *testing.T) {
	b := New("GUN_X")
	orders := placeOrders(t, b, "alice", common.Buy, "99", 10, 20, 30)

	removed, err := b.RemoveOrder(orders[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "20", removed.TotalQuantity.String())

	qty, count := levelQty(t, b, common.Buy, "99")
	assert.Equal(t, "40", qty)
	assert.Equal(t, 2, count)

	// Remaining siblings keep their arrival order.
	first := b.FirstMatchable(common.Sell, money.MustFromString("99"), "nobody")
	require.NotNil(t, first)
	assert.Equal(t, orders[0].ID, first.ID)

	assert.NoError(t, b.ValidateIntegrity())
}

func TestRemoveOrder_NotFound(t *testing.T) {
	b := New("GUN_X")
	_, err := b.RemoveOrder("missing")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestRemoveOrder_DeletesEmptyLevel(t *testing.T) {
	b := New("GUN_X")
	o := placeOrders(t, b, "alice", common.Buy, "99", 10)[0]

	_, err := b.RemoveOrder(o.ID)
	require.NoError(t, err)

	_, ok := b.BestBid()
	assert.False(t, ok)
	snap := b.Snapshot(0)
	assert.Empty(t, snap.Bids)
}

func TestUpdateOrderQuantity_DownOnly(t *testing.T) {
	b := New("GUN_X")
	orders := placeOrders(t, b, "alice", common.Buy, "99", 100, 50)

	_, err := b.UpdateOrderQuantity(orders[0].ID, money.FromInt(60))
	require.NoError(t, err)

	qty, _ := levelQty(t, b, common.Buy, "99")
	assert.Equal(t, "110", qty)

	// Priority is kept on a decrease.
	first := b.FirstMatchable(common.Sell, money.MustFromString("99"), "nobody")
	assert.Equal(t, orders[0].ID, first.ID)

	_, err = b.UpdateOrderQuantity(orders[0].ID, money.FromInt(200))
	assert.ErrorIs(t, err, ErrQuantityRaise)

	assert.NoError(t, b.ValidateIntegrity())
}

func TestUpdateOrderQuantity_ToFilledRemoves(t *testing.T) {
	b := New("GUN_X")
	o := placeOrders(t, b, "alice", common.Buy, "99", 100)[0]
	require.NoError(t, b.ApplyFill(o.ID, money.FromInt(40)))

	_, err := b.UpdateOrderQuantity(o.ID, money.FromInt(30))
	assert.ErrorIs(t, err, ErrQuantityFloor)

	_, err = b.UpdateOrderQuantity(o.ID, money.FromInt(40))
	require.NoError(t, err)
	_, ok := b.Get(o.ID)
	assert.False(t, ok, "order reduced to its filled amount leaves the book")
}

func TestFirstMatchable_PriceTimePriority(t *testing.T) {
	b := New("GUN_X")
	placeOrders(t, b, "alice", common.Sell, "101", 10)
	best := placeOrders(t, b, "bob", common.Sell, "100", 10)[0]
	placeOrders(t, b, "carol", common.Sell, "100", 10)

	got := b.FirstMatchable(common.Buy, money.MustFromString("101"), "nobody")
	require.NotNil(t, got)
	assert.Equal(t, best.ID, got.ID, "better price wins; FIFO at equal price")

	// A limit below the best ask matches nothing.
	assert.Nil(t, b.FirstMatchable(common.Buy, money.MustFromString("99"), "nobody"))
}

func TestFirstMatchable_SkipsSelf(t *testing.T) {
	b := New("GUN_X")
	placeOrders(t, b, "alice", common.Sell, "100", 10)
	deeper := placeOrders(t, b, "bob", common.Sell, "101", 10)[0]

	got := b.FirstMatchable(common.Buy, money.MustFromString("101"), "alice")
	require.NotNil(t, got)
	assert.Equal(t, deeper.ID, got.ID, "self orders are skipped, deeper prices still reachable")

	assert.Nil(t, b.FirstMatchable(common.Buy, money.MustFromString("100"), "alice"))
}

func TestMatchableQuantity(t *testing.T) {
	b := New("GUN_X")
	placeOrders(t, b, "alice", common.Sell, "100", 5)
	placeOrders(t, b, "bob", common.Sell, "101", 3)
	placeOrders(t, b, "carol", common.Sell, "102", 7)

	assert.Equal(t, "8", b.MatchableQuantity(common.Buy, money.MustFromString("101"), "nobody").String())
	assert.Equal(t, "3", b.MatchableQuantity(common.Buy, money.MustFromString("101"), "alice").String())
	assert.Equal(t, "15", b.MatchableQuantity(common.Buy, money.MustFromString("110"), "nobody").String())
}

func TestApplyFill_PartialAndFull(t *testing.T) {
	b := New("GUN_X")
	o := placeOrders(t, b, "alice", common.Sell, "100", 10)[0]

	require.NoError(t, b.ApplyFill(o.ID, money.FromInt(4)))
	assert.Equal(t, common.StatusPartiallyFilled, o.Status)
	qty, _ := levelQty(t, b, common.Sell, "100")
	assert.Equal(t, "6", qty)

	require.NoError(t, b.ApplyFill(o.ID, money.FromInt(6)))
	assert.Equal(t, common.StatusFilled, o.Status)
	_, ok := b.Get(o.ID)
	assert.False(t, ok)

	assert.NoError(t, b.ValidateIntegrity())
}

func TestIceberg_DisplayAndRefill(t *testing.T) {
	b := New("GUN_X")
	ice := newOrder("alice", common.Sell, "100", 100)
	ice.DisplayQty = money.FromInt(10)
	require.NoError(t, b.AddOrder(ice))
	other := placeOrders(t, b, "bob", common.Sell, "100", 20)[0]

	// Only the displayed slice counts toward level aggregation.
	qty, count := levelQty(t, b, common.Sell, "100")
	assert.Equal(t, "30", qty)
	assert.Equal(t, 2, count)

	// Consuming the displayed slice refills it and re-queues at the tail.
	require.NoError(t, b.ApplyFill(ice.ID, money.FromInt(10)))
	qty, count = levelQty(t, b, common.Sell, "100")
	assert.Equal(t, "30", qty, "refilled to displayQuantity")
	assert.Equal(t, 2, count)

	first := b.FirstMatchable(common.Buy, money.MustFromString("100"), "nobody")
	assert.Equal(t, other.ID, first.ID, "iceberg lost time priority after refill")

	// A fill below the slice shrinks the displayed size in place.
	require.NoError(t, b.ApplyFill(ice.ID, money.FromInt(4)))
	qty, _ = levelQty(t, b, common.Sell, "100")
	assert.Equal(t, "26", qty)

	assert.NoError(t, b.ValidateIntegrity())
}

func TestIceberg_RefillCappedByRemaining(t *testing.T) {
	b := New("GUN_X")
	ice := newOrder("alice", common.Sell, "100", 12)
	ice.DisplayQty = money.FromInt(10)
	require.NoError(t, b.AddOrder(ice))

	require.NoError(t, b.ApplyFill(ice.ID, money.FromInt(10)))
	qty, _ := levelQty(t, b, common.Sell, "100")
	assert.Equal(t, "2", qty, "refill capped at remaining hidden volume")
}

func TestSnapshot_Depth(t *testing.T) {
	b := New("GUN_X")
	for i := int64(0); i < 5; i++ {
		placeOrders(t, b, "alice", common.Buy, fmt.Sprintf("%d", 90+i), 10)
	}
	snap := b.Snapshot(3)
	require.Len(t, snap.Bids, 3)
	assert.Equal(t, "94", snap.Bids[0].Price.String())
	assert.Equal(t, "92", snap.Bids[2].Price.String())
}

func TestTakeTouched(t *testing.T) {
	b := New("GUN_X")
	o := placeOrders(t, b, "alice", common.Buy, "99", 10)[0]
	placeOrders(t, b, "alice", common.Buy, "98", 10)

	touched := b.TakeTouched()
	require.Len(t, touched, 2)
	assert.Equal(t, "99", touched[0].Price.String())
	assert.Equal(t, "98", touched[1].Price.String())

	assert.Empty(t, b.TakeTouched(), "drained")

	_, err := b.RemoveOrder(o.ID)
	require.NoError(t, err)
	touched = b.TakeTouched()
	require.Len(t, touched, 1)
	assert.Equal(t, "99", touched[0].Price.String())
}

func TestResumeSequence(t *testing.T) {
	b := New("GUN_X")
	b.ResumeSequence(41)
	o := newOrder("alice", common.Buy, "99", 10)
	require.NoError(t, b.AddOrder(o))
	assert.Equal(t, uint64(42), o.Sequence)

	b.ResumeSequence(7)
	assert.Equal(t, uint64(42), b.CurrentSequence(), "counter never moves backwards")
}

func TestValidateIntegrity_CrossedBook(t *testing.T) {
	b := New("GUN_X")
	// Force a crossed state by inserting directly at crossing prices.
	placeOrders(t, b, "alice", common.Buy, "101", 10)
	placeOrders(t, b, "bob", common.Sell, "100", 10)
	assert.Error(t, b.ValidateIntegrity())
}
