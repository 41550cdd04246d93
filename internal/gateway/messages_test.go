package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gungnir/internal/common"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestRequest_PlaceCommand(t *testing.T) {
	req := Request{
		Type:       "place",
		UserID:     "alice",
		AccountID:  "alice-acct",
		Symbol:     "GUN_X",
		Side:       "SELL",
		TIF:        "IOC",
		Price:      "100.5",
		Quantity:   "10",
		DisplayQty: "2",
		DeadlineMs: 500,
	}
	cmd, err := req.Command(now)
	require.NoError(t, err)
	require.NotNil(t, cmd.Place)
	assert.Equal(t, common.Sell, cmd.Place.Side)
	assert.Equal(t, common.IOC, cmd.Place.TimeInForce)
	assert.Equal(t, "100.5", cmd.Place.Price.String())
	assert.Equal(t, "2", cmd.Place.DisplayQty.String())
	assert.Equal(t, now.Add(500*time.Millisecond), cmd.Deadline)
}

func TestRequest_PlaceDefaultsToGTC(t *testing.T) {
	req := Request{Type: "place", UserID: "alice", Symbol: "GUN_X", Side: "BUY", Price: "1", Quantity: "1"}
	cmd, err := req.Command(now)
	require.NoError(t, err)
	assert.Equal(t, common.GTC, cmd.Place.TimeInForce)
	assert.True(t, cmd.Deadline.IsZero())
}

func TestRequest_PlaceValidation(t *testing.T) {
	for name, req := range map[string]Request{
		"no user":   {Type: "place", Symbol: "GUN_X", Side: "BUY", Price: "1", Quantity: "1"},
		"no symbol": {Type: "place", UserID: "a", Side: "BUY", Price: "1", Quantity: "1"},
		"bad side":  {Type: "place", UserID: "a", Symbol: "GUN_X", Side: "HOLD", Price: "1", Quantity: "1"},
		"bad price": {Type: "place", UserID: "a", Symbol: "GUN_X", Side: "BUY", Price: "x", Quantity: "1"},
		"bad tif":   {Type: "place", UserID: "a", Symbol: "GUN_X", Side: "BUY", TIF: "GTD", Price: "1", Quantity: "1"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := req.Command(now)
			assert.Error(t, err)
		})
	}
}

func TestRequest_CancelAndModify(t *testing.T) {
	cmd, err := Request{Type: "cancel", UserID: "a", OrderID: "o-1"}.Command(now)
	require.NoError(t, err)
	assert.Equal(t, "o-1", cmd.Cancel.OrderID)

	req := Request{Type: "modify", UserID: "a", OrderID: "o-1", NewPrice: "101", NewQty: "5"}
	cmd, err = req.Command(now)
	require.NoError(t, err)
	require.NotNil(t, cmd.Modify)
	assert.Equal(t, "101", cmd.Modify.NewPrice.String())
	assert.Equal(t, "5", cmd.Modify.NewQty.String())

	_, err = Request{Type: "modify", UserID: "a", OrderID: "o-1"}.Command(now)
	assert.ErrorIs(t, err, ErrMissingField)
}

func TestRequest_CancelAll(t *testing.T) {
	cmd, err := Request{Type: "cancel_all", UserID: "a", Symbol: "GUN_X"}.Command(now)
	require.NoError(t, err)
	require.NotNil(t, cmd.CancelAll)
	assert.Equal(t, "GUN_X", cmd.CancelAll.Symbol)
}

func TestRequest_UnknownType(t *testing.T) {
	_, err := Request{Type: "destroy", UserID: "a"}.Command(now)
	assert.ErrorIs(t, err, ErrInvalidMessageType)
}
