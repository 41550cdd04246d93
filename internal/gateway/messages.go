package gateway

import (
	"errors"
	"time"

	"gungnir/internal/common"
	"gungnir/internal/money"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMissingField       = errors.New("missing required field")
)

// Request is one JSON line from a client.
type Request struct {
	Type       string `json:"type"` // place | cancel | modify | cancel_all | snapshot | subscribe
	UserID     string `json:"userId"`
	AccountID  string `json:"accountId,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	Side       string `json:"side,omitempty"` // BUY | SELL
	TIF        string `json:"tif,omitempty"`  // GTC | IOC | FOK | DAY
	Price      string `json:"price,omitempty"`
	Quantity   string `json:"quantity,omitempty"`
	DisplayQty string `json:"displayQuantity,omitempty"`
	OrderID    string `json:"orderId,omitempty"`
	NewPrice   string `json:"newPrice,omitempty"`
	NewQty     string `json:"newQuantity,omitempty"`
	Depth      int    `json:"depth,omitempty"`
	DeadlineMs int64  `json:"deadlineMs,omitempty"` // relative deadline
}

// Response is one JSON line back to a client.
type Response struct {
	Type     string               `json:"type"` // result | error | event | snapshot
	Error    string               `json:"error,omitempty"`
	OrderID  string               `json:"orderId,omitempty"`
	Result   *common.Result       `json:"result,omitempty"`
	Snapshot *common.BookSnapshot `json:"snapshot,omitempty"`
	Event    *common.Event        `json:"event,omitempty"`
}

// Command converts a request into the core's command shape.
func (r Request) Command(now time.Time) (common.Command, error) {
	var cmd common.Command
	if r.UserID == "" {
		return cmd, ErrMissingField
	}
	if r.DeadlineMs > 0 {
		cmd.Deadline = now.Add(time.Duration(r.DeadlineMs) * time.Millisecond)
	}

	switch r.Type {
	case "place":
		if r.Symbol == "" || r.Price == "" || r.Quantity == "" {
			return cmd, ErrMissingField
		}
		price, err := money.FromString(r.Price)
		if err != nil {
			return cmd, err
		}
		qty, err := money.FromString(r.Quantity)
		if err != nil {
			return cmd, err
		}
		display := money.Zero()
		if r.DisplayQty != "" {
			if display, err = money.FromString(r.DisplayQty); err != nil {
				return cmd, err
			}
		}
		side := common.Buy
		if r.Side == "SELL" {
			side = common.Sell
		} else if r.Side != "BUY" {
			return cmd, ErrMissingField
		}
		tif, ok := common.ParseTimeInForce(r.TIF)
		if !ok {
			return cmd, ErrInvalidMessageType
		}
		cmd.Place = &common.PlaceOrder{
			UserID:      r.UserID,
			AccountID:   r.AccountID,
			Symbol:      r.Symbol,
			Side:        side,
			TimeInForce: tif,
			Quantity:    qty,
			Price:       price,
			DisplayQty:  display,
		}

	case "cancel":
		if r.OrderID == "" {
			return cmd, ErrMissingField
		}
		cmd.Cancel = &common.CancelOrder{UserID: r.UserID, OrderID: r.OrderID}

	case "modify":
		if r.OrderID == "" || (r.NewPrice == "" && r.NewQty == "") {
			return cmd, ErrMissingField
		}
		m := &common.ModifyOrder{UserID: r.UserID, OrderID: r.OrderID}
		if r.NewPrice != "" {
			p, err := money.FromString(r.NewPrice)
			if err != nil {
				return cmd, err
			}
			m.NewPrice = &p
		}
		if r.NewQty != "" {
			q, err := money.FromString(r.NewQty)
			if err != nil {
				return cmd, err
			}
			m.NewQty = &q
		}
		cmd.Modify = m

	case "cancel_all":
		cmd.CancelAll = &common.CancelAll{
			UserID:    r.UserID,
			AccountID: r.AccountID,
			Symbol:    r.Symbol,
		}

	default:
		return cmd, ErrInvalidMessageType
	}
	return cmd, nil
}
