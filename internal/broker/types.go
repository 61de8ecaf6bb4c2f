package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// Trade update event constants
const (
	EventNew         = "new"
	EventPartialFill = "partial_fill"
	EventFill        = "fill"
	EventCanceled    = "canceled"
	EventRejected    = "rejected"
	EventExpired     = "expired"
)

// Order side and type constants
const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeLimit  = "limit"
	TypeMarket = "market"
)

// Order represents a broker order. Symbols are always in slash form;
// numeric fields are decimals end to end.
type Order struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	Qty            decimal.Decimal  `json:"qty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price,omitempty"`
	LimitPrice     *decimal.Decimal `json:"limit_price,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	FilledAt       *time.Time       `json:"filled_at,omitempty"`
	CanceledAt     *time.Time       `json:"canceled_at,omitempty"`
	ExpiredAt      *time.Time       `json:"expired_at,omitempty"`
}

// IsTerminal reports whether the broker will make no further changes to
// the order
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// IsTerminalStatus reports whether a broker order status is final
func IsTerminalStatus(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "replaced", "stopped", "done_for_day":
		return true
	}
	return false
}

// TradeUpdate is one event from the trade-update stream. Delivery is
// at-least-once; consumers dedupe on ExecutionID where provided.
type TradeUpdate struct {
	Event       string           `json:"event"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Order       Order            `json:"order"`
	FillPrice   *decimal.Decimal `json:"fill_price,omitempty"` // price of this execution
	FillQty     *decimal.Decimal `json:"fill_qty,omitempty"`   // qty of this execution
	PositionQty *decimal.Decimal `json:"position_qty,omitempty"`
	At          time.Time        `json:"at"`
}

// Gateway is the typed wrapper over the exchange REST and streaming APIs.
// Callers use slash-form symbols ("BTC/USD") exclusively; normalization to
// the broker's forms happens inside the implementation.
type Gateway interface {
	SubmitLimitBuy(symbol string, qty, limitPrice decimal.Decimal) (*Order, error)
	SubmitMarketSell(symbol string, qty decimal.Decimal) (*Order, error)
	CancelOrder(orderID string) error
	GetOrder(orderID string) (*Order, error)
	ListOpenOrders() ([]Order, error)
	GetPosition(symbol string) (*models.Position, error)
	StreamQuotes(ctx context.Context, symbols []string, onQuote func(models.Quote)) error
	StreamTradeUpdates(ctx context.Context, onUpdate func(TradeUpdate)) error
}
