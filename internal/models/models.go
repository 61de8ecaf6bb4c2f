package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Cycle status constants
const (
	StatusWatching = "watching" // No order in flight, waiting for a trigger
	StatusBuying   = "buying"   // Limit buy submitted, awaiting terminal event
	StatusSelling  = "selling"  // Market sell submitted, awaiting terminal event
	StatusTrailing = "trailing" // Take-profit reached, tracking the peak bid
	StatusCooldown = "cooldown" // Waiting out the cadence after a completed cycle
	StatusComplete = "complete" // Terminal: position sold
	StatusError    = "error"    // Terminal: divergence that could not be repaired
)

// MinOrderQty is the broker's minimum order size. Residual positions below
// this are dust: they do not block a new base order and cannot be sold.
var MinOrderQty = decimal.RequireFromString("0.000000002")

// AssetConfig represents one tradable symbol and its DCA policy
type AssetConfig struct {
	ID                      int64            `json:"id"`
	Symbol                  string           `json:"symbol"` // slash form, e.g. "BTC/USD"
	Enabled                 bool             `json:"enabled"`
	BaseOrderAmount         decimal.Decimal  `json:"base_order_amount"`   // quote currency
	SafetyOrderAmount       decimal.Decimal  `json:"safety_order_amount"` // quote currency
	MaxSafetyOrders         int              `json:"max_safety_orders"`
	SafetyOrderDeviationPct decimal.Decimal  `json:"safety_order_deviation_pct"`
	TakeProfitPct           decimal.Decimal  `json:"take_profit_pct"`
	TTPEnabled              bool             `json:"ttp_enabled"`
	TTPDeviationPct         decimal.Decimal  `json:"ttp_deviation_pct"`
	BuyOrderDeviationPct    decimal.Decimal  `json:"buy_order_deviation_pct"`
	CooldownSeconds         int              `json:"cooldown_seconds"`
	LastSellPrice           *decimal.Decimal `json:"last_sell_price,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// Cycle represents one buy-accumulate-sell episode for an asset.
// At most one non-terminal cycle exists per asset at any time.
type Cycle struct {
	ID                   int64            `json:"id"`
	AssetID              int64            `json:"asset_id"`
	Status               string           `json:"status"`
	Quantity             decimal.Decimal  `json:"quantity"` // base currency accumulated
	AveragePurchasePrice decimal.Decimal  `json:"average_purchase_price"`
	SafetyOrders         int              `json:"safety_orders"`
	LatestOrderID        *string          `json:"latest_order_id,omitempty"`
	LatestOrderCreatedAt *time.Time       `json:"latest_order_created_at,omitempty"`
	LastOrderFillPrice   *decimal.Decimal `json:"last_order_fill_price,omitempty"`
	HighestTrailingPrice *decimal.Decimal `json:"highest_trailing_price,omitempty"`
	SellPrice            *decimal.Decimal `json:"sell_price,omitempty"`
	CompletedAt          *time.Time       `json:"completed_at,omitempty"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// IsTerminal reports whether the cycle can no longer change state
func (c *Cycle) IsTerminal() bool {
	return c.Status == StatusComplete || c.Status == StatusError
}

// HasOpenOrder reports whether a broker order is currently in flight
func (c *Cycle) HasOpenOrder() bool {
	return c.LatestOrderID != nil && *c.LatestOrderID != ""
}

// CheckInvariants verifies the per-row invariants against the asset's
// policy. A violation means persisted state is corrupt; callers should
// alert and leave the row for operator intervention, never auto-repair.
func (c *Cycle) CheckInvariants(asset *AssetConfig) error {
	if c.Quantity.IsNegative() {
		return fmt.Errorf("cycle %d: negative quantity %s", c.ID, c.Quantity)
	}
	if c.AveragePurchasePrice.IsNegative() {
		return fmt.Errorf("cycle %d: negative average purchase price %s", c.ID, c.AveragePurchasePrice)
	}
	if c.Quantity.IsZero() && !c.AveragePurchasePrice.IsZero() {
		return fmt.Errorf("cycle %d: zero quantity with average purchase price %s", c.ID, c.AveragePurchasePrice)
	}
	if c.SafetyOrders < 0 || c.SafetyOrders > asset.MaxSafetyOrders {
		return fmt.Errorf("cycle %d: safety order count %d outside [0, %d]", c.ID, c.SafetyOrders, asset.MaxSafetyOrders)
	}
	if (c.Status == StatusBuying || c.Status == StatusSelling) && !c.HasOpenOrder() {
		return fmt.Errorf("cycle %d: status %s without an order id", c.ID, c.Status)
	}
	if c.Status != StatusBuying && c.Status != StatusSelling && c.HasOpenOrder() {
		return fmt.Errorf("cycle %d: status %s with order id %s", c.ID, c.Status, *c.LatestOrderID)
	}
	if c.Status == StatusTrailing {
		if !asset.TTPEnabled {
			return fmt.Errorf("cycle %d: trailing but TTP disabled for asset %d", c.ID, asset.ID)
		}
		if c.HighestTrailingPrice == nil || !c.HighestTrailingPrice.IsPositive() {
			return fmt.Errorf("cycle %d: trailing without a positive peak price", c.ID)
		}
		if !c.Quantity.IsPositive() {
			return fmt.Errorf("cycle %d: trailing with no position", c.ID)
		}
	}
	if c.Status == StatusComplete {
		if c.CompletedAt == nil {
			return fmt.Errorf("cycle %d: complete without completed_at", c.ID)
		}
		if !c.Quantity.IsZero() {
			return fmt.Errorf("cycle %d: complete with quantity %s", c.ID, c.Quantity)
		}
	}
	return nil
}

// CycleUpdate carries a partial cycle mutation. Nil fields are left
// untouched by the store; double pointers distinguish "set to null"
// from "leave alone" for the nullable columns.
type CycleUpdate struct {
	Status               *string
	Quantity             *decimal.Decimal
	AveragePurchasePrice *decimal.Decimal
	SafetyOrders         *int
	LatestOrderID        **string
	LatestOrderCreatedAt **time.Time
	LastOrderFillPrice   **decimal.Decimal
	HighestTrailingPrice **decimal.Decimal
	SellPrice            **decimal.Decimal
	CompletedAt          **time.Time
}

// AssetUpdate carries a partial asset mutation
type AssetUpdate struct {
	Enabled       *bool
	LastSellPrice **decimal.Decimal
}

// Pointer helpers for building partial updates
func StrPtr(s string) *string                   { return &s }
func IntPtr(i int) *int                         { return &i }
func DecPtr(d decimal.Decimal) *decimal.Decimal { return &d }
func TimePtr(t time.Time) *time.Time            { return &t }

// Nullable-column helpers: Set writes the value, Clear writes NULL
func SetStr(s string) **string                   { p := &s; return &p }
func ClearStr() **string                         { var p *string; return &p }
func SetDec(d decimal.Decimal) **decimal.Decimal { p := &d; return &p }
func ClearDec() **decimal.Decimal                { var p *decimal.Decimal; return &p }
func SetTime(t time.Time) **time.Time            { p := &t; return &p }
func ClearTime() **time.Time                     { var p *time.Time; return &p }

// Quote is one market tick for a symbol
type Quote struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bid_price"`
	AskPrice  decimal.Decimal `json:"ask_price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Position is the broker's view of a holding
type Position struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
}

// IsDust reports whether the position is below the minimum order size
func (p *Position) IsDust() bool {
	return p.Qty.LessThan(MinOrderQty)
}
