// Package strategy holds the pure decision core of the DCA engine: three
// functions that map a market tick plus current cycle state to an optional
// Action. They perform no I/O and never block, so the live loop and the
// tests exercise identical logic.
package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// Order side and type for intents. The engine maps these onto the broker
// gateway's submit calls.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

type OrderType string

const (
	OrderLimit  OrderType = "limit"
	OrderMarket OrderType = "market"
)

var (
	one        = decimal.NewFromInt(1)
	oneHundred = decimal.NewFromInt(100)

	// Aggressive limit pricing used in testing mode to force immediate fills.
	testingModeInflation = decimal.RequireFromString("1.05")
)

// ErrSellBelowMinimum is returned when a take-profit sell would be smaller
// than the broker's minimum order size. The cycle stays where it is.
var ErrSellBelowMinimum = errors.New("sell quantity below broker minimum")

// Input carries everything a decision function may consult.
type Input struct {
	Quote models.Quote
	Asset models.AssetConfig
	Cycle models.Cycle
	// Position is the live broker position for the symbol, nil when the
	// fetch failed or the account holds none. Best-effort only.
	Position *models.Position
	// TestingMode inflates buy limit prices by 5% to force fills.
	TestingMode bool
}

// OrderIntent describes an order to submit.
type OrderIntent struct {
	Side       Side
	Type       OrderType
	Qty        decimal.Decimal
	LimitPrice *decimal.Decimal // nil for market orders
}

// CycleIntent is the cycle mutation to apply once the order is accepted.
// The engine adds the broker order id on top.
type CycleIntent struct {
	Status string
}

// TTPIntent is a trailing-state mutation. It can fire without an order:
// arming the trail and raising the peak both change only the cycle row.
type TTPIntent struct {
	Status               string
	HighestTrailingPrice decimal.Decimal
}

// Action is the output of a decision function: at most one order plus the
// state changes that go with it.
type Action struct {
	Order  *OrderIntent
	Cycle  *CycleIntent
	TTP    *TTPIntent
	Reason string
}

// DecideBaseOrder returns a limit-buy Action when a fresh cycle should open
// its position, nil when no action applies.
//
// Conditions: asset enabled, cycle watching with zero quantity, no live
// broker position at or above dust size, and positive prices and sizing.
func DecideBaseOrder(in Input) (*Action, error) {
	if !in.Asset.Enabled || in.Cycle.Status != models.StatusWatching || !in.Cycle.Quantity.IsZero() {
		return nil, nil
	}
	if in.Position != nil && in.Position.Qty.GreaterThanOrEqual(models.MinOrderQty) {
		return nil, nil
	}
	ask, bid := in.Quote.AskPrice, in.Quote.BidPrice
	if !ask.IsPositive() || !bid.IsPositive() || !in.Asset.BaseOrderAmount.IsPositive() {
		return nil, nil
	}

	qty := in.Asset.BaseOrderAmount.Div(ask)
	limit := buyLimitPrice(ask, in.Asset.BuyOrderDeviationPct, in.TestingMode)

	return &Action{
		Order: &OrderIntent{
			Side:       SideBuy,
			Type:       OrderLimit,
			Qty:        qty,
			LimitPrice: &limit,
		},
		Cycle:  &CycleIntent{Status: models.StatusBuying},
		Reason: fmt.Sprintf("base order: %s %s at %s", qty, in.Asset.Symbol, limit),
	}, nil
}

// DecideSafetyOrder returns a limit-buy Action when the price has dropped
// far enough below the last fill to average down, nil otherwise.
func DecideSafetyOrder(in Input) (*Action, error) {
	if !safetyOrderWouldFire(in) {
		return nil, nil
	}

	ask := in.Quote.AskPrice
	qty := in.Asset.SafetyOrderAmount.Div(ask)
	limit := buyLimitPrice(ask, decimal.Zero, in.TestingMode)

	return &Action{
		Order: &OrderIntent{
			Side:       SideBuy,
			Type:       OrderLimit,
			Qty:        qty,
			LimitPrice: &limit,
		},
		Cycle: &CycleIntent{Status: models.StatusBuying},
		Reason: fmt.Sprintf("safety order %d/%d: ask %s at or below trigger",
			in.Cycle.SafetyOrders+1, in.Asset.MaxSafetyOrders, ask),
	}, nil
}

// DecideTakeProfit evaluates the take-profit and trailing take-profit rules.
// It returns a market-sell Action, a trailing-only Action, or nil. A sell
// blocked by the dust threshold returns ErrSellBelowMinimum so the caller
// can surface a warning; the cycle is left untouched.
func DecideTakeProfit(in Input) (*Action, error) {
	if !in.Asset.Enabled {
		return nil, nil
	}
	if in.Cycle.Status != models.StatusWatching && in.Cycle.Status != models.StatusTrailing {
		return nil, nil
	}
	if !in.Cycle.Quantity.IsPositive() || !in.Cycle.AveragePurchasePrice.IsPositive() {
		return nil, nil
	}

	// Buying beats selling on the same tick.
	if safetyOrderWouldFire(in) {
		return nil, nil
	}

	bid := in.Quote.BidPrice
	tpTrigger := in.Cycle.AveragePurchasePrice.Mul(one.Add(in.Asset.TakeProfitPct.Div(oneHundred)))

	if !in.Asset.TTPEnabled {
		if bid.GreaterThanOrEqual(tpTrigger) {
			return sellAction(in, fmt.Sprintf("take-profit: bid %s at or above trigger %s", bid, tpTrigger))
		}
		return nil, nil
	}

	switch in.Cycle.Status {
	case models.StatusWatching:
		// Arm the trail instead of selling immediately.
		if bid.GreaterThanOrEqual(tpTrigger) {
			return &Action{
				TTP: &TTPIntent{
					Status:               models.StatusTrailing,
					HighestTrailingPrice: bid,
				},
				Reason: fmt.Sprintf("TTP armed: bid %s at or above trigger %s", bid, tpTrigger),
			}, nil
		}
	case models.StatusTrailing:
		peak := decimal.Zero
		if in.Cycle.HighestTrailingPrice != nil {
			peak = *in.Cycle.HighestTrailingPrice
		}
		if bid.GreaterThan(peak) {
			return &Action{
				TTP: &TTPIntent{
					Status:               models.StatusTrailing,
					HighestTrailingPrice: bid,
				},
				Reason: fmt.Sprintf("TTP peak raised to %s", bid),
			}, nil
		}
		sellTrigger := peak.Mul(one.Sub(in.Asset.TTPDeviationPct.Div(oneHundred)))
		if bid.LessThan(sellTrigger) {
			return sellAction(in, fmt.Sprintf("TTP sell: bid %s fell below %s (peak %s)", bid, sellTrigger, peak))
		}
	}
	return nil, nil
}

// safetyOrderWouldFire checks the safety-order conditions without building
// the Action. Shared with DecideTakeProfit for the precedence rule.
func safetyOrderWouldFire(in Input) bool {
	if !in.Asset.Enabled || in.Cycle.Status != models.StatusWatching || !in.Cycle.Quantity.IsPositive() {
		return false
	}
	if in.Cycle.SafetyOrders >= in.Asset.MaxSafetyOrders {
		return false
	}
	if in.Cycle.LastOrderFillPrice == nil || !in.Cycle.LastOrderFillPrice.IsPositive() {
		return false
	}
	ask := in.Quote.AskPrice
	if !ask.IsPositive() || !in.Asset.SafetyOrderAmount.IsPositive() {
		return false
	}
	trigger := in.Cycle.LastOrderFillPrice.Mul(one.Sub(in.Asset.SafetyOrderDeviationPct.Div(oneHundred)))
	// Equality fires.
	return ask.LessThanOrEqual(trigger)
}

// sellAction builds a full-position market sell, preferring the live broker
// position quantity over the cycle's record.
func sellAction(in Input, reason string) (*Action, error) {
	qty := in.Cycle.Quantity
	if in.Position != nil {
		qty = in.Position.Qty
	}
	if qty.LessThan(models.MinOrderQty) {
		return nil, fmt.Errorf("%w: qty %s for %s", ErrSellBelowMinimum, qty, in.Asset.Symbol)
	}
	return &Action{
		Order: &OrderIntent{
			Side: SideSell,
			Type: OrderMarket,
			Qty:  qty,
		},
		Cycle:  &CycleIntent{Status: models.StatusSelling},
		Reason: reason,
	}, nil
}

// buyLimitPrice applies the optional base-order deviation, then the testing
// mode inflation.
func buyLimitPrice(ask, deviationPct decimal.Decimal, testingMode bool) decimal.Decimal {
	limit := ask
	if deviationPct.IsPositive() {
		limit = ask.Mul(one.Sub(deviationPct.Div(oneHundred)))
	}
	if testingMode {
		limit = limit.Mul(testingModeInflation)
	}
	return limit
}
