package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/database"
	"github.com/dbarkman/dcaTrader-sub000/internal/logging"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

var oneHundred = decimal.NewFromInt(100)

// seenExecutions is a bounded set of applied execution ids. The trade
// stream is at-least-once; replays of an execution that already mutated a
// cycle are dropped here before touching the store.
type seenExecutions struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	limit int
}

func newSeenExecutions(limit int) *seenExecutions {
	return &seenExecutions{ids: make(map[string]struct{}, limit), limit: limit}
}

func (s *seenExecutions) Seen(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *seenExecutions) Mark(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
}

// handleTradeUpdate is the order-event state machine. Events are matched
// to cycles by the tracked order id; updates for orders the engine never
// placed are logged and dropped. Every branch clears the tracked order id
// on terminal events, which makes redelivery a no-op.
func (e *Engine) handleTradeUpdate(tu broker.TradeUpdate) {
	ctx, cancel := context.WithTimeout(e.ctx, handlerTimeout)
	defer cancel()

	log := logging.OrderLogger(e.logger, tu.Order.Symbol, tu.Order.ID, tu.Order.Side).
		With().Str("event", tu.Event).Logger()

	if e.seen.Seen(tu.ExecutionID) {
		log.Debug().Str("execution_id", tu.ExecutionID).Msg("duplicate execution dropped")
		return
	}

	cycle, err := e.store.FindCycleByOrderID(ctx, tu.Order.ID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Manual orders and replays of already-settled events land here.
			log.Info().Msg("trade update for untracked order, ignoring")
		} else {
			log.Error().Err(err).Msg("find cycle for order")
		}
		return
	}
	asset, err := e.store.GetAssetByID(ctx, cycle.AssetID)
	if err != nil {
		log.Error().Err(err).Int64("asset_id", cycle.AssetID).Msg("load asset for cycle")
		return
	}
	log = log.With().Int64("cycle_id", cycle.ID).Logger()

	switch tu.Event {
	case broker.EventNew:
		log.Info().Msg("order accepted")
		return
	case broker.EventPartialFill:
		// Informational only. Financials change on the terminal event,
		// using the broker's summed totals.
		evt := log.Info()
		if tu.FillQty != nil {
			evt = evt.Str("fill_qty", tu.FillQty.String())
		}
		if tu.FillPrice != nil {
			evt = evt.Str("fill_price", tu.FillPrice.String())
		}
		evt.Msg("order partially filled")
		return
	case broker.EventFill:
		if tu.Order.Side == broker.SideSell {
			err = e.completeSell(ctx, asset, cycle, tu, log)
		} else {
			err = e.applyBuyFill(ctx, asset, cycle, tu, log)
		}
	case broker.EventCanceled, broker.EventRejected, broker.EventExpired:
		err = e.resolveTerminated(ctx, asset, cycle, tu, log)
	default:
		log.Warn().Msg("unhandled trade update event")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("apply trade update")
		return
	}
	e.seen.Mark(tu.ExecutionID)
}

// fillTotals returns the order's cumulative filled quantity and average
// price, preferring the order totals over the per-execution fields.
func fillTotals(tu broker.TradeUpdate) (qty, price decimal.Decimal) {
	qty = tu.Order.FilledQty
	if qty.IsZero() && tu.FillQty != nil {
		qty = *tu.FillQty
	}
	if tu.Order.FilledAvgPrice != nil {
		price = *tu.Order.FilledAvgPrice
	} else if tu.FillPrice != nil {
		price = *tu.FillPrice
	}
	return qty, price
}

// applyBuyFill books a filled buy into the cycle. The live broker
// position is the source of truth for the new totals; the weighted
// average over the previous cycle state is the fallback when the position
// fetch fails. A fill on a non-empty cycle counts as a safety order.
func (e *Engine) applyBuyFill(ctx context.Context, asset *models.AssetConfig, cycle *models.Cycle, tu broker.TradeUpdate, log zerolog.Logger) error {
	fillQty, fillPrice := fillTotals(tu)
	if !fillQty.IsPositive() || !fillPrice.IsPositive() {
		return fmt.Errorf("buy fill for order %s without usable totals", tu.Order.ID)
	}

	newQty := cycle.Quantity.Add(fillQty)
	newAvg := cycle.Quantity.Mul(cycle.AveragePurchasePrice).
		Add(fillQty.Mul(fillPrice)).
		Div(newQty)
	if pos := e.livePosition(asset.Symbol); pos != nil && pos.Qty.IsPositive() {
		newQty = pos.Qty
		newAvg = pos.AvgEntryPrice
	}

	wasSafety := cycle.Quantity.IsPositive()
	upd := models.CycleUpdate{
		Status:               models.StrPtr(models.StatusWatching),
		Quantity:             models.DecPtr(newQty),
		AveragePurchasePrice: models.DecPtr(newAvg),
		LastOrderFillPrice:   models.SetDec(fillPrice),
		LatestOrderID:        models.ClearStr(),
		LatestOrderCreatedAt: models.ClearTime(),
	}
	if wasSafety {
		upd.SafetyOrders = models.IntPtr(cycle.SafetyOrders + 1)
	}
	if err := e.store.UpdateCycle(ctx, cycle.ID, upd); err != nil {
		return err
	}
	e.bus.PublishOrderFilled(asset.Symbol, tu.Order.ID, broker.SideBuy, fillQty, fillPrice)
	log.Info().
		Str("fill_qty", fillQty.String()).
		Str("fill_price", fillPrice.String()).
		Str("quantity", newQty.String()).
		Str("avg_price", newAvg.String()).
		Bool("safety_order", wasSafety).
		Msg("buy filled")
	return nil
}

// completeSell closes the cycle after a filled sell: record the proceeds,
// zero the financials, remember the sale price on the asset, and seed the
// cooldown cycle that starts the next round.
func (e *Engine) completeSell(ctx context.Context, asset *models.AssetConfig, cycle *models.Cycle, tu broker.TradeUpdate, log zerolog.Logger) error {
	fillQty, fillPrice := fillTotals(tu)
	if !fillPrice.IsPositive() {
		return fmt.Errorf("sell fill for order %s without a price", tu.Order.ID)
	}
	soldQty := fillQty
	if !soldQty.IsPositive() {
		soldQty = cycle.Quantity
	}

	avg := cycle.AveragePurchasePrice
	profit := fillPrice.Sub(avg).Mul(soldQty)
	profitPct := decimal.Zero
	if avg.IsPositive() {
		profitPct = fillPrice.Sub(avg).Div(avg).Mul(oneHundred)
	}

	now := time.Now().UTC()
	upd := models.CycleUpdate{
		Status:               models.StrPtr(models.StatusComplete),
		Quantity:             models.DecPtr(decimal.Zero),
		AveragePurchasePrice: models.DecPtr(decimal.Zero),
		SellPrice:            models.SetDec(fillPrice),
		CompletedAt:          models.SetTime(now),
		LatestOrderID:        models.ClearStr(),
		LatestOrderCreatedAt: models.ClearTime(),
	}
	if err := e.store.UpdateCycle(ctx, cycle.ID, upd); err != nil {
		return err
	}
	// Failures past this point are logged, not returned: the cycle is
	// already complete and must not be re-processed on redelivery.
	if err := e.store.UpdateAsset(ctx, asset.ID, models.AssetUpdate{LastSellPrice: models.SetDec(fillPrice)}); err != nil {
		log.Error().Err(err).Msg("record last sell price")
	}
	next := &models.Cycle{AssetID: asset.ID, Status: models.StatusCooldown}
	if err := e.store.CreateCycle(ctx, next); err != nil {
		log.Error().Err(err).Msg("create cooldown cycle")
	}
	e.bus.PublishOrderFilled(asset.Symbol, tu.Order.ID, broker.SideSell, soldQty, fillPrice)
	e.bus.PublishCycleCompleted(asset.Symbol, cycle.ID, soldQty, avg, fillPrice, profit, profitPct)
	log.Info().
		Str("sold_qty", soldQty.String()).
		Str("sell_price", fillPrice.String()).
		Str("avg_price", avg.String()).
		Str("profit", profit.String()).
		Str("profit_pct", profitPct.StringFixed(2)).
		Msg("cycle completed")
	return nil
}

// resolveTerminated handles canceled, rejected and expired orders.
// Partial fills that landed before termination still count: a buy books
// them like a fill, a sell that emptied the position completes the cycle.
// Without fill evidence the cycle falls back to watching.
func (e *Engine) resolveTerminated(ctx context.Context, asset *models.AssetConfig, cycle *models.Cycle, tu broker.TradeUpdate, log zerolog.Logger) error {
	if tu.Event == broker.EventRejected {
		// Rejection is a sizing or balance problem, not a market one;
		// let the next tick reassess instead of sitting out the cooldown.
		e.throttle.clear(asset.Symbol)
	}

	filled := tu.Order.FilledQty.IsPositive()

	if tu.Order.Side == broker.SideSell && filled {
		pos, err := e.gateway.GetPosition(asset.Symbol)
		switch {
		case broker.IsNotFound(err), err == nil && pos.IsDust():
			log.Info().Msg("sell terminated after filling out, completing cycle")
			return e.completeSell(ctx, asset, cycle, tu, log)
		case err != nil:
			// No position evidence. Default to watching; the position
			// synchronizer repairs the quantity shortly.
			log.Warn().Err(err).Msg("position check failed after terminated sell")
		}
	}

	if tu.Order.Side == broker.SideBuy && filled {
		if err := e.applyBuyFill(ctx, asset, cycle, tu, log); err != nil {
			return err
		}
		e.bus.PublishOrderCanceled(asset.Symbol, tu.Order.ID, tu.Order.Side, tu.Event)
		return nil
	}

	upd := models.CycleUpdate{
		Status:               models.StrPtr(models.StatusWatching),
		LatestOrderID:        models.ClearStr(),
		LatestOrderCreatedAt: models.ClearTime(),
	}
	if err := e.store.UpdateCycle(ctx, cycle.ID, upd); err != nil {
		return err
	}
	e.bus.PublishOrderCanceled(asset.Symbol, tu.Order.ID, tu.Order.Side, tu.Event)
	log.Info().
		Str("side", tu.Order.Side).
		Bool("partial_fill", filled).
		Msg("order terminated, cycle back to watching")
	return nil
}
