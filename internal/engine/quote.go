package engine

import (
	"context"
	"errors"
	"time"

	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/database"
	"github.com/dbarkman/dcaTrader-sub000/internal/logging"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
	"github.com/dbarkman/dcaTrader-sub000/internal/strategy"
)

// handleQuote runs the strategy over one market tick. The decisions are
// mutually exclusive over a single snapshot, so at most one fires; an
// order dispatch starts the per-symbol cooldown, trailing-peak updates
// do not.
func (e *Engine) handleQuote(q models.Quote) {
	now := time.Now().UTC()
	if !e.throttle.allow(q.Symbol, now) {
		return
	}
	if !q.AskPrice.IsPositive() || !q.BidPrice.IsPositive() {
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, handlerTimeout)
	defer cancel()

	asset, err := e.store.GetAsset(ctx, q.Symbol)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			e.logger.Error().Err(err).Str("symbol", q.Symbol).Msg("load asset")
		}
		return
	}
	if !asset.Enabled {
		return
	}
	cycle, err := e.store.GetLatestCycle(ctx, asset.ID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			e.logger.Error().Err(err).Str("symbol", q.Symbol).Msg("load cycle")
		}
		return
	}

	in := strategy.Input{
		Quote:       q,
		Asset:       *asset,
		Cycle:       *cycle,
		TestingMode: e.cfg.TestingMode,
	}
	// The broker position only matters when a decision can fire; while an
	// order is in flight there is nothing to decide, so skip the REST call.
	if cycle.Status == models.StatusWatching || cycle.Status == models.StatusTrailing {
		in.Position = e.livePosition(q.Symbol)
	}

	for _, decide := range []func(strategy.Input) (*strategy.Action, error){
		strategy.DecideBaseOrder,
		strategy.DecideSafetyOrder,
		strategy.DecideTakeProfit,
	} {
		action, err := decide(in)
		if err != nil {
			if errors.Is(err, strategy.ErrSellBelowMinimum) {
				e.logger.Warn().Err(err).
					Str("symbol", q.Symbol).
					Int64("cycle_id", cycle.ID).
					Msg("sell blocked below broker minimum")
			} else {
				e.logger.Error().Err(err).Str("symbol", q.Symbol).Msg("strategy decision")
			}
			return
		}
		if action != nil {
			e.apply(ctx, asset, cycle, action, now)
			return
		}
	}
}

// livePosition fetches the broker position, best effort. Decisions fall
// back to cycle-tracked quantities when it returns nil.
func (e *Engine) livePosition(symbol string) *models.Position {
	pos, err := e.gateway.GetPosition(symbol)
	if err != nil {
		if !broker.IsNotFound(err) {
			e.logger.Debug().Err(err).Str("symbol", symbol).Msg("position fetch failed")
		}
		return nil
	}
	return pos
}

// apply executes one strategy action: submit the order if there is one,
// then write the cycle changes that go with it.
func (e *Engine) apply(ctx context.Context, asset *models.AssetConfig, cycle *models.Cycle, action *strategy.Action, now time.Time) {
	log := logging.CycleLogger(e.logger, asset.Symbol, cycle.ID, cycle.Status)

	if action.Order != nil {
		intent := action.Order
		if e.cfg.DryRun {
			evt := log.Info().
				Str("side", string(intent.Side)).
				Str("type", string(intent.Type)).
				Str("qty", intent.Qty.String()).
				Str("reason", action.Reason)
			if intent.LimitPrice != nil {
				evt = evt.Str("limit_price", intent.LimitPrice.String())
			}
			evt.Msg("DRY RUN: would submit order")
			e.throttle.record(asset.Symbol, now)
			return
		}

		var order *broker.Order
		var err error
		switch {
		case intent.Side == strategy.SideBuy && intent.LimitPrice != nil:
			order, err = e.gateway.SubmitLimitBuy(asset.Symbol, intent.Qty, *intent.LimitPrice)
		case intent.Side == strategy.SideSell:
			order, err = e.gateway.SubmitMarketSell(asset.Symbol, intent.Qty)
		default:
			log.Error().
				Str("side", string(intent.Side)).
				Str("type", string(intent.Type)).
				Msg("unsupported order intent")
			return
		}
		e.throttle.record(asset.Symbol, now)
		if err != nil {
			if broker.IsRejected(err) {
				e.throttle.clear(asset.Symbol)
			}
			log.Error().Err(err).
				Str("side", string(intent.Side)).
				Str("qty", intent.Qty.String()).
				Msg("order submit failed")
			return
		}

		createdAt := order.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		upd := models.CycleUpdate{
			LatestOrderID:        models.SetStr(order.ID),
			LatestOrderCreatedAt: models.SetTime(createdAt),
		}
		if action.Cycle != nil {
			upd.Status = models.StrPtr(action.Cycle.Status)
		}
		if err := e.store.UpdateCycle(ctx, cycle.ID, upd); err != nil {
			// The order is live but untracked; the consistency checker
			// picks these up from the broker side.
			log.Error().Err(err).Str("order_id", order.ID).Msg("record submitted order")
			return
		}
		e.bus.PublishOrderPlaced(asset.Symbol, order.ID, string(intent.Side), string(intent.Type), intent.Qty, intent.LimitPrice)
		log.Info().
			Str("order_id", order.ID).
			Str("side", string(intent.Side)).
			Str("qty", intent.Qty.String()).
			Str("reason", action.Reason).
			Msg("order submitted")
	}

	if action.TTP != nil {
		upd := models.CycleUpdate{
			Status:               models.StrPtr(action.TTP.Status),
			HighestTrailingPrice: models.SetDec(action.TTP.HighestTrailingPrice),
		}
		if err := e.store.UpdateCycle(ctx, cycle.ID, upd); err != nil {
			log.Error().Err(err).Msg("update trailing state")
			return
		}
		if cycle.Status != models.StatusTrailing {
			log.Info().
				Str("peak", action.TTP.HighestTrailingPrice.String()).
				Str("reason", action.Reason).
				Msg("trailing take-profit armed")
		} else {
			log.Debug().
				Str("peak", action.TTP.HighestTrailingPrice.String()).
				Msg("trailing peak raised")
		}
	}
}
