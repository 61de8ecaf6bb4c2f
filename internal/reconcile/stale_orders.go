package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// StaleOrderCanceller cancels broker orders nobody is waiting on: limit
// buys left open past the stale threshold with no cycle tracking them,
// and market sells that should have filled within seconds but did not.
// Tracked limit buys are preserved; the consistency checker decides their
// fate through the cycle, not the order.
type StaleOrderCanceller struct {
	store   Store
	gateway broker.Gateway
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

func NewStaleOrderCanceller(store Store, gateway broker.Gateway, cfg Config, logger zerolog.Logger) *StaleOrderCanceller {
	return &StaleOrderCanceller{
		store:   store,
		gateway: gateway,
		cfg:     cfg,
		logger:  logger.With().Str("worker", "stale_order_canceller").Logger(),
		now:     time.Now,
	}
}

func (w *StaleOrderCanceller) Name() string { return "stale_order_canceller" }

func (w *StaleOrderCanceller) Run(ctx context.Context) error {
	active, err := w.store.ListCyclesByStatus(ctx, models.StatusBuying, models.StatusSelling)
	if err != nil {
		return fmt.Errorf("list active cycles: %w", err)
	}
	tracked := make(map[string]*models.Cycle, len(active))
	for _, c := range active {
		if c.LatestOrderID != nil {
			tracked[*c.LatestOrderID] = c
		}
	}

	if err := w.cancelOrphanedBuys(tracked); err != nil {
		return err
	}
	w.cancelStuckSells(ctx, active)
	return nil
}

// cancelOrphanedBuys sweeps open limit buys that no cycle references.
func (w *StaleOrderCanceller) cancelOrphanedBuys(tracked map[string]*models.Cycle) error {
	open, err := w.gateway.ListOpenOrders()
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	now := w.now()
	for _, o := range open {
		if o.Side != broker.SideBuy || o.Type != broker.TypeLimit {
			continue
		}
		age := now.Sub(o.CreatedAt)
		if age < w.cfg.StaleBuyLimit {
			continue
		}
		log := w.logger.With().
			Str("order_id", o.ID).
			Str("symbol", o.Symbol).
			Dur("age", age).
			Logger()
		if _, ok := tracked[o.ID]; ok {
			log.Debug().Msg("stale limit buy is tracked, preserving")
			continue
		}
		if w.cfg.DryRun {
			log.Info().Msg("DRY RUN: would cancel orphaned limit buy")
			continue
		}
		if err := w.gateway.CancelOrder(o.ID); err != nil {
			log.Error().Err(err).Msg("cancel orphaned limit buy")
			continue
		}
		log.Info().Msg("canceled orphaned limit buy")
	}
	return nil
}

// cancelStuckSells cancels market sells still live past the stuck
// threshold. A sell already terminal at the broker is left for the trade
// update stream to settle.
func (w *StaleOrderCanceller) cancelStuckSells(ctx context.Context, active []*models.Cycle) {
	now := w.now()
	for _, c := range active {
		if c.Status != models.StatusSelling || c.LatestOrderID == nil || c.LatestOrderCreatedAt == nil {
			continue
		}
		age := now.Sub(*c.LatestOrderCreatedAt)
		if age < w.cfg.StuckMarketSell {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		log := w.logger.With().
			Str("order_id", *c.LatestOrderID).
			Int64("cycle_id", c.ID).
			Dur("age", age).
			Logger()
		o, err := w.gateway.GetOrder(*c.LatestOrderID)
		if err != nil {
			log.Warn().Err(err).Msg("look up stuck sell order")
			continue
		}
		if o.IsTerminal() {
			log.Debug().Str("status", o.Status).Msg("stuck sell already terminal at broker")
			continue
		}
		if w.cfg.DryRun {
			log.Info().Msg("DRY RUN: would cancel stuck market sell")
			continue
		}
		if err := w.gateway.CancelOrder(o.ID); err != nil {
			log.Error().Err(err).Msg("cancel stuck market sell")
			continue
		}
		log.Info().Msg("canceled stuck market sell")
	}
}
