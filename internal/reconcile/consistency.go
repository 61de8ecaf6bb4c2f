package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/events"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// stuckBuyingAge is how long a buying cycle may wait on its order before
// the checker reverts it to watching.
const stuckBuyingAge = 5 * time.Minute

// ConsistencyChecker repairs cycles that drifted from reality: buying
// cycles whose order is gone, terminal, or stuck open, and watching
// cycles whose financials disagree with the broker position.
type ConsistencyChecker struct {
	store   Store
	gateway broker.Gateway
	bus     *events.EventBus
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

func NewConsistencyChecker(store Store, gateway broker.Gateway, bus *events.EventBus, cfg Config, logger zerolog.Logger) *ConsistencyChecker {
	return &ConsistencyChecker{
		store:   store,
		gateway: gateway,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With().Str("worker", "consistency_checker").Logger(),
		now:     time.Now,
	}
}

func (w *ConsistencyChecker) Name() string { return "consistency_checker" }

func (w *ConsistencyChecker) Run(ctx context.Context) error {
	if err := w.repairStuckBuying(ctx); err != nil {
		return err
	}
	if err := syncWatchingCycles(ctx, w.store, w.gateway, w.bus, w.cfg.DryRun, w.logger); err != nil {
		return err
	}
	return w.auditInvariants(ctx)
}

// auditInvariants sweeps every non-terminal cycle and reports rows that
// violate the persisted-state invariants. Violations mean corruption, not
// drift: they are alerted for operator intervention and never repaired.
// Runs after the repair passes so only violations with no defined repair
// are left to report.
func (w *ConsistencyChecker) auditInvariants(ctx context.Context) error {
	cycles, err := w.store.ListCyclesByStatus(ctx,
		models.StatusWatching, models.StatusBuying, models.StatusSelling,
		models.StatusTrailing, models.StatusCooldown)
	if err != nil {
		return fmt.Errorf("list active cycles: %w", err)
	}
	for _, c := range cycles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		asset, err := w.store.GetAssetByID(ctx, c.AssetID)
		if err != nil {
			w.logger.Error().Err(err).Int64("asset_id", c.AssetID).Msg("load asset for cycle")
			continue
		}
		if err := c.CheckInvariants(asset); err != nil {
			w.logger.Error().
				Err(err).
				Str("symbol", asset.Symbol).
				Int64("cycle_id", c.ID).
				Str("status", c.Status).
				Msg("cycle invariant violated")
			if w.bus != nil {
				w.bus.PublishError("consistency_checker",
					fmt.Sprintf("cycle invariant violated for %s", asset.Symbol), err)
			}
		}
	}
	return nil
}

// repairStuckBuying reverts buying cycles that will never see their fill
// event: the order id is missing, the order is already terminal at the
// broker (the stream event was lost), or the order has sat open past the
// stuck threshold. Clearing latestOrderId first means a late fill event
// becomes an orphan instead of double-booking.
func (w *ConsistencyChecker) repairStuckBuying(ctx context.Context) error {
	buying, err := w.store.ListCyclesByStatus(ctx, models.StatusBuying)
	if err != nil {
		return fmt.Errorf("list buying cycles: %w", err)
	}
	for _, c := range buying {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := w.logger.With().Int64("cycle_id", c.ID).Logger()

		reason := ""
		switch {
		case c.LatestOrderID == nil:
			reason = "buying without an order id"
		default:
			o, err := w.gateway.GetOrder(*c.LatestOrderID)
			switch {
			case broker.IsNotFound(err):
				reason = "order not found at broker"
			case err != nil:
				log.Warn().Err(err).Str("order_id", *c.LatestOrderID).Msg("look up order")
				continue
			case o.IsTerminal():
				reason = fmt.Sprintf("order already %s at broker", o.Status)
			case orderOpenAge(o, c, w.now()) > stuckBuyingAge:
				reason = fmt.Sprintf("order open longer than %s", stuckBuyingAge)
			}
		}
		if reason == "" {
			continue
		}
		if w.cfg.DryRun {
			log.Info().Str("reason", reason).Msg("DRY RUN: would revert stuck buying cycle")
			continue
		}
		upd := models.CycleUpdate{
			Status:               models.StrPtr(models.StatusWatching),
			LatestOrderID:        models.ClearStr(),
			LatestOrderCreatedAt: models.ClearTime(),
		}
		if err := w.store.UpdateCycle(ctx, c.ID, upd); err != nil {
			log.Error().Err(err).Msg("revert stuck buying cycle")
			continue
		}
		log.Info().Str("reason", reason).Msg("reverted stuck buying cycle to watching")
	}
	return nil
}

// orderOpenAge measures how long the order has been open, preferring the
// broker's creation time over the cycle's record of it.
func orderOpenAge(o *broker.Order, c *models.Cycle, now time.Time) time.Duration {
	created := o.CreatedAt
	if created.IsZero() && c.LatestOrderCreatedAt != nil {
		created = *c.LatestOrderCreatedAt
	}
	if created.IsZero() {
		return 0
	}
	return now.Sub(created)
}
