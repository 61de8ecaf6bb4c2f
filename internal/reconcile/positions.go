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

// PositionSynchronizer aligns watching cycles with the broker's position
// book. It is the same check the consistency checker runs, packaged
// separately so it can go at a higher cadence without the stuck-buying
// scan.
type PositionSynchronizer struct {
	store   Store
	gateway broker.Gateway
	bus     *events.EventBus
	cfg     Config
	logger  zerolog.Logger
}

func NewPositionSynchronizer(store Store, gateway broker.Gateway, bus *events.EventBus, cfg Config, logger zerolog.Logger) *PositionSynchronizer {
	return &PositionSynchronizer{
		store:   store,
		gateway: gateway,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.With().Str("worker", "position_synchronizer").Logger(),
	}
}

func (w *PositionSynchronizer) Name() string { return "position_synchronizer" }

func (w *PositionSynchronizer) Run(ctx context.Context) error {
	return syncWatchingCycles(ctx, w.store, w.gateway, w.bus, w.cfg.DryRun, w.logger)
}

// syncWatchingCycles fetches the broker position for every watching cycle
// and repairs divergence. Quantity and average price come from the
// broker; lastOrderFillPrice and the safety-order count are never
// touched, they belong to the order history. A position that vanished
// under a non-empty cycle cannot be repaired: the cycle goes to error and
// a fresh watching cycle takes its place.
func syncWatchingCycles(ctx context.Context, store Store, gateway broker.Gateway, bus *events.EventBus, dryRun bool, logger zerolog.Logger) error {
	watching, err := store.ListCyclesByStatus(ctx, models.StatusWatching)
	if err != nil {
		return fmt.Errorf("list watching cycles: %w", err)
	}
	for _, c := range watching {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		asset, err := store.GetAssetByID(ctx, c.AssetID)
		if err != nil {
			logger.Error().Err(err).Int64("asset_id", c.AssetID).Msg("load asset for cycle")
			continue
		}
		log := logger.With().Str("symbol", asset.Symbol).Int64("cycle_id", c.ID).Logger()

		pos, err := gateway.GetPosition(asset.Symbol)
		switch {
		case err == nil:
			if pos.Qty.Equal(c.Quantity) && pos.AvgEntryPrice.Equal(c.AveragePurchasePrice) {
				continue
			}
			if dryRun {
				log.Info().
					Str("cycle_qty", c.Quantity.String()).
					Str("broker_qty", pos.Qty.String()).
					Msg("DRY RUN: would sync cycle to broker position")
				continue
			}
			upd := models.CycleUpdate{
				Quantity:             models.DecPtr(pos.Qty),
				AveragePurchasePrice: models.DecPtr(pos.AvgEntryPrice),
			}
			if err := store.UpdateCycle(ctx, c.ID, upd); err != nil {
				log.Error().Err(err).Msg("sync cycle to broker position")
				continue
			}
			log.Info().
				Str("cycle_qty", c.Quantity.String()).
				Str("broker_qty", pos.Qty.String()).
				Str("cycle_avg", c.AveragePurchasePrice.String()).
				Str("broker_avg", pos.AvgEntryPrice.String()).
				Msg("synced cycle to broker position")

		case broker.IsNotFound(err):
			if !c.Quantity.IsPositive() {
				continue
			}
			if dryRun {
				log.Warn().
					Str("cycle_qty", c.Quantity.String()).
					Msg("DRY RUN: position gone, would mark cycle error")
				continue
			}
			if err := quarantineCycle(ctx, store, c); err != nil {
				log.Error().Err(err).Msg("quarantine divergent cycle")
				continue
			}
			log.Error().
				Str("cycle_qty", c.Quantity.String()).
				Msg("broker position gone under non-empty cycle, marked error")
			if bus != nil {
				bus.PublishCycleError(asset.Symbol, c.ID,
					fmt.Sprintf("broker position gone with cycle quantity %s", c.Quantity))
			}

		default:
			log.Warn().Err(err).Msg("position fetch failed, skipping")
		}
	}
	return nil
}

// quarantineCycle retires a cycle whose position evaporated and seeds the
// replacement so the asset keeps trading.
func quarantineCycle(ctx context.Context, store Store, c *models.Cycle) error {
	upd := models.CycleUpdate{
		Status:      models.StrPtr(models.StatusError),
		CompletedAt: models.SetTime(time.Now().UTC()),
	}
	if err := store.UpdateCycle(ctx, c.ID, upd); err != nil {
		return err
	}
	return store.CreateCycle(ctx, &models.Cycle{AssetID: c.AssetID, Status: models.StatusWatching})
}
