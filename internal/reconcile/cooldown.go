package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dbarkman/dcaTrader-sub000/internal/database"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// CooldownReleaser moves cooldown cycles to watching once the asset's
// cadence has elapsed since the predecessor cycle completed.
type CooldownReleaser struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

func NewCooldownReleaser(store Store, cfg Config, logger zerolog.Logger) *CooldownReleaser {
	return &CooldownReleaser{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("worker", "cooldown_releaser").Logger(),
		now:    time.Now,
	}
}

func (w *CooldownReleaser) Name() string { return "cooldown_releaser" }

func (w *CooldownReleaser) Run(ctx context.Context) error {
	cooldowns, err := w.store.ListCyclesByStatus(ctx, models.StatusCooldown)
	if err != nil {
		return fmt.Errorf("list cooldown cycles: %w", err)
	}
	for _, c := range cooldowns {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := w.logger.With().Int64("cycle_id", c.ID).Int64("asset_id", c.AssetID).Logger()

		asset, err := w.store.GetAssetByID(ctx, c.AssetID)
		if err != nil {
			log.Error().Err(err).Msg("load asset for cooldown cycle")
			continue
		}

		pred, err := w.store.GetLatestTerminalCycleBefore(ctx, c.AssetID, c.CreatedAt)
		switch {
		case errors.Is(err, database.ErrNotFound):
			// No anchor to measure from. Release rather than hold the
			// asset in cooldown forever.
			log.Warn().Msg("cooldown cycle without a completed predecessor, releasing")
		case err != nil:
			log.Error().Err(err).Msg("find predecessor cycle")
			continue
		default:
			deadline := pred.CompletedAt.Add(time.Duration(asset.CooldownSeconds) * time.Second)
			if w.now().Before(deadline) {
				continue
			}
			log = log.With().Time("deadline", deadline).Logger()
		}

		if w.cfg.DryRun {
			log.Info().Msg("DRY RUN: would release cooldown cycle")
			continue
		}
		upd := models.CycleUpdate{
			Status:               models.StrPtr(models.StatusWatching),
			Quantity:             models.DecPtr(decimal.Zero),
			AveragePurchasePrice: models.DecPtr(decimal.Zero),
		}
		if err := w.store.UpdateCycle(ctx, c.ID, upd); err != nil {
			log.Error().Err(err).Msg("release cooldown cycle")
			continue
		}
		log.Info().Int("cooldown_seconds", asset.CooldownSeconds).Msg("cooldown elapsed, cycle watching")
	}
	return nil
}
