package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// Repository provides data access methods for assets and cycles
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// ASSETS
// ============================================================================

const assetColumns = `
	id, symbol, enabled, base_order_amount, safety_order_amount,
	max_safety_orders, safety_order_deviation_pct, take_profit_pct,
	ttp_enabled, ttp_deviation_pct, buy_order_deviation_pct,
	cooldown_seconds, last_sell_price, created_at, updated_at`

func scanAsset(row pgx.Row) (*models.AssetConfig, error) {
	asset := &models.AssetConfig{}
	err := row.Scan(
		&asset.ID, &asset.Symbol, &asset.Enabled, &asset.BaseOrderAmount,
		&asset.SafetyOrderAmount, &asset.MaxSafetyOrders, &asset.SafetyOrderDeviationPct,
		&asset.TakeProfitPct, &asset.TTPEnabled, &asset.TTPDeviationPct,
		&asset.BuyOrderDeviationPct, &asset.CooldownSeconds, &asset.LastSellPrice,
		&asset.CreatedAt, &asset.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return asset, nil
}

// GetAsset retrieves an asset configuration by symbol
func (r *Repository) GetAsset(ctx context.Context, symbol string) (*models.AssetConfig, error) {
	query := `SELECT` + assetColumns + ` FROM dca_assets WHERE symbol = $1`
	return scanAsset(r.db.Pool.QueryRow(ctx, query, symbol))
}

// GetAssetByID retrieves an asset configuration by id
func (r *Repository) GetAssetByID(ctx context.Context, id int64) (*models.AssetConfig, error) {
	query := `SELECT` + assetColumns + ` FROM dca_assets WHERE id = $1`
	return scanAsset(r.db.Pool.QueryRow(ctx, query, id))
}

// ListEnabledAssets retrieves all enabled asset configurations
func (r *Repository) ListEnabledAssets(ctx context.Context) ([]*models.AssetConfig, error) {
	query := `SELECT` + assetColumns + ` FROM dca_assets WHERE enabled = TRUE ORDER BY symbol`
	rows, err := r.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*models.AssetConfig
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// CreateAsset inserts a new asset configuration
func (r *Repository) CreateAsset(ctx context.Context, asset *models.AssetConfig) error {
	query := `
		INSERT INTO dca_assets (symbol, enabled, base_order_amount, safety_order_amount,
			max_safety_orders, safety_order_deviation_pct, take_profit_pct,
			ttp_enabled, ttp_deviation_pct, buy_order_deviation_pct, cooldown_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		asset.Symbol, asset.Enabled, asset.BaseOrderAmount, asset.SafetyOrderAmount,
		asset.MaxSafetyOrders, asset.SafetyOrderDeviationPct, asset.TakeProfitPct,
		asset.TTPEnabled, asset.TTPDeviationPct, asset.BuyOrderDeviationPct, asset.CooldownSeconds,
	).Scan(&asset.ID, &asset.CreatedAt, &asset.UpdatedAt)
}

// UpdateAsset applies a partial update to an asset; only supplied fields change
func (r *Repository) UpdateAsset(ctx context.Context, id int64, upd models.AssetUpdate) error {
	var sets []string
	args := []interface{}{id}
	n := 2
	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}

	if upd.Enabled != nil {
		add("enabled", *upd.Enabled)
	}
	if upd.LastSellPrice != nil {
		add("last_sell_price", *upd.LastSellPrice)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE dca_assets SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// CYCLES
// ============================================================================

const cycleColumns = `
	id, asset_id, status, quantity, average_purchase_price, safety_orders,
	latest_order_id, latest_order_created_at, last_order_fill_price,
	highest_trailing_price, sell_price, completed_at, created_at, updated_at`

func scanCycle(row pgx.Row) (*models.Cycle, error) {
	cycle := &models.Cycle{}
	err := row.Scan(
		&cycle.ID, &cycle.AssetID, &cycle.Status, &cycle.Quantity,
		&cycle.AveragePurchasePrice, &cycle.SafetyOrders, &cycle.LatestOrderID,
		&cycle.LatestOrderCreatedAt, &cycle.LastOrderFillPrice,
		&cycle.HighestTrailingPrice, &cycle.SellPrice, &cycle.CompletedAt,
		&cycle.CreatedAt, &cycle.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cycle, nil
}

// GetCycleByID retrieves a cycle by id
func (r *Repository) GetCycleByID(ctx context.Context, id int64) (*models.Cycle, error) {
	query := `SELECT` + cycleColumns + ` FROM dca_cycles WHERE id = $1`
	return scanCycle(r.db.Pool.QueryRow(ctx, query, id))
}

// GetLatestCycle retrieves the most recent cycle for an asset by creation time
func (r *Repository) GetLatestCycle(ctx context.Context, assetID int64) (*models.Cycle, error) {
	query := `
		SELECT` + cycleColumns + `
		FROM dca_cycles
		WHERE asset_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return scanCycle(r.db.Pool.QueryRow(ctx, query, assetID))
}

// FindCycleByOrderID retrieves the cycle currently tracking a broker order
func (r *Repository) FindCycleByOrderID(ctx context.Context, orderID string) (*models.Cycle, error) {
	query := `SELECT` + cycleColumns + ` FROM dca_cycles WHERE latest_order_id = $1`
	return scanCycle(r.db.Pool.QueryRow(ctx, query, orderID))
}

// ListCyclesByStatus retrieves all cycles in any of the given statuses
func (r *Repository) ListCyclesByStatus(ctx context.Context, statuses ...string) ([]*models.Cycle, error) {
	query := `
		SELECT` + cycleColumns + `
		FROM dca_cycles
		WHERE status = ANY($1)
		ORDER BY asset_id, created_at
	`
	rows, err := r.db.Pool.Query(ctx, query, statuses)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []*models.Cycle
	for rows.Next() {
		cycle, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, cycle)
	}
	return cycles, rows.Err()
}

// GetLatestTerminalCycleBefore finds the most recent complete or error cycle
// for an asset created before the given time and carrying a completed_at.
// The cooldown releaser anchors its clock on this row.
func (r *Repository) GetLatestTerminalCycleBefore(ctx context.Context, assetID int64, before time.Time) (*models.Cycle, error) {
	query := `
		SELECT` + cycleColumns + `
		FROM dca_cycles
		WHERE asset_id = $1
		  AND status IN ('complete', 'error')
		  AND completed_at IS NOT NULL
		  AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return scanCycle(r.db.Pool.QueryRow(ctx, query, assetID, before))
}

// CreateCycle inserts a new cycle
func (r *Repository) CreateCycle(ctx context.Context, cycle *models.Cycle) error {
	query := `
		INSERT INTO dca_cycles (asset_id, status, quantity, average_purchase_price,
			safety_orders, latest_order_id, latest_order_created_at,
			last_order_fill_price, highest_trailing_price, sell_price, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		cycle.AssetID, cycle.Status, cycle.Quantity, cycle.AveragePurchasePrice,
		cycle.SafetyOrders, cycle.LatestOrderID, cycle.LatestOrderCreatedAt,
		cycle.LastOrderFillPrice, cycle.HighestTrailingPrice, cycle.SellPrice, cycle.CompletedAt,
	).Scan(&cycle.ID, &cycle.CreatedAt, &cycle.UpdatedAt)
}

// UpdateCycle applies a partial update to a cycle as a single atomic write;
// only supplied fields change
func (r *Repository) UpdateCycle(ctx context.Context, id int64, upd models.CycleUpdate) error {
	var sets []string
	args := []interface{}{id}
	n := 2
	add := func(col string, v interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, v)
		n++
	}

	if upd.Status != nil {
		add("status", *upd.Status)
	}
	if upd.Quantity != nil {
		add("quantity", *upd.Quantity)
	}
	if upd.AveragePurchasePrice != nil {
		add("average_purchase_price", *upd.AveragePurchasePrice)
	}
	if upd.SafetyOrders != nil {
		add("safety_orders", *upd.SafetyOrders)
	}
	if upd.LatestOrderID != nil {
		add("latest_order_id", *upd.LatestOrderID)
	}
	if upd.LatestOrderCreatedAt != nil {
		add("latest_order_created_at", *upd.LatestOrderCreatedAt)
	}
	if upd.LastOrderFillPrice != nil {
		add("last_order_fill_price", *upd.LastOrderFillPrice)
	}
	if upd.HighestTrailingPrice != nil {
		add("highest_trailing_price", *upd.HighestTrailingPrice)
	}
	if upd.SellPrice != nil {
		add("sell_price", *upd.SellPrice)
	}
	if upd.CompletedAt != nil {
		add("completed_at", *upd.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	query := fmt.Sprintf("UPDATE dca_cycles SET %s WHERE id = $1", strings.Join(sets, ", "))
	tag, err := r.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
