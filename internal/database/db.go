package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Str("database", cfg.Database).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Asset configurations, one row per tradable symbol
		`CREATE TABLE IF NOT EXISTS dca_assets (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL UNIQUE,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			base_order_amount DECIMAL(20, 8) NOT NULL,
			safety_order_amount DECIMAL(20, 8) NOT NULL,
			max_safety_orders INT NOT NULL DEFAULT 0,
			safety_order_deviation_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
			take_profit_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
			ttp_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			ttp_deviation_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
			buy_order_deviation_pct DECIMAL(10, 4) NOT NULL DEFAULT 0,
			cooldown_seconds INT NOT NULL DEFAULT 60,
			last_sell_price DECIMAL(20, 8),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dca_assets_enabled ON dca_assets(enabled)`,

		// Cycles are append-only history; terminal rows are never deleted.
		// Quantity needs more scale than price: crypto order sizes go down
		// to 1e-9 of the base currency.
		`CREATE TABLE IF NOT EXISTS dca_cycles (
			id BIGSERIAL PRIMARY KEY,
			asset_id BIGINT NOT NULL REFERENCES dca_assets(id) ON DELETE CASCADE,
			status VARCHAR(10) NOT NULL,
			quantity DECIMAL(30, 12) NOT NULL DEFAULT 0,
			average_purchase_price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			safety_orders INT NOT NULL DEFAULT 0,
			latest_order_id VARCHAR(64),
			latest_order_created_at TIMESTAMPTZ,
			last_order_fill_price DECIMAL(20, 8),
			highest_trailing_price DECIMAL(20, 8),
			sell_price DECIMAL(20, 8),
			completed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dca_cycles_asset_created ON dca_cycles(asset_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_dca_cycles_latest_order_id ON dca_cycles(latest_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_dca_cycles_status ON dca_cycles(status)`,

		// At most one non-terminal cycle per asset
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_dca_cycles_active_per_asset
			ON dca_cycles(asset_id) WHERE status NOT IN ('complete', 'error')`,

		// Keep updated_at current on every write
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = NOW();
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_dca_assets_updated_at ON dca_assets`,
		`CREATE TRIGGER update_dca_assets_updated_at BEFORE UPDATE ON dca_assets
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_dca_cycles_updated_at ON dca_cycles`,
		`CREATE TRIGGER update_dca_cycles_updated_at BEFORE UPDATE ON dca_cycles
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
