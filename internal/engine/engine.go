// Package engine is the live event loop. It consumes market quotes and
// trade updates from the broker streams, runs the pure strategy decisions
// over persisted cycle state, and applies the resulting orders and cycle
// transitions.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/events"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// handlerTimeout bounds the work done for a single stream event.
const handlerTimeout = 30 * time.Second

// stopTimeout bounds how long Stop waits for in-flight handlers. The
// process must exit promptly on SIGTERM; anything still running after
// this is abandoned to the force-exit path in main.
const stopTimeout = 2 * time.Second

// Store is the subset of the repository the engine depends on.
type Store interface {
	GetAsset(ctx context.Context, symbol string) (*models.AssetConfig, error)
	GetAssetByID(ctx context.Context, id int64) (*models.AssetConfig, error)
	ListEnabledAssets(ctx context.Context) ([]*models.AssetConfig, error)
	GetLatestCycle(ctx context.Context, assetID int64) (*models.Cycle, error)
	FindCycleByOrderID(ctx context.Context, orderID string) (*models.Cycle, error)
	CreateCycle(ctx context.Context, c *models.Cycle) error
	UpdateCycle(ctx context.Context, id int64, upd models.CycleUpdate) error
	UpdateAsset(ctx context.Context, id int64, upd models.AssetUpdate) error
}

// Config carries the engine's runtime toggles.
type Config struct {
	Paper         bool
	DryRun        bool
	TestingMode   bool
	OrderCooldown time.Duration
}

// Engine wires the broker streams to the strategy and the store.
type Engine struct {
	store    Store
	gateway  broker.Gateway
	bus      *events.EventBus
	cfg      Config
	logger   zerolog.Logger
	throttle *throttle
	seen     *seenExecutions

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds an Engine. A zero OrderCooldown falls back to five seconds.
func New(store Store, gateway broker.Gateway, bus *events.EventBus, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.OrderCooldown <= 0 {
		cfg.OrderCooldown = 5 * time.Second
	}
	return &Engine{
		store:    store,
		gateway:  gateway,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
		throttle: newThrottle(cfg.OrderCooldown),
		seen:     newSeenExecutions(512),
	}
}

// Start launches the stream consumers and returns. They run until Stop is
// called or ctx is canceled.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.mu.Unlock()

	assets, err := e.store.ListEnabledAssets(e.ctx)
	if err != nil {
		e.cancel()
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}

	e.logger.Info().
		Bool("paper", e.cfg.Paper).
		Bool("dry_run", e.cfg.DryRun).
		Bool("testing_mode", e.cfg.TestingMode).
		Strs("symbols", symbols).
		Msg("engine starting")
	e.bus.PublishEngineStarted(e.cfg.Paper, e.cfg.DryRun, e.cfg.TestingMode, symbols)

	if len(symbols) > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.gateway.StreamQuotes(e.ctx, symbols, e.handleQuote); err != nil && e.ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("quote stream terminated")
			}
		}()
	} else {
		e.logger.Warn().Msg("no enabled assets, quote stream idle")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.gateway.StreamTradeUpdates(e.ctx, e.handleTradeUpdate); err != nil && e.ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("trade update stream terminated")
		}
	}()

	return nil
}

// Stop cancels the stream consumers and waits for in-flight handlers,
// bounded by stopTimeout so shutdown stays prompt.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info().Msg("engine stopped")
	case <-time.After(stopTimeout):
		e.logger.Warn().Msg("engine stop timed out waiting for handlers")
	}
	e.bus.PublishEngineStopped("shutdown")
}
