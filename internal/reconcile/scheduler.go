// Package reconcile contains the periodic jobs that repair divergence
// between persisted cycle state and the broker's live state: the
// stale-order canceller, the consistency checker, the cooldown releaser,
// and the position synchronizer. Every job is idempotent; running one
// twice over the same state is a no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

// Store is the subset of the repository the workers depend on.
type Store interface {
	GetAssetByID(ctx context.Context, id int64) (*models.AssetConfig, error)
	ListCyclesByStatus(ctx context.Context, statuses ...string) ([]*models.Cycle, error)
	GetLatestTerminalCycleBefore(ctx context.Context, assetID int64, before time.Time) (*models.Cycle, error)
	CreateCycle(ctx context.Context, c *models.Cycle) error
	UpdateCycle(ctx context.Context, id int64, upd models.CycleUpdate) error
}

// Worker is one reconciliation pass.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Config carries the thresholds and toggles shared by the workers.
type Config struct {
	// DryRun logs intended writes and broker calls without making them.
	DryRun bool
	// StaleBuyLimit is how long an untracked limit buy may sit open.
	StaleBuyLimit time.Duration
	// StuckMarketSell is how long a market sell may stay unfilled before
	// the canceller steps in.
	StuckMarketSell time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		StaleBuyLimit:   300 * time.Second,
		StuckMarketSell: 75 * time.Second,
	}
}

const workerTimeout = 2 * time.Minute

// Scheduler runs a set of workers on a fixed interval. The first pass
// fires immediately on Start.
type Scheduler struct {
	workers  []Worker
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewScheduler(workers []Worker, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		workers:  workers,
		interval: interval,
		logger:   logger.With().Str("component", "reconcile").Logger(),
		stopChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("reconcile scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{}) // reinitialize for restart capability
	s.mu.Unlock()

	s.logger.Info().
		Dur("interval", s.interval).
		Int("workers", len(s.workers)).
		Msg("reconcile scheduler starting")

	s.wg.Add(1)
	go s.runLoop()
	return nil
}

func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("reconcile scheduler not running")
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopChan)
	s.wg.Wait()
	s.logger.Info().Msg("reconcile scheduler stopped")
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runAll()

	for {
		select {
		case <-ticker.C:
			s.runAll()
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) runAll() {
	for _, w := range s.workers {
		s.runOne(w)
	}
}

func (s *Scheduler) runOne(w Worker) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("worker", w.Name()).Msg("worker panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), workerTimeout)
	defer cancel()

	if err := w.Run(ctx); err != nil {
		s.logger.Error().Err(err).Str("worker", w.Name()).Msg("worker run failed")
	}
}

// RunOnce executes each worker a single time, for cron-style invocation.
// Worker failures do not stop the remaining workers; all errors come back
// joined.
func RunOnce(ctx context.Context, workers []Worker, logger zerolog.Logger) error {
	var errs []error
	for _, w := range workers {
		start := time.Now()
		if err := w.Run(ctx); err != nil {
			logger.Error().Err(err).Str("worker", w.Name()).Msg("worker run failed")
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		logger.Info().Str("worker", w.Name()).Dur("took", time.Since(start)).Msg("worker run complete")
	}
	return errors.Join(errs...)
}
