package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbarkman/dcaTrader-sub000/internal/broker"
	"github.com/dbarkman/dcaTrader-sub000/internal/database"
	"github.com/dbarkman/dcaTrader-sub000/internal/events"
	"github.com/dbarkman/dcaTrader-sub000/internal/models"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ============================================================================
// FAKES
// ============================================================================

type fakeStore struct {
	mu      sync.Mutex
	assets  map[int64]*models.AssetConfig
	cycles  map[int64]*models.Cycle
	nextID  int64
	updates int
	creates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		assets: make(map[int64]*models.AssetConfig),
		cycles: make(map[int64]*models.Cycle),
		nextID: 100,
	}
}

func (s *fakeStore) addAsset(a *models.AssetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[a.ID] = a
}

func (s *fakeStore) addCycle(c *models.Cycle) *models.Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.nextID
		s.nextID++
	}
	s.cycles[c.ID] = c
	return c
}

func (s *fakeStore) cycle(id int64) *models.Cycle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cycles[id]
}

func (s *fakeStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func (s *fakeStore) GetAssetByID(_ context.Context, id int64) (*models.AssetConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return a, nil
}

func (s *fakeStore) ListCyclesByStatus(_ context.Context, statuses ...string) ([]*models.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []*models.Cycle
	for _, c := range s.cycles {
		if want[c.Status] {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) GetLatestTerminalCycleBefore(_ context.Context, assetID int64, before time.Time) (*models.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.Cycle
	for _, c := range s.cycles {
		if c.AssetID != assetID || !c.IsTerminal() || c.CompletedAt == nil {
			continue
		}
		if !c.CreatedAt.Before(before) {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, database.ErrNotFound
	}
	return latest, nil
}

func (s *fakeStore) CreateCycle(_ context.Context, c *models.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextID
	s.nextID++
	c.CreatedAt = time.Now().UTC()
	s.cycles[c.ID] = c
	s.creates++
	return nil
}

func (s *fakeStore) UpdateCycle(_ context.Context, id int64, upd models.CycleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cycles[id]
	if !ok {
		return database.ErrNotFound
	}
	if upd.Status != nil {
		c.Status = *upd.Status
	}
	if upd.Quantity != nil {
		c.Quantity = *upd.Quantity
	}
	if upd.AveragePurchasePrice != nil {
		c.AveragePurchasePrice = *upd.AveragePurchasePrice
	}
	if upd.SafetyOrders != nil {
		c.SafetyOrders = *upd.SafetyOrders
	}
	if upd.LatestOrderID != nil {
		c.LatestOrderID = *upd.LatestOrderID
	}
	if upd.LatestOrderCreatedAt != nil {
		c.LatestOrderCreatedAt = *upd.LatestOrderCreatedAt
	}
	if upd.LastOrderFillPrice != nil {
		c.LastOrderFillPrice = *upd.LastOrderFillPrice
	}
	if upd.HighestTrailingPrice != nil {
		c.HighestTrailingPrice = *upd.HighestTrailingPrice
	}
	if upd.SellPrice != nil {
		c.SellPrice = *upd.SellPrice
	}
	if upd.CompletedAt != nil {
		c.CompletedAt = *upd.CompletedAt
	}
	s.updates++
	return nil
}

type fakeGateway struct {
	mu         sync.Mutex
	openOrders []broker.Order
	orders     map[string]*broker.Order
	positions  map[string]*models.Position
	canceled   []string
	cancelErr  error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders:    make(map[string]*broker.Order),
		positions: make(map[string]*models.Position),
	}
}

func (g *fakeGateway) canceledIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

func (g *fakeGateway) SubmitLimitBuy(string, decimal.Decimal, decimal.Decimal) (*broker.Order, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGateway) SubmitMarketSell(string, decimal.Decimal) (*broker.Order, error) {
	return nil, errors.New("not implemented")
}

func (g *fakeGateway) CancelOrder(orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return g.cancelErr
	}
	g.canceled = append(g.canceled, orderID)
	return nil
}

func (g *fakeGateway) GetOrder(orderID string) (*broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return nil, broker.ErrOrderNotFound
	}
	return o, nil
}

func (g *fakeGateway) ListOpenOrders() ([]broker.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]broker.Order(nil), g.openOrders...), nil
}

func (g *fakeGateway) GetPosition(symbol string) (*models.Position, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.positions[symbol]
	if !ok {
		return nil, broker.ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) StreamQuotes(ctx context.Context, _ []string, _ func(models.Quote)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (g *fakeGateway) StreamTradeUpdates(ctx context.Context, _ func(broker.TradeUpdate)) error {
	<-ctx.Done()
	return ctx.Err()
}

var _ broker.Gateway = (*fakeGateway)(nil)

func testAsset() *models.AssetConfig {
	return &models.AssetConfig{
		ID:              1,
		Symbol:          "BTC/USD",
		Enabled:         true,
		BaseOrderAmount: dec("100"),
		MaxSafetyOrders: 3,
		CooldownSeconds: 60,
	}
}

// ============================================================================
// STALE ORDER CANCELLER
// ============================================================================

func TestStaleOrderCancellerSweepsOrphanedBuys(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addAsset(testAsset())
	store.addCycle(&models.Cycle{
		AssetID:       1,
		Status:        models.StatusBuying,
		LatestOrderID: models.StrPtr("tracked-1"),
	})
	gw := newFakeGateway()
	gw.openOrders = []broker.Order{
		{ID: "orphan-1", Symbol: "BTC/USD", Side: broker.SideBuy, Type: broker.TypeLimit, CreatedAt: now.Add(-6 * time.Minute)},
		{ID: "tracked-1", Symbol: "BTC/USD", Side: broker.SideBuy, Type: broker.TypeLimit, CreatedAt: now.Add(-6 * time.Minute)},
		{ID: "fresh-1", Symbol: "BTC/USD", Side: broker.SideBuy, Type: broker.TypeLimit, CreatedAt: now.Add(-1 * time.Minute)},
		{ID: "sell-1", Symbol: "BTC/USD", Side: broker.SideSell, Type: broker.TypeLimit, CreatedAt: now.Add(-6 * time.Minute)},
	}
	w := NewStaleOrderCanceller(store, gw, DefaultConfig(), zerolog.Nop())
	w.now = func() time.Time { return now }

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"orphan-1"}, gw.canceledIDs(),
		"only the stale untracked limit buy may be canceled")
}

func TestStaleOrderCancellerCancelsStuckSells(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stuckAt := now.Add(-80 * time.Second)
	freshAt := now.Add(-30 * time.Second)

	store := newFakeStore()
	store.addAsset(testAsset())
	store.addCycle(&models.Cycle{
		AssetID: 1, Status: models.StatusSelling,
		LatestOrderID:        models.StrPtr("stuck-1"),
		LatestOrderCreatedAt: &stuckAt,
	})
	store.addCycle(&models.Cycle{
		AssetID: 1, Status: models.StatusSelling,
		LatestOrderID:        models.StrPtr("done-1"),
		LatestOrderCreatedAt: &stuckAt,
	})
	store.addCycle(&models.Cycle{
		AssetID: 1, Status: models.StatusSelling,
		LatestOrderID:        models.StrPtr("fresh-2"),
		LatestOrderCreatedAt: &freshAt,
	})
	gw := newFakeGateway()
	gw.orders["stuck-1"] = &broker.Order{ID: "stuck-1", Side: broker.SideSell, Type: broker.TypeMarket, Status: "accepted"}
	gw.orders["done-1"] = &broker.Order{ID: "done-1", Side: broker.SideSell, Type: broker.TypeMarket, Status: "filled"}
	gw.orders["fresh-2"] = &broker.Order{ID: "fresh-2", Side: broker.SideSell, Type: broker.TypeMarket, Status: "accepted"}

	w := NewStaleOrderCanceller(store, gw, DefaultConfig(), zerolog.Nop())
	w.now = func() time.Time { return now }

	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, []string{"stuck-1"}, gw.canceledIDs(),
		"terminal and fresh sells must be left alone")
}

func TestStaleOrderCancellerDryRun(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	gw := newFakeGateway()
	gw.openOrders = []broker.Order{
		{ID: "orphan-1", Symbol: "BTC/USD", Side: broker.SideBuy, Type: broker.TypeLimit, CreatedAt: now.Add(-10 * time.Minute)},
	}
	cfg := DefaultConfig()
	cfg.DryRun = true
	w := NewStaleOrderCanceller(store, gw, cfg, zerolog.Nop())
	w.now = func() time.Time { return now }

	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, gw.canceledIDs())
}

// ============================================================================
// CONSISTENCY CHECKER
// ============================================================================

func TestConsistencyCheckerRevertsStuckBuying(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addAsset(testAsset())

	noOrder := store.addCycle(&models.Cycle{AssetID: 1, Status: models.StatusBuying})
	terminal := store.addCycle(&models.Cycle{
		AssetID: 1, Status: models.StatusBuying,
		LatestOrderID: models.StrPtr("done-1"),
	})
	stale := store.addCycle(&models.Cycle{
		AssetID: 1, Status: models.StatusBuying,
		LatestOrderID: models.StrPtr("old-1"),
	})
	healthy := store.addCycle(&models.Cycle{
		AssetID: 1, Status: models.StatusBuying,
		LatestOrderID: models.StrPtr("live-1"),
	})

	gw := newFakeGateway()
	gw.orders["done-1"] = &broker.Order{ID: "done-1", Status: "filled", CreatedAt: now.Add(-time.Minute)}
	gw.orders["old-1"] = &broker.Order{ID: "old-1", Status: "accepted", CreatedAt: now.Add(-6 * time.Minute)}
	gw.orders["live-1"] = &broker.Order{ID: "live-1", Status: "accepted", CreatedAt: now.Add(-time.Minute)}

	w := NewConsistencyChecker(store, gw, events.NewEventBus(), DefaultConfig(), zerolog.Nop())
	w.now = func() time.Time { return now }

	require.NoError(t, w.Run(context.Background()))

	for _, c := range []*models.Cycle{noOrder, terminal, stale} {
		got := store.cycle(c.ID)
		assert.Equal(t, models.StatusWatching, got.Status, "cycle %d", c.ID)
		assert.Nil(t, got.LatestOrderID, "cycle %d", c.ID)
	}
	assert.Equal(t, models.StatusBuying, store.cycle(healthy.ID).Status)

	// A second pass finds nothing left to repair.
	before := store.updateCount()
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, before, store.updateCount(), "repair must be idempotent")
}

func TestConsistencyCheckerSyncsDivergentPosition(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	last := dec("50000")
	cycle := store.addCycle(&models.Cycle{
		AssetID:              1,
		Status:               models.StatusWatching,
		Quantity:             dec("0.002"),
		AveragePurchasePrice: dec("50000"),
		SafetyOrders:         2,
		LastOrderFillPrice:   &last,
	})
	gw := newFakeGateway()
	gw.positions["BTC/USD"] = &models.Position{Symbol: "BTC/USD", Qty: dec("0.005"), AvgEntryPrice: dec("49000")}

	w := NewConsistencyChecker(store, gw, events.NewEventBus(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	got := store.cycle(cycle.ID)
	assert.True(t, got.Quantity.Equal(dec("0.005")))
	assert.True(t, got.AveragePurchasePrice.Equal(dec("49000")))
	assert.Equal(t, 2, got.SafetyOrders, "order history fields stay untouched")
	require.NotNil(t, got.LastOrderFillPrice)
	assert.True(t, got.LastOrderFillPrice.Equal(dec("50000")))

	before := store.updateCount()
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, before, store.updateCount(), "sync must be idempotent")
}

func TestConsistencyCheckerQuarantinesVanishedPosition(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	cycle := store.addCycle(&models.Cycle{
		AssetID:              1,
		Status:               models.StatusWatching,
		Quantity:             dec("0.004"),
		AveragePurchasePrice: dec("49495"),
	})
	gw := newFakeGateway()
	bus := events.NewEventBus()
	errored := make(chan events.Event, 1)
	bus.Subscribe(events.EventCycleError, func(ev events.Event) { errored <- ev })

	w := NewConsistencyChecker(store, gw, bus, DefaultConfig(), zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	got := store.cycle(cycle.ID)
	assert.Equal(t, models.StatusError, got.Status)
	assert.NotNil(t, got.CompletedAt)

	require.Equal(t, 1, store.creates, "a fresh watching cycle must replace the quarantined one")
	fresh := store.cycle(store.nextID - 1)
	assert.Equal(t, models.StatusWatching, fresh.Status)
	assert.True(t, fresh.Quantity.IsZero())

	select {
	case ev := <-errored:
		assert.Equal(t, "BTC/USD", ev.Data["symbol"])
	case <-time.After(time.Second):
		t.Fatal("cycle error event not published")
	}

	// Second pass: the fresh empty cycle with no position is consistent.
	before := store.updateCount()
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, before, store.updateCount())
	assert.Equal(t, 1, store.creates)
}

func TestConsistencyCheckerAlertsOnInvariantViolation(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	last := dec("50000")
	corrupt := store.addCycle(&models.Cycle{
		AssetID:              1,
		Status:               models.StatusWatching,
		Quantity:             dec("0.002"),
		AveragePurchasePrice: dec("50000"),
		SafetyOrders:         4, // exceeds the asset's max of 3
		LastOrderFillPrice:   &last,
	})
	gw := newFakeGateway()
	gw.positions["BTC/USD"] = &models.Position{Symbol: "BTC/USD", Qty: dec("0.002"), AvgEntryPrice: dec("50000")}

	bus := events.NewEventBus()
	alerts := make(chan events.Event, 1)
	bus.Subscribe(events.EventError, func(ev events.Event) { alerts <- ev })

	w := NewConsistencyChecker(store, gw, bus, DefaultConfig(), zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	select {
	case ev := <-alerts:
		assert.Equal(t, "consistency_checker", ev.Data["source"])
		assert.Contains(t, ev.Data["error"], "safety order count 4")
	case <-time.After(time.Second):
		t.Fatal("invariant violation alert not published")
	}

	got := store.cycle(corrupt.ID)
	assert.Equal(t, models.StatusWatching, got.Status, "corrupt row must not be repaired")
	assert.Equal(t, 4, got.SafetyOrders)
	assert.Equal(t, 0, store.updateCount())
}

// ============================================================================
// POSITION SYNCHRONIZER
// ============================================================================

func TestPositionSynchronizerDryRunWritesNothing(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	cycle := store.addCycle(&models.Cycle{
		AssetID:              1,
		Status:               models.StatusWatching,
		Quantity:             dec("0.002"),
		AveragePurchasePrice: dec("50000"),
	})
	gw := newFakeGateway()
	gw.positions["BTC/USD"] = &models.Position{Symbol: "BTC/USD", Qty: dec("0.009"), AvgEntryPrice: dec("48000")}

	cfg := DefaultConfig()
	cfg.DryRun = true
	w := NewPositionSynchronizer(store, gw, events.NewEventBus(), cfg, zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	got := store.cycle(cycle.ID)
	assert.True(t, got.Quantity.Equal(dec("0.002")))
	assert.Zero(t, store.updateCount())
}

func TestPositionSynchronizerMatchingPositionIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	store.addCycle(&models.Cycle{
		AssetID:              1,
		Status:               models.StatusWatching,
		Quantity:             dec("0.002"),
		AveragePurchasePrice: dec("50000"),
	})
	gw := newFakeGateway()
	gw.positions["BTC/USD"] = &models.Position{Symbol: "BTC/USD", Qty: dec("0.002"), AvgEntryPrice: dec("50000")}

	w := NewPositionSynchronizer(store, gw, events.NewEventBus(), DefaultConfig(), zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	assert.Zero(t, store.updateCount())
}

// ============================================================================
// COOLDOWN RELEASER
// ============================================================================

func TestCooldownReleaserRespectsCadence(t *testing.T) {
	completedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.addAsset(testAsset()) // cooldownSeconds: 60

	prev := &models.Cycle{
		AssetID:     1,
		Status:      models.StatusComplete,
		CompletedAt: &completedAt,
	}
	prev.CreatedAt = completedAt.Add(-10 * time.Minute)
	store.addCycle(prev)

	cur := &models.Cycle{AssetID: 1, Status: models.StatusCooldown}
	cur.CreatedAt = completedAt.Add(5 * time.Second)
	store.addCycle(cur)

	w := NewCooldownReleaser(store, DefaultConfig(), zerolog.Nop())

	// One second early: nothing moves.
	w.now = func() time.Time { return completedAt.Add(59 * time.Second) }
	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, models.StatusCooldown, store.cycle(cur.ID).Status)
	assert.Zero(t, store.updateCount())

	// Exactly at the deadline: released.
	w.now = func() time.Time { return completedAt.Add(60 * time.Second) }
	require.NoError(t, w.Run(context.Background()))
	got := store.cycle(cur.ID)
	assert.Equal(t, models.StatusWatching, got.Status)
	assert.True(t, got.Quantity.IsZero())
}

func TestCooldownReleaserWithoutPredecessorReleases(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	cur := store.addCycle(&models.Cycle{AssetID: 1, Status: models.StatusCooldown})

	w := NewCooldownReleaser(store, DefaultConfig(), zerolog.Nop())
	require.NoError(t, w.Run(context.Background()))

	assert.Equal(t, models.StatusWatching, store.cycle(cur.ID).Status,
		"a cooldown with no anchor must not hold the asset forever")
}

// ============================================================================
// SCHEDULER
// ============================================================================

type countingWorker struct {
	mu   sync.Mutex
	runs int
	err  error
	boom bool
	name string
}

func (w *countingWorker) Name() string {
	if w.name != "" {
		return w.name
	}
	return "counting"
}

func (w *countingWorker) Run(context.Context) error {
	w.mu.Lock()
	w.runs++
	w.mu.Unlock()
	if w.boom {
		panic("boom")
	}
	return w.err
}

func (w *countingWorker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

func waitForRuns(t *testing.T, w *countingWorker, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if w.count() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("worker ran %d times, want at least %d", w.count(), want)
}

func TestSchedulerRunsImmediatelyAndSurvivesPanics(t *testing.T) {
	panicky := &countingWorker{boom: true, name: "panicky"}
	steady := &countingWorker{name: "steady"}
	s := NewScheduler([]Worker{panicky, steady}, 20*time.Millisecond, zerolog.Nop())

	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(), "second start must fail")

	waitForRuns(t, steady, 2)
	assert.GreaterOrEqual(t, panicky.count(), 2, "a panicking worker must not stop the schedule")

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop(), "second stop must fail")

	// Restart works on the reinitialized stop channel.
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

func TestRunOnceJoinsErrors(t *testing.T) {
	failing := &countingWorker{err: errors.New("db offline"), name: "failing"}
	fine := &countingWorker{name: "fine"}

	err := RunOnce(context.Background(), []Worker{failing, fine}, zerolog.Nop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failing")
	assert.Equal(t, 1, fine.count(), "later workers still run after a failure")
}
