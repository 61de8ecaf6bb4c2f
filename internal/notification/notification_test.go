package notification

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbarkman/dcaTrader-sub000/internal/events"
)

// fakeNotifier records everything sent to it.
type fakeNotifier struct {
	mu       sync.Mutex
	name     string
	enabled  bool
	sendErr  error
	received []Notification
}

func (f *fakeNotifier) Send(n *Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, *n)
	return f.sendErr
}

func (f *fakeNotifier) Name() string    { return f.name }
func (f *fakeNotifier) IsEnabled() bool { return f.enabled }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeNotifier) last() Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.received[len(f.received)-1]
}

func TestManagerSkipsDisabledNotifiers(t *testing.T) {
	m := NewManager(zerolog.Nop())
	enabled := &fakeNotifier{name: "a", enabled: true}
	disabled := &fakeNotifier{name: "b", enabled: false}
	m.AddNotifier(enabled)
	m.AddNotifier(disabled)

	err := m.Send(&Notification{Type: NotifyEngine, Title: "t", Message: "m"})
	require.NoError(t, err)
	assert.Equal(t, 1, enabled.count())
	assert.Equal(t, 0, disabled.count())
}

func TestManagerDeliveryFailureIsNotFatal(t *testing.T) {
	m := NewManager(zerolog.Nop())
	failing := &fakeNotifier{name: "a", enabled: true, sendErr: errors.New("smtp down")}
	working := &fakeNotifier{name: "b", enabled: true}
	m.AddNotifier(failing)
	m.AddNotifier(working)

	err := m.Send(&Notification{Type: NotifyError, Title: "t", Message: "m"})
	assert.Error(t, err)
	assert.Equal(t, 1, working.count(), "failure in one sink must not block the next")
}

func TestManagerStampsTimestamp(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sink := &fakeNotifier{name: "a", enabled: true}
	m.AddNotifier(sink)

	require.NoError(t, m.SendWatchdogAlert("host1", "restarted"))
	got := sink.last()
	assert.False(t, got.Timestamp.IsZero())
	assert.Contains(t, got.Message, "host1")
}

func TestEmailNotifierDisabledWhenUnconfigured(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Host: "smtp.example.com"})
	assert.False(t, n.IsEnabled())
	// Sending through a disabled notifier is a silent no-op.
	assert.NoError(t, n.Send(&Notification{Title: "t"}))
}

func TestTelegramNotifierDisabledOnBadChatID(t *testing.T) {
	n := NewTelegramNotifier(TelegramConfig{BotToken: "123:abc", ChatID: "not-a-number"})
	assert.False(t, n.IsEnabled())

	n = NewTelegramNotifier(TelegramConfig{BotToken: "123:abc", ChatID: "42"})
	assert.True(t, n.IsEnabled())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBridgeForwardsCycleCompleted(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sink := &fakeNotifier{name: "a", enabled: true}
	m.AddNotifier(sink)

	bus := events.NewEventBus()
	NewBridge(m, true).Attach(bus)

	bus.PublishCycleCompleted("BTC/USD", 7,
		decimal.RequireFromString("0.002"),
		decimal.RequireFromString("50000"),
		decimal.RequireFromString("50500"),
		decimal.RequireFromString("1"),
		decimal.RequireFromString("1"))

	waitFor(t, func() bool { return sink.count() == 1 })
	got := sink.last()
	assert.Equal(t, NotifyCycleComplete, got.Type)
	assert.Contains(t, got.Message, "50500")
	assert.Contains(t, got.Message, "Profit: 1 (1%)")
}

func TestBridgeMutesTradingAlerts(t *testing.T) {
	m := NewManager(zerolog.Nop())
	sink := &fakeNotifier{name: "a", enabled: true}
	m.AddNotifier(sink)

	bus := events.NewEventBus()
	NewBridge(m, false).Attach(bus)

	bus.PublishCycleCompleted("BTC/USD", 7,
		decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero)
	bus.PublishCycleError("BTC/USD", 8, "position vanished")

	// The system alert still flows while the trading alert is muted.
	waitFor(t, func() bool { return sink.count() == 1 })
	assert.Equal(t, NotifyCycleError, sink.last().Type)
}
