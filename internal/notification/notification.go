// Package notification delivers operational alerts through pluggable sinks.
// The engine never calls a notifier directly; it publishes events and the
// bridge in this package turns the high-priority subset into notifications.
package notification

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyCycleComplete NotificationType = "cycle_complete"
	NotifyCycleError    NotificationType = "cycle_error"
	NotifyEngine        NotificationType = "engine"
	NotifyWatchdog      NotificationType = "watchdog"
	NotifyError         NotificationType = "error"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Symbol    string
	Timestamp time.Time
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
	logger    zerolog.Logger
}

// NewManager creates a new notification manager
func NewManager(logger zerolog.Logger) *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
		enabled:   true,
		logger:    logger.With().Str("component", "notification").Logger(),
	}
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
	m.logger.Info().Str("notifier", n.Name()).Bool("enabled", n.IsEnabled()).Msg("Notifier registered")
}

// Send sends a notification to all enabled providers. Delivery failures are
// logged and the last one returned; they never interrupt trading.
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}
	if notification.Timestamp.IsZero() {
		notification.Timestamp = time.Now()
	}

	var lastErr error
	for _, n := range m.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(notification); err != nil {
			m.logger.Error().Err(err).
				Str("notifier", n.Name()).
				Str("title", notification.Title).
				Msg("Notification delivery failed")
			lastErr = err
		}
	}
	return lastErr
}

// SendCycleCompleted sends a cycle completion summary with realized P/L.
func (m *Manager) SendCycleCompleted(symbol string, cycleID int64, qty, avgPrice, sellPrice, profit, profitPct string) error {
	return m.Send(&Notification{
		Type:   NotifyCycleComplete,
		Title:  fmt.Sprintf("Cycle Complete: %s", symbol),
		Symbol: symbol,
		Message: fmt.Sprintf("Cycle %d sold %s %s\nAvg buy: %s / Sell: %s\nProfit: %s (%s%%)",
			cycleID, qty, symbol, avgPrice, sellPrice, profit, profitPct),
	})
}

// SendCycleError sends a high-priority alert for a cycle moved to error.
func (m *Manager) SendCycleError(symbol string, cycleID int64, reason string) error {
	return m.Send(&Notification{
		Type:    NotifyCycleError,
		Title:   fmt.Sprintf("CRITICAL: Cycle Error: %s", symbol),
		Symbol:  symbol,
		Message: fmt.Sprintf("Cycle %d for %s was marked error and requires operator attention.\nReason: %s", cycleID, symbol, reason),
	})
}

// SendEngineAlert sends a general engine lifecycle alert.
func (m *Manager) SendEngineAlert(title, message string) error {
	return m.Send(&Notification{
		Type:    NotifyEngine,
		Title:   title,
		Message: message,
	})
}

// SendWatchdogAlert sends a watchdog restart alert including the host.
func (m *Manager) SendWatchdogAlert(host, message string) error {
	return m.Send(&Notification{
		Type:    NotifyWatchdog,
		Title:   "Watchdog Alert",
		Message: fmt.Sprintf("%s\nServer: %s", message, host),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:    NotifyError,
		Title:   title,
		Message: message,
	})
}
