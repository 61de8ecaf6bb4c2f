package notification

import (
	"fmt"

	"github.com/dbarkman/dcaTrader-sub000/internal/events"
)

// Bridge subscribes to the event bus and forwards the high-priority subset
// as notifications. Trading alerts (cycle completions) can be muted
// independently of system alerts (errors, watchdog restarts).
type Bridge struct {
	manager       *Manager
	tradingAlerts bool
}

// NewBridge creates a bridge that delivers through the given manager.
func NewBridge(manager *Manager, tradingAlerts bool) *Bridge {
	return &Bridge{manager: manager, tradingAlerts: tradingAlerts}
}

// Attach subscribes the bridge to the bus.
func (b *Bridge) Attach(bus *events.EventBus) {
	bus.Subscribe(events.EventCycleCompleted, b.onCycleCompleted)
	bus.Subscribe(events.EventCycleError, b.onCycleError)
	bus.Subscribe(events.EventWatchdogAction, b.onWatchdogAction)
	bus.Subscribe(events.EventError, b.onError)
}

func (b *Bridge) onCycleCompleted(e events.Event) {
	if !b.tradingAlerts {
		return
	}
	_ = b.manager.SendCycleCompleted(
		dataString(e, "symbol"),
		dataInt64(e, "cycle_id"),
		dataString(e, "qty"),
		dataString(e, "avg_price"),
		dataString(e, "sell_price"),
		dataString(e, "profit"),
		dataString(e, "profit_pct"),
	)
}

func (b *Bridge) onCycleError(e events.Event) {
	_ = b.manager.SendCycleError(
		dataString(e, "symbol"),
		dataInt64(e, "cycle_id"),
		dataString(e, "reason"),
	)
}

func (b *Bridge) onWatchdogAction(e events.Event) {
	detail := dataString(e, "detail")
	if success, ok := e.Data["success"].(bool); ok && !success {
		detail = "FAILED: " + detail
	}
	_ = b.manager.SendWatchdogAlert(dataString(e, "host"), detail)
}

func (b *Bridge) onError(e events.Event) {
	msg := dataString(e, "message")
	if errText := dataString(e, "error"); errText != "" {
		msg = fmt.Sprintf("%s\n%s", msg, errText)
	}
	_ = b.manager.SendError(fmt.Sprintf("Error in %s", dataString(e, "source")), msg)
}

func dataString(e events.Event, key string) string {
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

func dataInt64(e events.Event, key string) int64 {
	switch v := e.Data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}
