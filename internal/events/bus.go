// Package events provides the in-process event bus the engine publishes
// lifecycle events on. Subscribers run asynchronously; publishing never
// blocks a trading code path.
package events

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventOrderPlaced    EventType = "ORDER_PLACED"
	EventOrderFilled    EventType = "ORDER_FILLED"
	EventOrderCanceled  EventType = "ORDER_CANCELED"
	EventCycleCompleted EventType = "CYCLE_COMPLETED"
	EventCycleError     EventType = "CYCLE_ERROR"
	EventEngineStarted  EventType = "ENGINE_STARTED"
	EventEngineStopped  EventType = "ENGINE_STOPPED"
	EventWatchdogAction EventType = "WATCHDOG_ACTION"
	EventError          EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	// Set timestamp if not provided
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Notify specific subscribers
	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event) // Run in goroutine to avoid blocking
		}
	}

	// Notify all-event subscribers
	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishOrderPlaced publishes an order placed event
func (eb *EventBus) PublishOrderPlaced(symbol, orderID, side, orderType string, qty decimal.Decimal, limitPrice *decimal.Decimal) {
	data := map[string]interface{}{
		"symbol":     symbol,
		"order_id":   orderID,
		"side":       side,
		"order_type": orderType,
		"qty":        qty.String(),
	}
	if limitPrice != nil {
		data["limit_price"] = limitPrice.String()
	}
	eb.Publish(Event{Type: EventOrderPlaced, Data: data})
}

// PublishOrderFilled publishes an order filled event
func (eb *EventBus) PublishOrderFilled(symbol, orderID, side string, fillQty, fillPrice decimal.Decimal) {
	eb.Publish(Event{
		Type: EventOrderFilled,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"order_id":   orderID,
			"side":       side,
			"fill_qty":   fillQty.String(),
			"fill_price": fillPrice.String(),
		},
	})
}

// PublishOrderCanceled publishes an order canceled/rejected/expired event
func (eb *EventBus) PublishOrderCanceled(symbol, orderID, side, reason string) {
	eb.Publish(Event{
		Type: EventOrderCanceled,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"order_id": orderID,
			"side":     side,
			"reason":   reason,
		},
	})
}

// PublishCycleCompleted publishes a cycle completion with its realized P/L
func (eb *EventBus) PublishCycleCompleted(symbol string, cycleID int64, qty, avgPrice, sellPrice, profit, profitPct decimal.Decimal) {
	eb.Publish(Event{
		Type: EventCycleCompleted,
		Data: map[string]interface{}{
			"symbol":     symbol,
			"cycle_id":   cycleID,
			"qty":        qty.String(),
			"avg_price":  avgPrice.String(),
			"sell_price": sellPrice.String(),
			"profit":     profit.String(),
			"profit_pct": profitPct.String(),
		},
	})
}

// PublishCycleError publishes a cycle moved to the error state
func (eb *EventBus) PublishCycleError(symbol string, cycleID int64, reason string) {
	eb.Publish(Event{
		Type: EventCycleError,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"cycle_id": cycleID,
			"reason":   reason,
		},
	})
}

// PublishEngineStarted publishes the engine startup report
func (eb *EventBus) PublishEngineStarted(paper, dryRun, testingMode bool, symbols []string) {
	eb.Publish(Event{
		Type: EventEngineStarted,
		Data: map[string]interface{}{
			"paper":        paper,
			"dry_run":      dryRun,
			"testing_mode": testingMode,
			"symbols":      symbols,
		},
	})
}

// PublishEngineStopped publishes an engine shutdown event
func (eb *EventBus) PublishEngineStopped(reason string) {
	eb.Publish(Event{
		Type: EventEngineStopped,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishWatchdogAction publishes a watchdog restart attempt and its outcome
func (eb *EventBus) PublishWatchdogAction(host, action string, success bool, detail string) {
	eb.Publish(Event{
		Type: EventWatchdogAction,
		Data: map[string]interface{}{
			"host":    host,
			"action":  action,
			"success": success,
			"detail":  detail,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}
