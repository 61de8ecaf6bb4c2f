package logging

import (
	"github.com/rs/zerolog"
)

// CycleLogger derives a logger scoped to one asset cycle. Handlers attach it
// so every decision for a cycle carries the same identifying fields.
func CycleLogger(l zerolog.Logger, symbol string, cycleID int64, status string) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Int64("cycle_id", cycleID).
		Str("status", status).
		Logger()
}

// OrderLogger derives a logger scoped to one broker order.
func OrderLogger(l zerolog.Logger, symbol, orderID, side string) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("order_id", orderID).
		Str("side", side).
		Logger()
}
