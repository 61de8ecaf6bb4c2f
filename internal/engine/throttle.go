package engine

import (
	"sync"
	"time"
)

// throttle suppresses repeated order dispatch per symbol. Quote ticks
// arrive many times per second; once an order goes out the symbol sits
// quiet for the cooldown window so the fill stream has time to land
// before the next decision.
type throttle struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
}

func newThrottle(window time.Duration) *throttle {
	return &throttle{window: window, last: make(map[string]time.Time)}
}

// allow reports whether the symbol is outside its cooldown window.
func (t *throttle) allow(symbol string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.last[symbol]
	if !ok {
		return true
	}
	return now.Sub(last) >= t.window
}

// record starts the cooldown window. Failed submissions record too, so a
// broker error does not turn into a retry storm.
func (t *throttle) record(symbol string, now time.Time) {
	t.mu.Lock()
	t.last[symbol] = now
	t.mu.Unlock()
}

// clear lifts the cooldown, used when the broker rejects an order so the
// next tick can reassess with fresh numbers.
func (t *throttle) clear(symbol string) {
	t.mu.Lock()
	delete(t.last, symbol)
	t.mu.Unlock()
}
