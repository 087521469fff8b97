package application

import (
	"context"
	"sync"
	"time"
)

// ThrottleCache enforces a minimum spacing between accepted telemetry
// messages per device. Entries expire after the window so the map does not
// grow with the historical device population.
type ThrottleCache struct {
	window time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

func NewThrottleCache(window time.Duration) *ThrottleCache {
	return &ThrottleCache{
		window: window,
		last:   make(map[string]time.Time),
	}
}

// Allow reports whether a message from the device may be accepted now, and
// records the acceptance when it is. Check and update are a single critical
// section so concurrent handlers for the same device cannot both pass.
func (t *ThrottleCache) Allow(deviceID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.last[deviceID]; ok && now.Sub(last) < t.window {
		return false
	}
	t.last[deviceID] = now
	return true
}

// Sweep drops entries whose window has already elapsed.
func (t *ThrottleCache) Sweep(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, last := range t.last {
		if now.Sub(last) >= t.window {
			delete(t.last, id)
		}
	}
}

// Run sweeps periodically until the context is cancelled.
func (t *ThrottleCache) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

func (t *ThrottleCache) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
