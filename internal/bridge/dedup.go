package bridge

import (
	"sync"
	"time"
)

// dedupWindow remembers recently observed task ids so duplicate deliveries
// from an at-least-once bus can be dropped. Entries expire after a per-task
// TTL; expired entries are pruned lazily on each observation.
type dedupWindow struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newDedupWindow() *dedupWindow {
	return &dedupWindow{entries: make(map[string]time.Time)}
}

// Observe records the id with the given TTL and reports whether it was
// already present and unexpired.
func (d *dedupWindow) Observe(id string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}

	if expiry, ok := d.entries[id]; ok && now.Before(expiry) {
		return true
	}
	d.entries[id] = now.Add(ttl)
	return false
}

func (d *dedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
