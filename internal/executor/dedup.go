package executor

import (
	"sync"
	"time"
)

// Dedup drops entry signals already seen within a TTL. It is safe for
// concurrent use.
type Dedup struct {
	seen map[string]time.Time // signalID -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup with the given ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether signalID was seen within the TTL, recording
// it otherwise.
func (d *Dedup) IsDuplicate(signalID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if seenAt, ok := d.seen[signalID]; ok && now.Sub(seenAt) < d.ttl {
		return true
	}
	d.seen[signalID] = now
	return false
}

// Forget removes signalID so a retry of the same signal is accepted.
func (d *Dedup) Forget(signalID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, signalID)
}

// Cleanup drops expired entries.
func (d *Dedup) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for id, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, id)
		}
	}
}

// Len returns the number of tracked signals.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
