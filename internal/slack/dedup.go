package slack

import (
	"sync"
	"time"
)

const (
	// defaultMaxEntries bounds the number of remembered alert keys.
	defaultMaxEntries = 1024
	// defaultTTL is how long an alert key suppresses repeats.
	defaultTTL = 24 * time.Hour
)

// DedupSet remembers which alerts were already posted. Keys expire after a
// TTL, and when the set is full the oldest key is dropped.
type DedupSet struct {
	mu         sync.Mutex
	entries    map[string]time.Time
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
}

// DedupOption configures the DedupSet.
type DedupOption func(*DedupSet)

// WithMaxEntries sets the maximum number of tracked keys.
func WithMaxEntries(n int) DedupOption {
	return func(d *DedupSet) {
		d.maxEntries = n
	}
}

// WithDedupTTL sets how long a key is remembered.
func WithDedupTTL(ttl time.Duration) DedupOption {
	return func(d *DedupSet) {
		d.ttl = ttl
	}
}

// WithClock sets a custom time function (for testing).
func WithClock(fn func() time.Time) DedupOption {
	return func(d *DedupSet) {
		d.now = fn
	}
}

// NewDedupSet creates an empty set.
func NewDedupSet(opts ...DedupOption) *DedupSet {
	d := &DedupSet{
		entries:    make(map[string]time.Time),
		maxEntries: defaultMaxEntries,
		ttl:        defaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxEntries < 1 {
		d.maxEntries = 1
	}
	return d
}

// Check reports whether key is new and, if so, remembers it.
func (d *DedupSet) Check(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if t, ok := d.entries[key]; ok && now.Sub(t) < d.ttl {
		return false
	}

	if len(d.entries) >= d.maxEntries {
		d.evictLocked(now)
	}
	if len(d.entries) >= d.maxEntries {
		d.dropOldestLocked()
	}

	d.entries[key] = now
	return true
}

// Forget removes key so the next Check accepts it again. Used when posting
// the alert failed.
func (d *DedupSet) Forget(key string) {
	d.mu.Lock()
	delete(d.entries, key)
	d.mu.Unlock()
}

// Len returns the number of tracked keys.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// EvictExpired removes expired keys.
func (d *DedupSet) EvictExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked(d.now())
}

func (d *DedupSet) evictLocked(now time.Time) {
	for key, t := range d.entries {
		if now.Sub(t) >= d.ttl {
			delete(d.entries, key)
		}
	}
}

func (d *DedupSet) dropOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for key, t := range d.entries {
		if oldestKey == "" || t.Before(oldest) {
			oldestKey, oldest = key, t
		}
	}
	delete(d.entries, oldestKey)
}
