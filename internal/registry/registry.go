// Package registry provides a keyed in-memory store whose entries expire
// after a configurable inactivity window.
package registry

import (
	"fmt"
	"sync"
	"time"
)

// Options configures a Registry.
type Options struct {
	// TTL is the inactivity window after which an entry is swept.
	// It must be positive.
	TTL time.Duration
	// RefreshOnAccess resets an entry's stamp on every successful Get.
	RefreshOnAccess bool
	// SweepInterval starts a background sweeper when positive. With no
	// background sweeper every public operation sweeps inline.
	SweepInterval time.Duration
}

type entry[V any] struct {
	value V
	stamp time.Time
}

// Registry is a TTL-backed map. A single lock serializes all access;
// sweeps run under the same lock so refresh-on-access never races eviction.
type Registry[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[V]
	opts    Options

	stop     chan struct{}
	stopOnce sync.Once

	now func() time.Time // test hook
}

// New creates a registry. It returns an error for a non-positive TTL.
func New[K comparable, V any](opts Options) (*Registry[K, V], error) {
	if opts.TTL <= 0 {
		return nil, fmt.Errorf("registry: ttl must be positive, got %v", opts.TTL)
	}
	r := &Registry[K, V]{
		entries: make(map[K]*entry[V]),
		opts:    opts,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	if opts.SweepInterval > 0 {
		go r.sweepLoop()
	}
	return r, nil
}

// Put inserts or replaces the value and stamps the entry with now.
func (r *Registry[K, V]) Put(key K, value V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepInline()

	r.entries[key] = &entry[V]{value: value, stamp: r.now()}
}

// Get returns the value for key. Expired entries are swept before the
// lookup, so a just-expired key reads as absent.
func (r *Registry[K, V]) Get(key K) (V, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepLocked()

	e, ok := r.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if r.opts.RefreshOnAccess {
		e.stamp = r.now()
	}
	return e.value, true
}

// Delete removes the entry if present.
func (r *Registry[K, V]) Delete(key K) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepInline()
	delete(r.entries, key)
}

// Len is the number of live entries.
func (r *Registry[K, V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepInline()
	return len(r.entries)
}

// Sweep removes every expired entry and reports how many were dropped.
func (r *Registry[K, V]) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked()
}

// Close stops the background sweeper. The registry stays usable.
func (r *Registry[K, V]) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// sweepInline sweeps only when no background sweeper runs.
func (r *Registry[K, V]) sweepInline() {
	if r.opts.SweepInterval <= 0 {
		r.sweepLocked()
	}
}

func (r *Registry[K, V]) sweepLocked() int {
	now := r.now()
	removed := 0
	for key, e := range r.entries {
		if now.Sub(e.stamp) > r.opts.TTL {
			delete(r.entries, key)
			removed++
		}
	}
	return removed
}

func (r *Registry[K, V]) sweepLoop() {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}
