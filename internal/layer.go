// Package internal implements the layerx resolution engine: priority-ranked
// layers, the per-key effective-value store, and the epoch-based notification
// dispatch.
package internal

import (
	"sync"
)

// Layer wraps one configuration source and holds the private snapshot of the
// keys last received from it. Its priority is immutable and unique within a
// registry; a higher priority is more authoritative.
type Layer struct {
	name     string
	priority int

	// refreshMu serializes diff passes; only one Apply may run at a time.
	refreshMu sync.Mutex

	// mu protects store. It is a leaf lock: it is never held while calling
	// into the effective-value store, so Get may be called from another
	// layer's arbitration without risking lock cycles.
	mu    sync.RWMutex
	store map[string]string
}

// NewLayer creates a layer with the given name and priority.
func NewLayer(name string, priority int) *Layer {
	return &Layer{
		name:     name,
		priority: priority,
		store:    make(map[string]string),
	}
}

// Name returns the layer's display name, used for logging only.
func (l *Layer) Name() string {
	return l.name
}

// Priority returns the layer's immutable priority.
func (l *Layer) Priority() int {
	return l.priority
}

// Get returns the value this layer currently holds for key.
// Safe to call concurrently with Apply on any layer.
func (l *Layer) Get(key string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.store[key]
	return v, ok
}

// Len returns the number of keys this layer currently defines.
func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.store)
}

// Apply diffs a freshly fetched snapshot against the layer's private store and
// forwards only the changes to the effective-value store. The snapshot must
// not be mutated by the caller afterward. Diff passes on the same layer are
// serialized; passes on different layers run fully concurrently.
func (l *Layer) Apply(snapshot map[string]string, store *Store) {
	l.refreshMu.Lock()
	defer l.refreshMu.Unlock()

	// Removals first: keys present before but absent from the new snapshot.
	// The private delete happens before the removal is emitted: a
	// concurrent relinquish search in another layer's put must never adopt
	// a value this layer is about to stop defining, because nothing would
	// be emitted afterward to correct it.
	var removed []string
	l.mu.RLock()
	for k := range l.store {
		if _, ok := snapshot[k]; !ok {
			removed = append(removed, k)
		}
	}
	l.mu.RUnlock()

	for _, k := range removed {
		l.mu.Lock()
		delete(l.store, k)
		l.mu.Unlock()
		store.Put(k, "", false, l)
	}

	// Additions and changes. Unchanged keys emit nothing. The new value is
	// recorded before it is emitted for the same reason as above: a
	// concurrent search either sees the old value and is corrected by the
	// emit, or sees the new value and the emit dedupes.
	for k, v := range snapshot {
		l.mu.RLock()
		old, had := l.store[k]
		l.mu.RUnlock()
		if had && old == v {
			continue
		}

		l.mu.Lock()
		l.store[k] = v
		l.mu.Unlock()
		store.Put(k, v, true, l)
	}
}
