package internal

import (
	"sync"
)

// Store is the effective-value store: a concurrent map from key to
// (value, owning layer). It arbitrates ownership across layers on every
// write and reports a change exactly when the externally visible value
// changes. Different keys never synchronize with each other.
type Store struct {
	// layers is the priority-sorted arena, highest priority first.
	// Immutable after construction.
	layers []*Layer

	// onChange is invoked inside the per-key critical section so the
	// per-key notification order matches the linearization order of Put.
	// defined=false means the key became undefined. May be nil.
	onChange func(key, value string, defined bool)

	slots sync.Map // key -> *slot
}

// slot holds the effective entry for one key. An empty slot (owner == nil)
// exists only transiently while a Put is materializing it.
type slot struct {
	mu    sync.Mutex
	value string
	owner *Layer
	dead  bool // removed from the map; loaders must retry
}

// NewStore creates a store arbitrating over the given layers.
// The slice must be sorted by descending priority and is not copied.
func NewStore(layers []*Layer, onChange func(key, value string, defined bool)) *Store {
	return &Store{
		layers:   layers,
		onChange: onChange,
	}
}

// Get returns the current effective value for key.
func (s *Store) Get(key string) (string, bool) {
	v, ok := s.slots.Load(key)
	if !ok {
		return "", false
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead || sl.owner == nil {
		return "", false
	}
	return sl.value, true
}

// Owner returns the layer currently supplying the effective value for key.
func (s *Store) Owner(key string) (*Layer, bool) {
	v, ok := s.slots.Load(key)
	if !ok {
		return nil, false
	}
	sl := v.(*slot)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.dead || sl.owner == nil {
		return nil, false
	}
	return sl.owner, true
}

// Range calls fn for every currently defined key. The iteration observes
// each key atomically but is not a consistent cross-key snapshot.
func (s *Store) Range(fn func(key, value string, owner *Layer) bool) {
	s.slots.Range(func(k, v any) bool {
		sl := v.(*slot)
		sl.mu.Lock()
		dead, value, owner := sl.dead, sl.value, sl.owner
		sl.mu.Unlock()
		if dead || owner == nil {
			return true
		}
		return fn(k.(string), value, owner)
	})
}

// Put applies a single-key update from a layer and re-arbitrates ownership.
// present=false means the layer no longer defines the key. It returns the
// resulting effective value and whether the key is still defined.
//
// The whole transition executes atomically for the key; Put never blocks on
// anything but the per-key slot mutex.
func (s *Store) Put(key, value string, present bool, l *Layer) (string, bool) {
	for {
		v, loaded := s.slots.Load(key)
		if !loaded {
			if !present {
				// Never materialize an entry for an unset key.
				return "", false
			}
			v, _ = s.slots.LoadOrStore(key, &slot{})
		}

		sl := v.(*slot)
		sl.mu.Lock()
		if sl.dead {
			sl.mu.Unlock()
			continue
		}
		value, present = s.arbitrate(sl, key, value, present, l)
		sl.mu.Unlock()
		return value, present
	}
}

// arbitrate runs the ownership transition for one key. Called with the slot
// locked. Returns the resulting effective (value, defined) pair.
func (s *Store) arbitrate(sl *slot, key, value string, present bool, l *Layer) (string, bool) {
	// Freshly materialized slot: first definition of the key.
	if sl.owner == nil {
		if !present {
			s.drop(sl, key)
			return "", false
		}
		sl.value = value
		sl.owner = l
		s.report(key, value, true)
		return value, true
	}

	// A lower-priority layer can never evict the current owner by writing;
	// it only takes over once the owner relinquishes the key.
	if l.Priority() < sl.owner.Priority() {
		return sl.value, true
	}

	if l == sl.owner {
		if !present {
			return s.relinquish(sl, key)
		}
		if value == sl.value {
			// Duplicate write from the owner; no notification.
			return sl.value, true
		}
		sl.value = value
		s.report(key, value, true)
		return value, true
	}

	// l outranks the owner (priorities are unique, so l.Priority() > owner's).
	if !present {
		// A higher-priority layer unsetting a key it never owned is a
		// benign race (set-then-unset collapsing into one observed unset).
		return sl.value, true
	}
	if value == sl.value {
		// Ownership moves without a value change; nothing visible happened.
		sl.owner = l
		return sl.value, true
	}
	sl.value = value
	sl.owner = l
	s.report(key, value, true)
	return value, true
}

// relinquish handles the owner unsetting its key: control falls through to
// the highest-priority remaining layer that still defines it, or the entry
// is deleted when none does.
func (s *Store) relinquish(sl *slot, key string) (string, bool) {
	ownerPrio := sl.owner.Priority()
	for _, cand := range s.layers {
		if cand.Priority() >= ownerPrio {
			continue
		}
		if v, ok := cand.Get(key); ok {
			sl.value = v
			sl.owner = cand
			s.report(key, v, true)
			return v, true
		}
	}
	s.drop(sl, key)
	s.report(key, "", false)
	return "", false
}

// drop removes the slot from the map. Called with the slot locked.
func (s *Store) drop(sl *slot, key string) {
	sl.dead = true
	sl.owner = nil
	sl.value = ""
	s.slots.Delete(key)
}

func (s *Store) report(key, value string, defined bool) {
	if s.onChange != nil {
		s.onChange(key, value, defined)
	}
}
