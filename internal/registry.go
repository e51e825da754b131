package internal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/log"
)

// Source describes a configuration source that can load and watch for updates.
// Implementations must be thread-safe and honor context cancellation.
type Source interface {
	// Load reads the current configuration snapshot for the initial diff.
	Load(ctx context.Context) (map[string]string, error)

	// Watch starts monitoring for updates and publishes full snapshots via
	// the returned channel. The channel should be closed when the context is
	// cancelled to avoid goroutine leaks.
	Watch(ctx context.Context) (<-chan map[string]string, error)
}

// namedSource is an optional extension sources may implement so layers carry
// a readable name in logs.
type namedSource interface {
	Name() string
}

// Subscriber is a bound prop from the engine's point of view: it knows its
// key, enforces bind-once, and accepts raw effective values.
type Subscriber interface {
	// Key returns the configuration key this subscriber is bound to.
	Key() string

	// Attach marks the subscriber as bound. A second Attach, on any
	// registry, must return an error.
	Attach() error

	// Accept hands the subscriber the current raw effective value.
	// present=false means the key is no longer defined by any layer.
	Accept(value string, present bool)
}

// Registry owns the layer arena and the effective-value store, binds
// subscribers to keys, and exposes synchronous point lookups.
type Registry struct {
	logger   log.Logger
	debounce time.Duration
	workers  int

	sources []Source
	layers  []*Layer // parallel to sources; layers[i] wraps sources[i]
	ranked  []*Layer // same layers sorted by descending priority

	store *Store
	pool  *Pool

	mu        sync.RWMutex
	effective map[string]string

	bindMu   sync.RWMutex
	bindings map[string][]Subscriber

	// snapshotSignal coalesces effective-map changes for OnUpdate
	// subscribers; snapshots are materialized at delivery time.
	snapshotSignal *Dispatch[struct{}]
}

// NewRegistry creates a registry over the given sources. Sources are ordered
// by ascending precedence: the last source's layer has the highest priority.
func NewRegistry(logger log.Logger, sources []Source, debounce time.Duration, workers int) (*Registry, error) {
	if logger == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "logger is required")
	}
	if len(sources) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "at least one source is required")
	}

	if debounce == 0 {
		debounce = 200 * time.Millisecond
	}

	r := &Registry{
		logger:    logger,
		debounce:  debounce,
		workers:   workers,
		sources:   sources,
		effective: make(map[string]string),
		bindings:  make(map[string][]Subscriber),
	}

	// Priorities follow registration order: sources[i] gets priority i, so
	// later sources override earlier ones. Priorities are unique by
	// construction; ties cannot occur.
	r.layers = make([]*Layer, len(sources))
	for i, src := range sources {
		name := fmt.Sprintf("source-%d", i)
		if ns, ok := src.(namedSource); ok {
			name = ns.Name()
		}
		r.layers[i] = NewLayer(name, i)
	}

	r.ranked = make([]*Layer, len(r.layers))
	for i := range r.layers {
		r.ranked[i] = r.layers[len(r.layers)-1-i]
	}

	r.store = NewStore(r.ranked, r.onChange)
	r.snapshotSignal = NewDispatch[struct{}](logger, nil)

	return r, nil
}

// Initialize loads every source once, applies the initial diffs, and starts
// the per-source watch loops. Layers are loaded concurrently; the per-key
// arbitration makes the load order irrelevant.
func (r *Registry) Initialize(ctx context.Context) error {
	r.pool = NewPool(ctx, r.workers)
	r.snapshotSignal.Configure(r.logger, r.pool)

	g, gctx := errgroup.WithContext(ctx)
	for i := range r.sources {
		g.Go(func() error {
			snapshot, err := r.sources[i].Load(gctx)
			if err != nil {
				return errors.Wrapf(errors.CodeUnavailable, "layerx.load", err, "source %s", r.layers[i].Name())
			}
			r.layers[i].Apply(snapshot, r.store)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.RLock()
	keys := len(r.effective)
	r.mu.RUnlock()
	r.logger.Info("configuration loaded", log.Int("keys", keys), log.Int("layers", len(r.layers)))

	return r.startWatching(ctx)
}

// Pool returns the shared delivery executor. Available after Initialize.
func (r *Registry) Pool() *Pool {
	return r.pool
}

// Logger returns the registry's logger.
func (r *Registry) Logger() log.Logger {
	return r.logger
}

// startWatching starts one watch loop per source.
func (r *Registry) startWatching(ctx context.Context) error {
	for i, source := range r.sources {
		updates, err := source.Watch(ctx)
		if err != nil {
			return errors.Wrapf(errors.CodeUnavailable, "layerx.watch", err, "source %s", r.layers[i].Name())
		}
		go r.watchSource(ctx, r.layers[i], updates)
	}
	return nil
}

// watchSource applies debounced snapshots from one source to its layer.
// Only the layer's diff pass runs here; other layers are untouched.
func (r *Registry) watchSource(ctx context.Context, layer *Layer, updates <-chan map[string]string) {
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}

			debounceTimer = time.AfterFunc(r.debounce, func() {
				layer.Apply(snapshot, r.store)
				r.logger.Debug("layer refreshed", log.Str("layer", layer.Name()), log.Int("keys", layer.Len()))
			})
		}
	}
}

// onChange is called by the store inside the per-key critical section, so
// per-key ordering of everything below matches the arbitration order.
func (r *Registry) onChange(key, value string, defined bool) {
	r.mu.Lock()
	if defined {
		r.effective[key] = value
	} else {
		delete(r.effective, key)
	}
	r.mu.Unlock()

	r.logger.Debug("effective value changed",
		log.Str("key", key),
		log.Str("value", maskSensitiveValue(key, value)))

	r.bindMu.RLock()
	subs := r.bindings[key]
	for _, sub := range subs {
		sub.Accept(value, defined)
	}
	r.bindMu.RUnlock()

	r.snapshotSignal.Update(struct{}{})
}

// Get returns the current effective value for key. It performs no
// subscription and never triggers a layer refresh.
func (r *Registry) Get(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.effective[key]
	return v, ok
}

// Snapshot returns a copy of the current effective configuration.
func (r *Registry) Snapshot() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[string]string, len(r.effective))
	for k, v := range r.effective {
		snapshot[k] = v
	}
	return snapshot
}

// Store exposes the effective-value store for white-box inspection in tests.
func (r *Registry) Store() *Store {
	return r.store
}

// Layers returns the layer arena in ascending priority order.
func (r *Registry) Layers() []*Layer {
	return r.layers
}

// Bind registers the subscriber under its key. If the key already has an
// effective value, the current value is pushed synchronously before Bind
// returns so a freshly bound subscriber is never observed uninitialized.
func (r *Registry) Bind(sub Subscriber) error {
	if sub == nil {
		return errors.New(errors.CodeInvalidArgument, "subscriber cannot be nil")
	}
	if err := sub.Attach(); err != nil {
		return err
	}

	// The registration, the current-value read, and the push happen under
	// bindMu, the same lock the change fan-out takes. A concurrent onChange
	// for this key therefore runs entirely before the push (and Bind reads
	// the value it installed) or entirely after it; it can never slip
	// between the read and the push and leave the subscriber on a stale
	// value delivered last.
	key := sub.Key()
	r.bindMu.Lock()
	r.bindings[key] = append(r.bindings[key], sub)
	if v, ok := r.Get(key); ok {
		sub.Accept(v, true)
	}
	r.bindMu.Unlock()
	return nil
}

// OnUpdate subscribes to effective-configuration updates. The callback
// receives a fresh snapshot; bursts of changes are coalesced. Returns an
// unsubscribe function.
func (r *Registry) OnUpdate(fn func(snapshot map[string]string)) func() {
	return r.snapshotSignal.OnUpdate(func(struct{}) {
		fn(r.Snapshot())
	})
}

// maskSensitiveValue hides values whose key looks credential-like so they
// can be logged safely.
func maskSensitiveValue(key, value string) string {
	if value == "" {
		return "(empty)"
	}

	lower := strings.ToLower(key)
	sensitive := false
	for _, marker := range []string{"password", "secret", "token", "dsn", "credential", "apikey", "api_key"} {
		if strings.Contains(lower, marker) {
			sensitive = true
			break
		}
	}
	if !sensitive {
		return value
	}

	if len(value) <= 8 {
		return "***"
	}
	return value[:2] + "***" + value[len(value)-2:]
}
