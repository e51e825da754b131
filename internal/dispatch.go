package internal

import (
	"sync"
	"sync/atomic"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/log"
)

// update is the immutable notification state for one epoch. A Dispatch is
// either in a value state or an error state, never both.
type update[T any] struct {
	epoch uint64
	value T
	err   error
}

// subscription pairs an update callback with its optional error handler.
type subscription[T any] struct {
	onUpdate func(T)
	onError  func(error)
}

// Dispatch delivers value/error notifications to a set of subscriber
// callbacks. Every notification carries a strictly increasing epoch; an
// epoch is delivered only while it is still the newest one observed, so
// subscribers see a suffix of the true update sequence that always ends at
// the latest state. At most one delivery pass is in flight at a time.
type Dispatch[T any] struct {
	logger log.Logger
	exec   Executor

	epoch     atomic.Uint64
	processed atomic.Uint64
	latest    atomic.Pointer[update[T]]

	// deliverMu serializes delivery passes; held only while invoking
	// callbacks so a slow subscriber delays this entity alone.
	deliverMu sync.Mutex

	mu     sync.Mutex
	nextID int
	subs   map[int]*subscription[T]
}

// NewDispatch creates a dispatch at epoch zero with no delivered state.
// The executor may be nil until Configure is called; publishes that happen
// before an executor is set fall back to plain goroutines.
func NewDispatch[T any](logger log.Logger, exec Executor) *Dispatch[T] {
	if logger == nil {
		logger = log.Nop()
	}
	return &Dispatch[T]{
		logger: logger,
		exec:   exec,
		subs:   make(map[int]*subscription[T]),
	}
}

// Configure sets the logger and executor used for delivery. It must be
// called before the dispatch starts publishing from multiple goroutines.
func (d *Dispatch[T]) Configure(logger log.Logger, exec Executor) {
	if logger != nil {
		d.logger = logger
	}
	d.exec = exec
}

func (d *Dispatch[T]) submit(task func()) {
	if d.exec != nil {
		d.exec.Submit(task)
		return
	}
	go task()
}

// newerEpoch reports whether a is more recent than b under unsigned
// wraparound. Epochs are compared by signed distance so a counter that wraps
// after 2^64 updates still orders correctly.
func newerEpoch(a, b uint64) bool {
	return int64(a-b) > 0
}

// Update publishes a new value. The caller never blocks on delivery.
func (d *Dispatch[T]) Update(value T) {
	d.publish(&update[T]{value: value})
}

// Fail publishes an error state. The caller never blocks on delivery.
func (d *Dispatch[T]) Fail(err error) {
	d.publish(&update[T]{err: err})
}

func (d *Dispatch[T]) publish(st *update[T]) {
	st.epoch = d.epoch.Add(1)

	// Keep latest pointing at the most recent epoch regardless of the
	// order concurrent publishers get here.
	for {
		cur := d.latest.Load()
		if cur != nil && !newerEpoch(st.epoch, cur.epoch) {
			break
		}
		if d.latest.CompareAndSwap(cur, st) {
			break
		}
	}

	// Advance the processed frontier. Losing the race means a newer epoch
	// already claimed delivery; this one must never be delivered.
	for {
		cur := d.processed.Load()
		if !newerEpoch(st.epoch, cur) {
			return
		}
		if d.processed.CompareAndSwap(cur, st.epoch) {
			break
		}
	}

	epoch := st.epoch
	d.submit(func() {
		d.deliver(epoch)
	})
}

// deliver invokes subscriber callbacks for the given epoch, unless a newer
// epoch superseded it while the task was queued or waiting for the lock.
func (d *Dispatch[T]) deliver(epoch uint64) {
	d.deliverMu.Lock()
	defer d.deliverMu.Unlock()

	if d.processed.Load() != epoch {
		return // superseded; silently discarded
	}

	st := d.latest.Load()
	if st == nil {
		return
	}
	if st.epoch != epoch {
		// A concurrent publish has already staged a newer state but not yet
		// claimed delivery for it. Delivering it here would repeat once its
		// own task runs; that task is guaranteed to follow, so skip.
		return
	}

	for _, sub := range d.snapshotSubs() {
		if st.err != nil {
			d.invokeError(sub.onError, st.err)
			continue
		}
		d.invokeUpdate(sub, st.value)
	}
}

// invokeUpdate calls one update callback, containing panics. A panicking
// update callback is logged and forwarded to its paired error handler.
func (d *Dispatch[T]) invokeUpdate(sub *subscription[T], value T) {
	if sub.onUpdate == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(errors.Newf(errors.CodeInternal, "update callback panic: %v", r), "subscriber callback failed")
			if sub.onError != nil {
				d.invokeError(sub.onError, errors.Newf(errors.CodeInternal, "update callback panic: %v", r))
			}
		}
	}()
	sub.onUpdate(value)
}

// invokeError calls one error callback, containing panics.
func (d *Dispatch[T]) invokeError(fn func(error), err error) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error(errors.Newf(errors.CodeInternal, "error callback panic: %v", r), "subscriber error callback failed")
		}
	}()
	fn(err)
}

func (d *Dispatch[T]) snapshotSubs() []*subscription[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := make([]*subscription[T], 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	return subs
}

// Subscribe registers an update callback with an optional paired error
// handler. Returns an unsubscribe function.
func (d *Dispatch[T]) Subscribe(onUpdate func(T), onError func(error)) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID
	d.nextID++
	d.subs[id] = &subscription[T]{onUpdate: onUpdate, onError: onError}

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.subs, id)
	}
}

// OnUpdate registers an update-only callback.
func (d *Dispatch[T]) OnUpdate(fn func(T)) func() {
	return d.Subscribe(fn, nil)
}

// OnError registers an error-only callback.
func (d *Dispatch[T]) OnError(fn func(error)) func() {
	return d.Subscribe(nil, fn)
}
