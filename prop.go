package layerx

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/internal"
	"go.eggybyte.com/layerx/log"
)

// ErrUnset is delivered on the error path of a Required prop whose key has
// no effective value.
var ErrUnset = errors.New(errors.CodeNotFound, "required key is unset")

// Prop is a typed view over a single configuration key. It decodes the raw
// effective value, optionally validates it, and delivers updates to its
// subscribers through its own epoch sequence: a subscriber never observes a
// value older than one it has already seen, and bursts are coalesced.
//
// A Prop is created unbound and becomes live on Registry.Bind. It may be
// bound exactly once.
type Prop[T any] struct {
	key      string
	decode   func(string) (T, error)
	validate func(T) error

	def        T
	hasDefault bool
	required   bool

	bound    atomic.Bool
	dispatch *internal.Dispatch[T]

	// mu guards the decoded state and the raw dedupe pair; it is held
	// across publish so delivery epochs follow arbitration order.
	mu          sync.Mutex
	val         T
	valid       bool
	lastRaw     string
	lastPresent bool
	seen        bool
}

// PropOption configures a Prop at construction time.
type PropOption[T any] func(*Prop[T])

// WithDecoder replaces the default string decoder.
func WithDecoder[T any](decode func(string) (T, error)) PropOption[T] {
	return func(p *Prop[T]) {
		p.decode = decode
	}
}

// WithDefault supplies the value delivered when no layer defines the key.
func WithDefault[T any](def T) PropOption[T] {
	return func(p *Prop[T]) {
		p.def = def
		p.hasDefault = true
	}
}

// WithValidation validates every decoded value against a validator tag
// (e.g. "gte=1,lte=65535"). A failing value is delivered on the error path
// and the last good value is kept.
func WithValidation[T any](tag string) PropOption[T] {
	return func(p *Prop[T]) {
		p.validate = func(v T) error {
			if err := defaultValidator.Var(v, tag); err != nil {
				return errors.Wrapf(errors.CodeInvalidArgument, "layerx.validate", err, "key %s", p.key)
			}
			return nil
		}
	}
}

// Required makes the prop deliver ErrUnset on its error path whenever the
// key has no effective value.
func Required[T any]() PropOption[T] {
	return func(p *Prop[T]) {
		p.required = true
	}
}

// NewProp creates an unbound typed prop for the given key.
func NewProp[T any](key string, opts ...PropOption[T]) *Prop[T] {
	p := &Prop[T]{
		key:      key,
		dispatch: internal.NewDispatch[T](nil, nil),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.decode == nil {
		p.decode = defaultDecoder[T]()
	}
	return p
}

// Key returns the configuration key this prop subscribes to.
func (p *Prop[T]) Key() string {
	return p.key
}

// Attach marks the prop as bound. Binding a prop twice, in any registry,
// is a programmer error reported synchronously at the Bind call site.
func (p *Prop[T]) Attach() error {
	if !p.bound.CompareAndSwap(false, true) {
		return errors.Newf(errors.CodeAlreadyExists, "prop %q is already bound", p.key)
	}
	return nil
}

// configureDispatch hands the prop the registry's logger and shared
// delivery executor. Called by Registry.Bind before Attach.
func (p *Prop[T]) configureDispatch(logger log.Logger, exec internal.Executor) {
	p.dispatch.Configure(logger, exec)
}

// Accept receives the raw effective value from the registry, decodes and
// validates it, and publishes the outcome to this prop's epoch sequence.
// Decode and validation failures never reach the writer that triggered the
// update; they surface only on this prop's error path.
func (p *Prop[T]) Accept(raw string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// The synchronous push at bind time can race with a concurrent change
	// notification for the same value; deliver it once.
	if p.seen && p.lastPresent == present && (!present || p.lastRaw == raw) {
		return
	}
	p.seen = true
	p.lastRaw = raw
	p.lastPresent = present

	if !present {
		switch {
		case p.hasDefault:
			p.val = p.def
			p.valid = true
			p.dispatch.Update(p.def)
		case p.required:
			p.valid = false
			p.dispatch.Fail(ErrUnset)
		default:
			p.valid = false
		}
		return
	}

	v, err := p.decode(raw)
	if err == nil && p.validate != nil {
		err = p.validate(v)
	}
	if err != nil {
		p.dispatch.Fail(err)
		return
	}

	p.val = v
	p.valid = true
	p.dispatch.Update(v)
}

// Value returns the last good decoded value. ok is false before the first
// successful decode and after the key becomes undefined (unless a default
// applies).
func (p *Prop[T]) Value() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.valid {
		var zero T
		return zero, false
	}
	return p.val, true
}

// OnUpdate registers a callback invoked with each delivered value.
// Returns an unsubscribe function.
func (p *Prop[T]) OnUpdate(fn func(T)) (unsubscribe func()) {
	return p.dispatch.OnUpdate(fn)
}

// OnError registers a callback for decode/validation failures and, for
// Required props, unset keys. Returns an unsubscribe function.
func (p *Prop[T]) OnError(fn func(error)) (unsubscribe func()) {
	return p.dispatch.OnError(fn)
}

// Subscribe registers an update callback with a paired error handler: if
// the update callback panics, the panic is logged and forwarded to the
// paired handler. Returns an unsubscribe function.
func (p *Prop[T]) Subscribe(onUpdate func(T), onError func(error)) (unsubscribe func()) {
	return p.dispatch.Subscribe(onUpdate, onError)
}

// defaultDecoder builds the decoder for common scalar types. Unsupported
// types require WithDecoder.
func defaultDecoder[T any]() func(string) (T, error) {
	return func(raw string) (T, error) {
		var v T
		switch out := any(&v).(type) {
		case *string:
			*out = raw
		case *bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return v, decodeError(raw, "bool", err)
			}
			*out = b
		case *int:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return v, decodeError(raw, "int", err)
			}
			*out = int(n)
		case *int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return v, decodeError(raw, "int64", err)
			}
			*out = n
		case *uint64:
			n, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return v, decodeError(raw, "uint64", err)
			}
			*out = n
		case *float64:
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return v, decodeError(raw, "float64", err)
			}
			*out = f
		case *time.Duration:
			d, err := time.ParseDuration(raw)
			if err != nil {
				return v, decodeError(raw, "duration", err)
			}
			*out = d
		case *[]string:
			parts := strings.Split(raw, ",")
			trimmed := make([]string, 0, len(parts))
			for _, part := range parts {
				trimmed = append(trimmed, strings.TrimSpace(part))
			}
			*out = trimmed
		default:
			return v, errors.Newf(errors.CodeInvalidArgument, "no default decoder for %T; use WithDecoder", v)
		}
		return v, nil
	}
}

func decodeError(raw, kind string, err error) error {
	return errors.Wrapf(errors.CodeInvalidArgument, "layerx.decode", err, "%q is not a valid %s", raw, kind)
}
