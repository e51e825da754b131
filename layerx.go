package layerx

import (
	"context"
	"time"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/internal"
	"go.eggybyte.com/layerx/log"
)

// Source describes a configuration source that can load and watch for
// updates. Implementations must be thread-safe and honor context
// cancellation.
type Source interface {
	// Load reads the current configuration snapshot for the initial diff.
	Load(ctx context.Context) (map[string]string, error)

	// Watch starts monitoring for updates and publishes full snapshots via
	// the returned channel. The channel should be closed when the context
	// is cancelled to avoid goroutine leaks.
	Watch(ctx context.Context) (<-chan map[string]string, error)
}

// Binding is a subscriber entity that can be bound to a key in exactly one
// registry. Prop implements it; custom subscribers may too.
type Binding interface {
	// Key returns the configuration key this binding subscribes to.
	Key() string

	// Attach marks the binding as bound; a second Attach is an error.
	Attach() error

	// Accept hands the binding the current raw effective value.
	// present=false means no layer defines the key anymore.
	Accept(value string, present bool)
}

// Registry resolves the effective value per key across all layers and
// delivers changes to bound subscribers.
type Registry interface {
	// Get returns the current effective value for a key. It is a direct,
	// synchronous read; it never subscribes and never triggers a refresh.
	Get(key string) (string, bool)

	// Snapshot returns a copy of the current effective configuration.
	Snapshot() map[string]string

	// Bind registers a subscriber under its key. If the key already has an
	// effective value it is pushed synchronously before Bind returns.
	// Binding the same entity twice is an error.
	Bind(b Binding) error

	// BindStruct decodes the effective configuration into a struct with
	// env/default tags. With WithUpdateCallback the struct is re-bound and
	// the callback invoked on every configuration change.
	BindStruct(target any, opts ...BindOption) error

	// OnUpdate subscribes to effective-configuration updates. Bursts are
	// coalesced; the callback always receives the latest snapshot.
	// Returns an unsubscribe function.
	OnUpdate(fn func(snapshot map[string]string)) (unsubscribe func())
}

// Options holds configuration for the registry.
type Options struct {
	Logger   log.Logger    // Logger for engine operations (required)
	Sources  []Source      // Sources in ascending precedence: later sources override earlier ones
	Debounce time.Duration // Debounce duration for source refreshes (default: 200ms)
	Workers  int           // Delivery worker pool size (default: 4)
}

// BindOption configures struct binding behavior.
type BindOption interface {
	apply(*bindConfig)
}

type bindConfig struct {
	onUpdate func()
	validate bool
}

type bindOptionFunc func(*bindConfig)

func (f bindOptionFunc) apply(cfg *bindConfig) {
	f(cfg)
}

// WithUpdateCallback re-binds the struct and invokes fn whenever the
// effective configuration changes.
func WithUpdateCallback(fn func()) BindOption {
	return bindOptionFunc(func(cfg *bindConfig) {
		cfg.onUpdate = fn
	})
}

// WithStructValidation runs validator struct tags after every bind.
func WithStructValidation() BindOption {
	return bindOptionFunc(func(cfg *bindConfig) {
		cfg.validate = true
	})
}

// registry wraps the internal implementation.
type registry struct {
	impl *internal.Registry
}

// New creates a registry over the given sources, performs the initial load,
// and starts watching every source. Layer priorities follow registration
// order: the last source always wins a key it defines.
func New(ctx context.Context, opts Options) (Registry, error) {
	if opts.Logger == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "logger is required")
	}
	if len(opts.Sources) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "at least one source is required")
	}

	internalSources := make([]internal.Source, len(opts.Sources))
	for i, src := range opts.Sources {
		internalSources[i] = src
	}

	impl, err := internal.NewRegistry(opts.Logger, internalSources, opts.Debounce, opts.Workers)
	if err != nil {
		return nil, err
	}

	if err := impl.Initialize(ctx); err != nil {
		return nil, err
	}

	return &registry{impl: impl}, nil
}

func (r *registry) Get(key string) (string, bool) {
	return r.impl.Get(key)
}

func (r *registry) Snapshot() map[string]string {
	return r.impl.Snapshot()
}

// dispatchConfigurable lets the registry hand a prop its shared delivery
// executor at bind time.
type dispatchConfigurable interface {
	configureDispatch(logger log.Logger, exec internal.Executor)
}

func (r *registry) Bind(b Binding) error {
	if b == nil {
		return errors.New(errors.CodeInvalidArgument, "binding cannot be nil")
	}
	if cfg, ok := b.(dispatchConfigurable); ok {
		cfg.configureDispatch(r.impl.Logger(), r.impl.Pool())
	}
	return r.impl.Bind(b)
}

func (r *registry) BindStruct(target any, opts ...BindOption) error {
	if target == nil {
		return errors.New(errors.CodeInvalidArgument, "target cannot be nil")
	}

	var cfg bindConfig
	for _, opt := range opts {
		opt.apply(&cfg)
	}

	bind := func(snapshot map[string]string) error {
		if err := internal.BindStruct(snapshot, target); err != nil {
			return err
		}
		if cfg.validate {
			return ValidateStruct(nil, target)
		}
		return nil
	}

	if err := bind(r.impl.Snapshot()); err != nil {
		return err
	}

	if cfg.onUpdate != nil {
		r.impl.OnUpdate(func(snapshot map[string]string) {
			if err := bind(snapshot); err != nil {
				r.impl.Logger().Error(err, "failed to re-bind struct on update")
				return
			}
			cfg.onUpdate()
		})
	}

	return nil
}

func (r *registry) OnUpdate(fn func(snapshot map[string]string)) func() {
	return r.impl.OnUpdate(fn)
}

// --- Public wrappers for source constructors (delegating to internal) ---

// EnvOptions configures environment variable source behavior.
type EnvOptions = internal.EnvOptions

// FileOptions configures file source behavior.
type FileOptions = internal.FileOptions

// NATSOptions configures NATS source behavior.
type NATSOptions = internal.NATSOptions

// K8sOptions configures Kubernetes ConfigMap source behavior.
type K8sOptions = internal.K8sOptions

// NewEnvSource creates an environment variable configuration source.
func NewEnvSource(opts EnvOptions) Source {
	return internal.NewEnvSource(opts)
}

// NewFileSource creates a file-based configuration source (YAML or JSON,
// fsnotify-watched by default).
func NewFileSource(path string, opts FileOptions) Source {
	return internal.NewFileSource(path, opts)
}

// NewNATSSource creates a source fed by snapshots pushed over a NATS subject.
func NewNATSSource(subject string, opts NATSOptions) Source {
	return internal.NewNATSSource(subject, opts)
}

// NewK8sConfigMapSource creates a Kubernetes ConfigMap configuration source.
func NewK8sConfigMapSource(name string, opts K8sOptions) Source {
	return internal.NewK8sConfigMapSource(name, opts)
}
