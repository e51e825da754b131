package layerx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go.eggybyte.com/layerx/log"
)

// fakeSource is an in-memory source whose snapshot can be pushed at will.
type fakeSource struct {
	mu   sync.Mutex
	data map[string]string
	ch   chan map[string]string
}

func newFakeSource(data map[string]string) *fakeSource {
	return &fakeSource{
		data: data,
		ch:   make(chan map[string]string, 16),
	}
}

func (s *fakeSource) Load(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out, nil
}

func (s *fakeSource) Watch(ctx context.Context) (<-chan map[string]string, error) {
	return s.ch, nil
}

// push publishes a new full snapshot through the watch channel.
func (s *fakeSource) push(data map[string]string) {
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	s.ch <- data
}

func newTestRegistry(t *testing.T, sources ...Source) Registry {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	reg, err := New(ctx, Options{
		Logger:   log.Nop(),
		Sources:  sources,
		Debounce: 5 * time.Millisecond,
		Workers:  2,
	})
	require.NoError(t, err)
	return reg
}

func TestNew_Validation(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, Options{Sources: []Source{newFakeSource(nil)}})
	require.Error(t, err, "nil logger must be rejected")

	_, err = New(ctx, Options{Logger: log.Nop()})
	require.Error(t, err, "empty source list must be rejected")
}

func TestRegistry_LaterSourceWins(t *testing.T) {
	low := newFakeSource(map[string]string{"db.host": "low", "db.port": "5432"})
	high := newFakeSource(map[string]string{"db.host": "high"})

	reg := newTestRegistry(t, low, high)

	v, ok := reg.Get("db.host")
	require.True(t, ok)
	require.Equal(t, "high", v)

	v, ok = reg.Get("db.port")
	require.True(t, ok)
	require.Equal(t, "5432", v)
}

func TestRegistry_OwnerRelinquishFallsBack(t *testing.T) {
	low := newFakeSource(map[string]string{"db.host": "v1"})
	high := newFakeSource(map[string]string{"db.host": "v2"})

	reg := newTestRegistry(t, low, high)

	v, _ := reg.Get("db.host")
	require.Equal(t, "v2", v)

	// The overriding layer stops defining the key; the value must fall back
	// to the next layer down, not disappear.
	high.push(map[string]string{})

	require.Eventually(t, func() bool {
		v, ok := reg.Get("db.host")
		return ok && v == "v1"
	}, 2*time.Second, 5*time.Millisecond)

	// And once nobody defines it, it is gone.
	low.push(map[string]string{})

	require.Eventually(t, func() bool {
		_, ok := reg.Get("db.host")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_BindBeforeDefinition(t *testing.T) {
	src := newFakeSource(map[string]string{"other": "x"})
	reg := newTestRegistry(t, src)

	prop := NewProp[bool]("feature.enabled")
	require.NoError(t, reg.Bind(prop))

	_, ok := prop.Value()
	require.False(t, ok, "unbound key must have no value")

	got := make(chan bool, 1)
	prop.OnUpdate(func(v bool) {
		select {
		case got <- v:
		default:
		}
	})

	src.push(map[string]string{"other": "x", "feature.enabled": "true"})

	select {
	case v := <-got:
		require.True(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no update after the key was defined")
	}

	v, ok := prop.Value()
	require.True(t, ok)
	require.True(t, v)
}

func TestRegistry_PropCoalescesBursts(t *testing.T) {
	src := newFakeSource(map[string]string{"counter": "0"})
	reg := newTestRegistry(t, src)

	prop := NewProp[int]("counter")
	require.NoError(t, reg.Bind(prop))

	var calls atomic.Int64
	var last atomic.Int64
	prop.OnUpdate(func(v int) {
		calls.Add(1)
		last.Store(int64(v))
		time.Sleep(time.Millisecond)
	})

	const rounds = 50
	for i := 1; i <= rounds; i++ {
		src.push(map[string]string{"counter": fmt.Sprintf("%d", i)})
	}

	require.Eventually(t, func() bool {
		return last.Load() == rounds
	}, 5*time.Second, 5*time.Millisecond, "subscriber must converge on the newest value")

	require.Less(t, calls.Load(), int64(rounds), "bursts must be coalesced")
}

func TestRegistry_BindProp_Twice(t *testing.T) {
	src := newFakeSource(map[string]string{"k": "v"})
	reg := newTestRegistry(t, src)

	prop := NewProp[string]("k")
	require.NoError(t, reg.Bind(prop))
	require.Error(t, reg.Bind(prop))
}

type serverConfig struct {
	Host    string        `env:"server.host" default:"localhost"`
	Port    int           `env:"server.port" default:"8080" validate:"gte=1,lte=65535"`
	Timeout time.Duration `env:"server.timeout" default:"30s"`
}

func TestRegistry_BindStruct(t *testing.T) {
	src := newFakeSource(map[string]string{
		"server.host": "example.com",
		"server.port": "9000",
	})
	reg := newTestRegistry(t, src)

	var cfg serverConfig
	require.NoError(t, reg.BindStruct(&cfg))

	require.Equal(t, "example.com", cfg.Host)
	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestRegistry_BindStruct_UpdateCallback(t *testing.T) {
	src := newFakeSource(map[string]string{"server.port": "9000"})
	reg := newTestRegistry(t, src)

	cfg := serverConfig{}
	updated := make(chan struct{}, 1)

	err := reg.BindStruct(&cfg, WithUpdateCallback(func() {
		select {
		case updated <- struct{}{}:
		default:
		}
	}))
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)

	src.push(map[string]string{"server.port": "9100"})

	select {
	case <-updated:
	case <-time.After(2 * time.Second):
		t.Fatal("update callback never fired")
	}

	// The channel send happens after the re-bind, so the read is ordered.
	require.Equal(t, 9100, cfg.Port)
}

func TestRegistry_BindStruct_Validation(t *testing.T) {
	src := newFakeSource(map[string]string{"server.port": "99999"})
	reg := newTestRegistry(t, src)

	var cfg serverConfig
	err := reg.BindStruct(&cfg, WithStructValidation())
	require.Error(t, err, "out-of-range port must fail validation")
}

func TestRegistry_OnUpdate(t *testing.T) {
	src := newFakeSource(map[string]string{"k": "v1"})
	reg := newTestRegistry(t, src)

	snapshots := make(chan map[string]string, 16)
	unsubscribe := reg.OnUpdate(func(snapshot map[string]string) {
		snapshots <- snapshot
	})
	defer unsubscribe()

	src.push(map[string]string{"k": "v2"})

	require.Eventually(t, func() bool {
		select {
		case s := <-snapshots:
			return s["k"] == "v2"
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}
