package internal

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"go.eggybyte.com/layerx/errors"
	"go.eggybyte.com/layerx/log"
)

// NATSOptions configures the NATS source.
type NATSOptions struct {
	URL            string        // NATS server URL (default: nats.DefaultURL)
	Format         string        // Payload format: "yaml" (default) or "json"
	RequestTimeout time.Duration // Timeout for the snapshot request (default: 5s)
	Logger         log.Logger
}

// NATSSource receives full configuration snapshots pushed over a NATS
// subject by an external config bus. Load issues a request on
// "<subject>.get" so a freshly started process does not have to wait for
// the next push; a missing responder loads as an empty snapshot.
type NATSSource struct {
	url     string
	subject string
	format  string
	timeout time.Duration
	logger  log.Logger

	nc *nats.Conn
}

// NewNATSSource creates a source subscribed to the given subject.
func NewNATSSource(subject string, opts NATSOptions) *NATSSource {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}

	format := opts.Format
	if format == "" {
		format = "yaml"
	}

	timeout := opts.RequestTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	return &NATSSource{
		url:     url,
		subject: subject,
		format:  format,
		timeout: timeout,
		logger:  logger,
	}
}

// Name identifies the source in logs.
func (s *NATSSource) Name() string {
	return "nats:" + s.subject
}

func (s *NATSSource) connect() error {
	if s.nc != nil && s.nc.IsConnected() {
		return nil
	}

	nc, err := nats.Connect(s.url,
		nats.Name("layerx"),
		nats.Timeout(s.timeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return errors.Wrap(errors.CodeUnavailable, "layerx.nats", err)
	}
	s.nc = nc
	return nil
}

// Load requests the current snapshot from the config bus. No responder on
// the snapshot subject is not an error: the source starts empty and fills
// on the first push.
func (s *NATSSource) Load(ctx context.Context) (map[string]string, error) {
	if err := s.connect(); err != nil {
		return nil, err
	}

	msg, err := s.nc.RequestWithContext(ctx, s.subject+".get", nil)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			s.logger.Debug("no snapshot responder, starting empty", log.Str("subject", s.subject))
			return make(map[string]string), nil
		}
		return nil, errors.Wrapf(errors.CodeUnavailable, "layerx.nats", err, "request %s.get", s.subject)
	}

	return ParseSnapshot(msg.Data, s.format)
}

// Watch subscribes to the snapshot subject and forwards each pushed
// snapshot. Malformed payloads are logged and skipped.
func (s *NATSSource) Watch(ctx context.Context) (<-chan map[string]string, error) {
	if err := s.connect(); err != nil {
		return nil, err
	}

	ch := make(chan map[string]string, 1)

	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		snapshot, err := ParseSnapshot(msg.Data, s.format)
		if err != nil {
			s.logger.Error(err, "discarding malformed snapshot", log.Str("subject", s.subject))
			return
		}
		select {
		case ch <- snapshot:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, errors.Wrapf(errors.CodeUnavailable, "layerx.nats", err, "subscribe %s", s.subject)
	}

	// The channel is deliberately left open: an in-flight handler may still
	// be selecting on it when the context fires. Consumers exit via ctx.
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		s.nc.Close()
	}()

	return ch, nil
}
