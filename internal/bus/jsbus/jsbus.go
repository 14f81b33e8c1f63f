// Package jsbus implements bus.Bus on NATS JetStream using pull consumers
// with explicit acknowledgement.
package jsbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

var tracer = otel.Tracer("github.com/linnemanlabs/relay/internal/bus/jsbus")

// Options tunes the connection.
type Options struct {
	// Name identifies the client to the server.
	Name string
	// MaxReconnects bounds transparent client reconnects before the
	// connection is closed and ErrConnection surfaces. Negative is unlimited.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	// FetchWait bounds a single pull; Next re-polls until ctx is done.
	FetchWait time.Duration
	// MaxAge caps stream retention. Zero keeps messages indefinitely.
	MaxAge time.Duration
	Logger log.Logger
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "relay"
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = 10
	}
	if o.ReconnectWait == 0 {
		o.ReconnectWait = 2 * time.Second
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	if o.FetchWait == 0 {
		o.FetchWait = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	return o
}

// Bus is a JetStream connection.
type Bus struct {
	nc   *nats.Conn
	js   jetstream.JetStream
	opts Options
}

var _ bus.Bus = (*Bus)(nil)

// Dialer connects to a fixed URL.
type Dialer struct {
	URL  string
	Opts Options
}

// Dial implements bus.Dialer.
func (d Dialer) Dial(ctx context.Context) (bus.Bus, error) {
	return Connect(ctx, d.URL, d.Opts)
}

// Connect dials url and opens a JetStream context.
func Connect(ctx context.Context, url string, opts Options) (*Bus, error) {
	opts = opts.withDefaults()
	L := opts.Logger

	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.Timeout(opts.Timeout),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				L.Warn(context.Background(), "nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			L.Info(context.Background(), "nats reconnected", "url", c.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			L.Info(context.Background(), "nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect %s: %w", bus.ErrConnection, url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream: %w", bus.ErrConnection, err)
	}

	L.Info(ctx, "connected to nats", "url", nc.ConnectedUrlRedacted(), "server_id", nc.ConnectedServerId())
	return &Bus{nc: nc, js: js, opts: opts}, nil
}

func (b *Bus) connErr(err error) error {
	if b.nc.IsClosed() || errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrNoServers) {
		return fmt.Errorf("%w: %w", bus.ErrConnection, err)
	}
	return err
}

// Publish implements bus.Publisher. The call returns after the server
// acknowledged storage.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte, opts ...bus.PublishOption) error {
	o := bus.ApplyPublishOptions(opts)

	msg := &nats.Msg{Subject: subject, Data: data}
	if len(o.Headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range o.Headers {
			msg.Header.Set(k, v)
		}
	}
	var popts []jetstream.PublishOpt
	if o.MsgID != "" {
		popts = append(popts, jetstream.WithMsgID(o.MsgID))
	}

	ctx, span := tracer.Start(ctx, "jsbus.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", subject),
			attribute.Int("messaging.message.body.size", len(data)),
		),
	)
	defer span.End()

	if _, err := b.js.PublishMsg(ctx, msg, popts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if err := b.connErr(err); errors.Is(err, bus.ErrConnection) {
			return err
		}
		if errors.Is(err, jetstream.ErrNoStreamResponse) {
			return &bus.PublishError{Subject: subject, Err: fmt.Errorf("%w: %w", bus.ErrNoStream, err)}
		}
		return &bus.PublishError{Subject: subject, Err: err}
	}
	return nil
}

// EnsureStreams creates each stream or updates it in place.
func (b *Bus) EnsureStreams(ctx context.Context, defs []streams.Stream) error {
	for _, d := range defs {
		_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:        d.Name,
			Description: d.Description,
			Subjects:    d.Subjects,
			Retention:   jetstream.LimitsPolicy,
			Storage:     jetstream.FileStorage,
			MaxAge:      b.opts.MaxAge,
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", d.Name, b.connErr(err))
		}
	}
	return nil
}

// Subscribe creates or updates the consumer and returns a pull subscription.
// The queue group is recorded as the consumer description; JetStream pull
// consumers load-balance across every client bound to the same durable.
func (b *Bus) Subscribe(ctx context.Context, cfg bus.ConsumerConfig) (bus.Subscription, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		Description:   cfg.QueueGroup,
		FilterSubject: cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
	if cfg.DeliverPolicy == bus.DeliverNew {
		cc.DeliverPolicy = jetstream.DeliverNewPolicy
	}

	var (
		cons jetstream.Consumer
		err  error
	)
	if cfg.Durable == "" {
		cc.InactiveThreshold = max(cfg.AckWait, time.Minute)
		cons, err = b.js.CreateConsumer(ctx, cfg.Stream, cc)
	} else {
		cons, err = b.js.CreateOrUpdateConsumer(ctx, cfg.Stream, cc)
	}
	if err != nil {
		return nil, fmt.Errorf("consumer %s on %s: %w", cfg.Durable, cfg.Stream, b.connErr(err))
	}

	return &subscription{b: b, cons: cons, stream: cfg.Stream, ephemeral: cfg.Durable == ""}, nil
}

// Close closes the connection. Durable consumers remain on the server.
func (b *Bus) Close() error {
	b.nc.Close()
	return nil
}

type subscription struct {
	b         *Bus
	cons      jetstream.Consumer
	stream    string
	ephemeral bool
	stopped   atomic.Bool
}

func (s *subscription) Next(ctx context.Context) (bus.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.stopped.Load() {
			return nil, bus.ErrSubscriptionClosed
		}
		if s.b.nc.IsClosed() {
			return nil, bus.ErrConnection
		}

		wait := s.b.opts.FetchWait
		if dl, ok := ctx.Deadline(); ok {
			wait = min(wait, max(time.Until(dl), 10*time.Millisecond))
		}

		batch, err := s.cons.Fetch(1, jetstream.FetchMaxWait(wait))
		if err != nil {
			if err := s.b.connErr(err); errors.Is(err, bus.ErrConnection) {
				return nil, err
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, err
		}
		for m := range batch.Messages() {
			return wrap(m), nil
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, s.b.connErr(err)
		}
	}
}

func (s *subscription) Stop() error {
	if s.stopped.Swap(true) {
		return nil
	}
	if !s.ephemeral || s.b.nc.IsClosed() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.b.opts.Timeout)
	defer cancel()
	if err := s.b.js.DeleteConsumer(ctx, s.stream, s.cons.CachedInfo().Name); err != nil && !errors.Is(err, jetstream.ErrConsumerNotFound) {
		return fmt.Errorf("delete ephemeral consumer: %w", err)
	}
	return nil
}

type message struct {
	m         jetstream.Msg
	delivered int
}

func wrap(m jetstream.Msg) *message {
	n := 1
	if md, err := m.Metadata(); err == nil && md.NumDelivered > 0 {
		n = int(md.NumDelivered)
	}
	return &message{m: m, delivered: n}
}

func (m *message) Subject() string { return m.m.Subject() }
func (m *message) Data() []byte    { return m.m.Data() }
func (m *message) Delivered() int  { return m.delivered }
func (m *message) Ack() error      { return m.m.Ack() }
func (m *message) Nak() error      { return m.m.Nak() }

func (m *message) Headers() map[string]string {
	h := m.m.Headers()
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
