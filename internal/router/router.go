// Package router binds durable consumers to handlers and owns the
// receive, decode, dispatch, ack/nak discipline for one agent. A Router
// reconnects with a fixed backoff whenever its bus session fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
)

// DefaultBackoff is the wait between connect attempts.
const DefaultBackoff = 30 * time.Second

// StatusReporter is the slice of the status publisher the router drives.
type StatusReporter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	RecordError(err error)
	ResetErrors()
}

// FailureSink reports a non-retryable handler failure downstream.
type FailureSink interface {
	PublishFailure(ctx context.Context, alertID string, err error) error
}

// Config configures a Router.
type Config struct {
	Agent    string
	Session  *bus.Session
	Registry *streams.Registry
	Status   StatusReporter
	Failures FailureSink
	Backoff  time.Duration
	Logger   log.Logger
	Metrics  *Metrics
	Tracer   trace.Tracer
}

// Router runs every binding of one agent.
type Router struct {
	cfg      Config
	bindings []Binding
	L        log.Logger
	tracer   trace.Tracer
}

// New validates bindings against the registry and returns a Router.
func New(cfg Config, bindings []Binding) (*Router, error) {
	if cfg.Session == nil || cfg.Registry == nil {
		return nil, errors.New("router: session and registry are required")
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/linnemanlabs/relay/internal/router")
	}

	var errs []error
	seen := make(map[string]bool, len(bindings))
	resolved := make([]Binding, 0, len(bindings))
	for _, b := range bindings {
		switch {
		case b.Name == "":
			errs = append(errs, fmt.Errorf("binding for %q has no name", b.Subject))
			continue
		case b.Handler == nil:
			errs = append(errs, fmt.Errorf("binding %s has no handler", b.Name))
			continue
		case b.Durable == "":
			errs = append(errs, fmt.Errorf("binding %s has no durable name", b.Name))
			continue
		case seen[b.Name]:
			errs = append(errs, fmt.Errorf("duplicate binding %s", b.Name))
			continue
		}
		seen[b.Name] = true

		if err := cfg.Registry.ValidateSubjects(b.Subject); err != nil {
			errs = append(errs, fmt.Errorf("binding %s: %w", b.Name, err))
			continue
		}
		if b.Stream == "" {
			b.Stream, _ = cfg.Registry.ResolveStreamForSubject(b.Subject)
		}
		cc := b.consumerConfig()
		if err := cc.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("binding %s: %w", b.Name, err))
			continue
		}
		b.MaxDeliver, b.AckWait = cc.MaxDeliver, cc.AckWait
		resolved = append(resolved, b)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return &Router{
		cfg:      cfg,
		bindings: resolved,
		L:        cfg.Logger.With("agent", cfg.Agent),
		tracer:   cfg.Tracer,
	}, nil
}

// Bindings returns the resolved bindings.
func (r *Router) Bindings() []Binding {
	out := make([]Binding, len(r.bindings))
	copy(out, r.bindings)
	return out
}

// Run connects, starts the status reporter, and consumes every binding
// until ctx is done. Connection failures end the current session; the
// router waits Backoff and reconnects indefinitely. Run returns nil after
// a clean shutdown.
func (r *Router) Run(ctx context.Context) error {
	statusStarted := false
	defer func() {
		_ = r.cfg.Session.Reset()
		if statusStarted {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := r.cfg.Status.Stop(stopCtx); err != nil {
				r.L.Warn(stopCtx, "status publisher stop failed", "error", err)
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := r.connect(ctx); err != nil {
			r.L.Warn(ctx, "bus connect failed, retrying", "error", err, "backoff", r.cfg.Backoff.String())
			if !r.sleep(ctx) {
				return nil
			}
			continue
		}

		if r.cfg.Status != nil && !statusStarted {
			if err := r.cfg.Status.Start(ctx); err != nil {
				return fmt.Errorf("start status publisher: %w", err)
			}
			statusStarted = true
		}

		r.L.Info(ctx, "consuming", "bindings", len(r.bindings))
		err := r.serve(ctx)
		_ = r.cfg.Session.Reset()
		if ctx.Err() != nil {
			return nil
		}

		r.recordError(err)
		r.L.Error(ctx, err, "bus session ended, reconnecting", "backoff", r.cfg.Backoff.String())
		if !r.sleep(ctx) {
			return nil
		}
	}
}

func (r *Router) connect(ctx context.Context) error {
	err := r.cfg.Session.Connect(ctx)
	if err == nil {
		err = r.cfg.Session.EnsureStreams(ctx, r.cfg.Registry.Streams())
		if err != nil {
			_ = r.cfg.Session.Reset()
		}
	}
	if m := r.cfg.Metrics; m != nil {
		result := "success"
		if err != nil {
			result = "error"
		}
		m.ReconnectsTotal.WithLabelValues(r.cfg.Agent, result).Inc()
	}
	return err
}

func (r *Router) sleep(ctx context.Context) bool {
	t := time.NewTimer(r.cfg.Backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (r *Router) recordError(err error) {
	if r.cfg.Status != nil && err != nil {
		r.cfg.Status.RecordError(err)
	}
}

func (r *Router) serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range r.bindings {
		g.Go(func() error { return r.consume(gctx, b) })
	}
	return g.Wait()
}

func (r *Router) consume(ctx context.Context, b Binding) error {
	sub, err := r.cfg.Session.Subscribe(ctx, b.consumerConfig())
	if err != nil {
		return fmt.Errorf("bind %s: %w", b.Name, err)
	}
	defer sub.Stop() //nolint:errcheck

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive %s: %w", b.Name, err)
		}
		r.handle(ctx, b, msg)
	}
}

// Outcome labels.
const (
	OutcomeAck         = "ack"
	OutcomeNak         = "nak"
	OutcomePermanent   = "permanent"
	OutcomeDecodeError = "decode_error"
)

func (r *Router) handle(ctx context.Context, b Binding, msg bus.Message) {
	g := bus.Guard(msg)
	start := time.Now()

	// the handler finishes even if shutdown begins mid-message
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.AckWait)
	defer cancel()

	hctx, span := r.tracer.Start(hctx, "router."+b.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject()),
			attribute.String("messaging.consumer.group.name", b.Durable),
			attribute.Int("messaging.delivery.count", msg.Delivered()),
			attribute.String("relay.agent", r.cfg.Agent),
		),
	)
	defer span.End()

	L := r.L.With("binding", b.Name, "subject", msg.Subject(), "delivered", msg.Delivered())

	if msg.Delivered() > 1 && r.cfg.Metrics != nil {
		r.cfg.Metrics.Redeliveries.WithLabelValues(r.cfg.Agent, b.Name).Inc()
	}

	var outcome string
	d, err := decode(b.Name, msg)
	if err != nil {
		outcome = OutcomeDecodeError
		L.Warn(hctx, "undecodable payload", "error", err)
		r.recordError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "decode failed")
		if nerr := g.Nak(); nerr != nil {
			L.Warn(hctx, "nak failed", "error", nerr)
		}
	} else {
		alertID := d.AlertID()
		L = L.With("alert_id", alertID)
		span.SetAttributes(attribute.String("relay.alert_id", alertID))

		err = b.Handler(log.WithContext(hctx, L), d)
		switch {
		case err == nil:
			outcome = OutcomeAck
			if aerr := g.Ack(); aerr != nil {
				L.Warn(hctx, "ack failed", "error", aerr)
			}
			if r.cfg.Status != nil {
				r.cfg.Status.ResetErrors()
			}
		case IsPermanent(err):
			outcome = OutcomePermanent
			L.Error(hctx, err, "handler failed permanently, acking")
			span.RecordError(err)
			span.SetStatus(codes.Error, "permanent failure")
			if aerr := g.Ack(); aerr != nil {
				L.Warn(hctx, "ack failed", "error", aerr)
			}
			switch {
			case r.cfg.Failures == nil:
			case alertID == "":
				// an error envelope without an id cannot be routed and would
				// fail the orchestrator's own response binding in turn
				L.Error(hctx, err, "failure without alert_id not reported downstream")
			default:
				if perr := r.cfg.Failures.PublishFailure(hctx, alertID, err); perr != nil {
					L.Warn(hctx, "failure report not published", "error", perr)
				}
			}
		default:
			outcome = OutcomeNak
			L.Error(hctx, err, "handler failed, nakking for redelivery")
			r.recordError(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "handler failed")
			if nerr := g.Nak(); nerr != nil {
				L.Warn(hctx, "nak failed", "error", nerr)
			}
		}
	}

	dropped := g.Outcome() == bus.Nacked && msg.Delivered() >= b.MaxDeliver
	if dropped {
		L.Error(hctx, err, "message dropped after max deliveries", "max_deliver", b.MaxDeliver)
	}

	if m := r.cfg.Metrics; m != nil {
		m.MessagesTotal.WithLabelValues(r.cfg.Agent, b.Name, outcome).Inc()
		m.HandlerDuration.WithLabelValues(r.cfg.Agent, b.Name).Observe(time.Since(start).Seconds())
		if dropped {
			m.DroppedTotal.WithLabelValues(r.cfg.Agent, b.Name).Inc()
		}
	}
}

var _ StatusReporter = (*status.Publisher)(nil)
