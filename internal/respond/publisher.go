package respond

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

// Target is a registry publish key plus an optional subject suffix.
type Target struct {
	Key    string
	Suffix string
}

// To builds a Target.
func To(key string, suffix ...string) Target {
	t := Target{Key: key}
	if len(suffix) > 0 {
		t.Suffix = suffix[0]
	}
	return t
}

func (t Target) subject(reg *streams.Registry) (string, error) {
	if t.Suffix == "" {
		return reg.ResolvePublishSubject(t.Key)
	}
	return reg.Subject(t.Key, t.Suffix)
}

// Publisher publishes envelopes for one agent.
type Publisher struct {
	pub   bus.Publisher
	reg   *streams.Registry
	agent string
	L     log.Logger
}

// NewPublisher returns a Publisher.
func NewPublisher(pub bus.Publisher, reg *streams.Registry, agent string, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.Nop()
	}
	return &Publisher{pub: pub, reg: reg, agent: agent, L: logger.With("agent", agent)}
}

// Publish sends env to orchestrator_response, then to each domain target.
// Only the primary publish can fail the call.
func (p *Publisher) Publish(ctx context.Context, env Envelope, domain ...Target) error {
	return p.PublishTo(ctx, To(streams.KeyOrchestratorResponse), env, domain...)
}

// PublishTo sends env to primary, then to each domain target. Domain
// publishes are fire-and-forget: failures are logged and never returned.
func (p *Publisher) PublishTo(ctx context.Context, primary Target, env Envelope, domain ...Target) error {
	if env.Agent == "" {
		env.Agent = p.agent
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subj, err := primary.subject(p.reg)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(ctx, subj, data); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}

	for _, t := range domain {
		p.emit(ctx, t, data, env.AlertID)
	}
	return nil
}

// PublishJSON marshals v and publishes it to target. Use it for payloads
// that are not result envelopes.
func (p *Publisher) PublishJSON(ctx context.Context, target Target, v any, opts ...bus.PublishOption) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", target.Key, err)
	}
	subj, err := target.subject(p.reg)
	if err != nil {
		return err
	}
	if err := p.pub.Publish(ctx, subj, data, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// EmitJSON is the fire-and-forget form of PublishJSON.
func (p *Publisher) EmitJSON(ctx context.Context, target Target, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		p.L.Warn(ctx, "domain payload not encodable", "key", target.Key, "error", err)
		return
	}
	p.emit(ctx, target, data, "")
}

func (p *Publisher) emit(ctx context.Context, t Target, data []byte, alertID string) {
	subj, err := t.subject(p.reg)
	if err != nil {
		p.L.Warn(ctx, "domain subject not resolved", "key", t.Key, "alert_id", alertID, "error", err)
		return
	}
	if err := p.pub.Publish(ctx, subj, data); err != nil {
		p.L.Warn(ctx, "domain publish failed", "subject", subj, "alert_id", alertID, "error", err)
	}
}

// PublishFailure reports a non-retryable failure for alertID to the
// orchestrator.
func (p *Publisher) PublishFailure(ctx context.Context, alertID string, err error) error {
	return p.Publish(ctx, ErrorEnvelope(p.agent, alertID, err))
}
