package agents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/respond"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/status"
)

// DefaultStatusInterval is how often each agent publishes its status.
const DefaultStatusInterval = 30 * time.Second

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Dialer bus.Dialer
	Deps   Deps
	// Agents to run; nil means All.
	Agents         []string
	Version        string
	StatusInterval time.Duration
	Sampler        status.Sampler
	Backoff        time.Duration
	RouterMetrics  *router.Metrics
	StatusMetrics  *status.Metrics
}

type agentRun struct {
	worker  Worker
	session *bus.Session
	router  *router.Router
}

// Runner runs a set of agents in one process. Every agent has its own bus
// session, so one agent's connection failure never stalls the others.
type Runner struct {
	agents []agentRun
	L      log.Logger
}

// NewRunner builds every configured agent and validates its bindings.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("agents: dialer is required")
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	names := cfg.Agents
	if names == nil {
		names = All
	}
	logger := cfg.Deps.Logger
	if logger == nil {
		logger = log.Nop()
	}

	r := &Runner{L: logger}
	for _, name := range names {
		session := bus.NewSession(cfg.Dialer)
		w, err := New(name, cfg.Deps, session)
		if err != nil {
			return nil, err
		}
		st, err := status.NewPublisher(session, cfg.Deps.Registry, status.Config{
			ID:       name,
			Name:     name + " agent",
			Version:  cfg.Version,
			Interval: cfg.StatusInterval,
			Sampler:  cfg.Sampler,
			Logger:   logger,
			Metrics:  cfg.StatusMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		rt, err := router.New(router.Config{
			Agent:    name,
			Session:  session,
			Registry: cfg.Deps.Registry,
			Status:   st,
			Failures: respond.NewPublisher(session, cfg.Deps.Registry, name, logger),
			Backoff:  cfg.Backoff,
			Logger:   logger,
			Metrics:  cfg.RouterMetrics,
		}, w.Bindings())
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", name, err)
		}
		r.agents = append(r.agents, agentRun{worker: w, session: session, router: rt})
	}
	return r, nil
}

// Run runs every agent until ctx is done. It returns the first agent
// failure, which also stops the others.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range r.agents {
		g.Go(func() error {
			if err := a.router.Run(gctx); err != nil {
				return fmt.Errorf("agent %s: %w", a.worker.Name(), err)
			}
			return nil
		})
		if bg, ok := a.worker.(Background); ok {
			g.Go(func() error { return bg.Background(gctx) })
		}
	}
	r.L.Info(ctx, "agents started", "count", len(r.agents))
	return g.Wait()
}

// Connected reports whether every agent currently holds a bus connection.
func (r *Runner) Connected() bool {
	for _, a := range r.agents {
		if !a.session.Connected() {
			return false
		}
	}
	return true
}

// Bindings returns the resolved bindings of every agent, keyed by agent.
func (r *Runner) Bindings() map[string][]router.Binding {
	out := make(map[string][]router.Binding, len(r.agents))
	for _, a := range r.agents {
		out[a.worker.Name()] = a.router.Bindings()
	}
	return out
}
