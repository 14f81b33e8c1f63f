package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

// MaxErrorBackoff caps the wait after a failed publish.
const MaxErrorBackoff = 10 * time.Second

var (
	ErrAlreadyStarted = errors.New("status: publisher already started")
	ErrNotStarted     = errors.New("status: publisher not started")
)

const (
	stateNew int32 = iota
	stateRunning
	stateStopped
)

// Config configures a Publisher.
type Config struct {
	ID       string
	Name     string
	Version  string
	Interval time.Duration
	Sampler  Sampler
	Logger   log.Logger
	Metrics  *Metrics
}

// Publisher emits a Record every Interval until stopped. It is single use:
// once stopped it cannot be started again.
type Publisher struct {
	pub     bus.Publisher
	subject string
	cfg     Config
	L       log.Logger
	now     func() time.Time
	started time.Time

	errCount atomic.Int64
	mu       sync.Mutex
	lastErr  string

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher resolves the status subject for cfg.ID and returns an
// unstarted publisher.
func NewPublisher(pub bus.Publisher, reg *streams.Registry, cfg Config) (*Publisher, error) {
	if cfg.ID == "" {
		return nil, errors.New("status: agent id is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("status: invalid interval %s", cfg.Interval)
	}
	subject, err := reg.Subject(streams.KeyAgentStatus, cfg.ID)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}
	if cfg.Sampler == nil {
		cfg.Sampler = NewProcSampler()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Publisher{
		pub:     pub,
		subject: subject,
		cfg:     cfg,
		L:       cfg.Logger.With("agent", cfg.ID, "subject", subject),
		now:     time.Now,
		started: time.Now(),
		done:    make(chan struct{}),
	}, nil
}

// Subject returns the subject records are published on.
func (p *Publisher) Subject() string { return p.subject }

// RecordError increments the error counter and remembers err.
func (p *Publisher) RecordError(err error) {
	p.errCount.Add(1)
	if err == nil {
		return
	}
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

// ResetErrors clears the error counter and last error.
func (p *Publisher) ResetErrors() {
	p.errCount.Store(0)
	p.mu.Lock()
	p.lastErr = ""
	p.mu.Unlock()
}

// ErrorCount returns the current error counter.
func (p *Publisher) ErrorCount() int { return int(p.errCount.Load()) }

// Record builds the current record. A non-empty override replaces the
// computed status.
func (p *Publisher) Record(override Status) Record {
	s := p.cfg.Sampler.Sample()
	n := p.ErrorCount()

	p.mu.Lock()
	lastErr := p.lastErr
	p.mu.Unlock()

	now := p.now()
	st := override
	if st == "" {
		st = DetermineStatus(n, s.MemoryMB, s.CPUPercent)
	}
	return Record{
		ID:              p.cfg.ID,
		Name:            p.cfg.Name,
		Status:          st,
		Timestamp:       now.UTC().Format(time.RFC3339),
		Version:         p.cfg.Version,
		MemoryUsageMB:   s.MemoryMB,
		CPUUsagePercent: s.CPUPercent,
		UptimeSeconds:   now.Sub(p.started).Seconds(),
		ErrorCount:      n,
		Metadata: Metadata{
			LastError:       lastErr,
			PublishInterval: p.cfg.Interval.Seconds(),
		},
	}
}

func (p *Publisher) publish(ctx context.Context, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	err = p.pub.Publish(ctx, p.subject, data)
	p.cfg.Metrics.observe(p.cfg.ID, r, err)
	return err
}

// Start publishes the first record synchronously, then launches the
// periodic publish loop.
func (p *Publisher) Start(ctx context.Context) error {
	if !p.state.CompareAndSwap(stateNew, stateRunning) {
		return ErrAlreadyStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	wait := p.tick(ctx)
	go p.loop(ctx, wait)
	p.L.Info(ctx, "status publisher started", "interval", p.cfg.Interval.String())
	return nil
}

// tick publishes one record and returns the wait before the next one.
func (p *Publisher) tick(ctx context.Context) time.Duration {
	if err := p.publish(ctx, p.Record("")); err != nil {
		if ctx.Err() != nil {
			return p.cfg.Interval
		}
		p.RecordError(err)
		p.L.Warn(ctx, "status publish failed", "error", err, "error_count", p.ErrorCount())
		return min(p.cfg.Interval, MaxErrorBackoff)
	}
	if n := p.errCount.Load(); n > 0 {
		p.errCount.CompareAndSwap(n, n-1)
	}
	return p.cfg.Interval
}

func (p *Publisher) loop(ctx context.Context, wait time.Duration) {
	defer close(p.done)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		timer.Reset(p.tick(ctx))
	}
}

// Stop cancels the loop, waits for it to exit, then publishes a final
// inactive record. The final publish is best effort and bounded by ctx.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.state.CompareAndSwap(stateRunning, stateStopped) {
		if p.state.Load() == stateNew {
			return ErrNotStarted
		}
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.publish(ctx, p.Record(Inactive)); err != nil {
		p.L.Warn(ctx, "final status publish failed", "error", err)
	}
	p.L.Info(ctx, "status publisher stopped")
	return nil
}
