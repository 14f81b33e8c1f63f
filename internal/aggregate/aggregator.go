// Package aggregate collects per-alert contributor results into a composite
// and forwards it downstream, either when every expected contributor has
// responded or when the alert's window expires (partial data).
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/respond"
)

// Defaults.
const (
	DefaultTimeout       = 300 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultRetention     = time.Hour
)

// ForwardFunc delivers a finalized composite. An error leaves the window
// open so a later completion or sweep retries.
type ForwardFunc func(ctx context.Context, c Composite) error

// Snapshot is a persisted window that was never forwarded.
type Snapshot struct {
	AlertID string
	Opened  time.Time
	Results map[string]map[string]any
}

// Journal persists contributor results outside the process so open windows
// survive a restart and are visible to every orchestrator replica.
type Journal interface {
	// SaveResult stores one contributor result and returns every result
	// stored for alertID in its current cycle.
	SaveResult(ctx context.Context, alertID, contributor string, result map[string]any) (map[string]map[string]any, error)
	// Pending returns every window not yet forwarded.
	Pending(ctx context.Context) ([]Snapshot, error)
}

// Config configures an Aggregator.
type Config struct {
	// Contributors expected when a window is opened without an explicit set.
	Contributors []string
	// Timeout is how long a window stays open before partial finalization.
	Timeout time.Duration
	// SweepInterval drives Run.
	SweepInterval time.Duration
	// Retention is how long finalized alert ids are remembered for late
	// result detection.
	Retention time.Duration
	Forward   ForwardFunc
	// Journal, when set, is written before Record returns and read by
	// Restore.
	Journal Journal
	Logger  log.Logger
	Metrics *Metrics
}

// Outcome is what Record did with a result.
type Outcome int

const (
	// Recorded stored the result; the window is still waiting.
	Recorded Outcome = iota
	// Completed stored the last expected result and forwarded the composite.
	Completed
	// Late means the window was already finalized; the result was ignored.
	Late
)

func (o Outcome) String() string {
	switch o {
	case Recorded:
		return "recorded"
	case Completed:
		return "completed"
	case Late:
		return "late"
	default:
		return "unknown"
	}
}

type window struct {
	alertID    string
	alert      map[string]any
	expected   []string
	results    map[string]map[string]any
	opened     time.Time
	deadline   time.Time
	forwarding bool
}

type due struct {
	w *window
	c Composite
}

func (w *window) merge(results map[string]map[string]any) {
	for name, r := range results {
		if _, ok := w.results[name]; !ok {
			w.results[name] = maps.Clone(r)
		}
	}
}

func (w *window) missing() []string {
	var out []string
	for _, c := range w.expected {
		if _, ok := w.results[c]; !ok {
			out = append(out, c)
		}
	}
	slices.Sort(out)
	return out
}

func (w *window) complete() bool {
	return len(w.missing()) == 0
}

func (w *window) composite(now time.Time) Composite {
	results := make(map[string]map[string]any, len(w.results))
	for k, v := range w.results {
		results[k] = maps.Clone(v)
	}
	missing := w.missing()
	if missing == nil {
		missing = []string{}
	}
	return Composite{
		AlertID:       w.alertID,
		Alert:         maps.Clone(w.alert),
		Contributors:  results,
		PartialData:   len(missing) > 0,
		MissingAgents: missing,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
}

// Aggregator holds open windows keyed by alert id. Each window is
// finalized exactly once. Duplicate results for the same contributor
// before finalization overwrite the earlier one.
type Aggregator struct {
	cfg Config
	L   log.Logger
	now func() time.Time

	mu       sync.Mutex
	windows  map[string]*window
	finished map[string]time.Time
}

// New returns an Aggregator.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Forward == nil {
		return nil, errors.New("aggregate: forward func is required")
	}
	if len(cfg.Contributors) == 0 {
		return nil, errors.New("aggregate: default contributors are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Nop()
	}
	return &Aggregator{
		cfg:      cfg,
		L:        cfg.Logger,
		now:      time.Now,
		windows:  make(map[string]*window),
		finished: make(map[string]time.Time),
	}, nil
}

func (a *Aggregator) openLocked(alertID string, now time.Time) *window {
	w := &window{
		alertID:  alertID,
		expected: slices.Clone(a.cfg.Contributors),
		results:  make(map[string]map[string]any),
		opened:   now,
		deadline: now.Add(a.cfg.Timeout),
	}
	a.windows[alertID] = w
	if m := a.cfg.Metrics; m != nil {
		m.WindowsOpened.Inc()
		m.OpenWindows.Set(float64(len(a.windows)))
	}
	return w
}

// Expect opens a window for alertID, or attaches the alert and contributor
// set to a window already opened by an early result. It reports false when
// the alert was already finalized. Nil contributors means the default set.
// If early results already satisfy the set, the composite is forwarded.
func (a *Aggregator) Expect(ctx context.Context, alertID string, alert map[string]any, contributors []string) (bool, error) {
	a.mu.Lock()
	if _, done := a.finished[alertID]; done {
		a.mu.Unlock()
		return false, nil
	}
	now := a.now()
	w, ok := a.windows[alertID]
	if !ok {
		w = a.openLocked(alertID, now)
	}
	w.alert = maps.Clone(alert)
	if len(contributors) > 0 {
		w.expected = slices.Clone(contributors)
	}
	if len(w.results) == 0 || !w.complete() || w.forwarding {
		a.mu.Unlock()
		return true, nil
	}
	w.forwarding = true
	c := w.composite(now)
	a.mu.Unlock()

	return true, a.forward(ctx, w, c)
}

// Record stores a contributor result, keyed by the envelope's agent. When it
// completes the window the composite is forwarded before Record returns; a
// forward error is returned and the window stays open.
func (a *Aggregator) Record(ctx context.Context, env respond.Envelope) (Outcome, error) {
	if env.AlertID == "" {
		return Recorded, errors.New("aggregate: result without alert_id")
	}
	if env.Agent == "" {
		return Recorded, errors.New("aggregate: result without agent")
	}

	if a.late(ctx, env) {
		return Late, nil
	}

	payload := maps.Clone(env.Payload)
	if payload == nil {
		payload = map[string]any{}
	}

	var stored map[string]map[string]any
	if a.cfg.Journal != nil {
		var err error
		stored, err = a.cfg.Journal.SaveResult(ctx, env.AlertID, env.Agent, payload)
		if err != nil {
			return Recorded, fmt.Errorf("persist %s result for %s: %w", env.Agent, env.AlertID, err)
		}
	}

	a.mu.Lock()
	if _, done := a.finished[env.AlertID]; done {
		a.mu.Unlock()
		return Late, nil
	}
	now := a.now()
	w, ok := a.windows[env.AlertID]
	if !ok {
		w = a.openLocked(env.AlertID, now)
		a.L.Info(ctx, "window opened by result", "alert_id", env.AlertID, "contributor", env.Agent)
	}
	if _, dup := w.results[env.Agent]; dup {
		a.L.Info(ctx, "duplicate result replaces earlier one", "alert_id", env.AlertID, "contributor", env.Agent)
	}
	w.results[env.Agent] = payload
	// results recorded by other replicas or before a restart
	w.merge(stored)

	if !w.complete() || w.forwarding {
		a.mu.Unlock()
		return Recorded, nil
	}
	w.forwarding = true
	c := w.composite(now)
	a.mu.Unlock()

	if err := a.forward(ctx, w, c); err != nil {
		return Recorded, err
	}
	return Completed, nil
}

// late reports whether alertID was already finalized, counting the result
// as late when it was.
func (a *Aggregator) late(ctx context.Context, env respond.Envelope) bool {
	a.mu.Lock()
	_, done := a.finished[env.AlertID]
	a.mu.Unlock()
	if !done {
		return false
	}
	if m := a.cfg.Metrics; m != nil {
		m.LateResults.Inc()
	}
	a.L.Info(ctx, "late result ignored", "alert_id", env.AlertID, "contributor", env.Agent)
	return true
}

func (a *Aggregator) forward(ctx context.Context, w *window, c Composite) error {
	err := a.cfg.Forward(ctx, c)

	a.mu.Lock()
	defer a.mu.Unlock()

	if err != nil {
		w.forwarding = false
		if m := a.cfg.Metrics; m != nil {
			m.ForwardErrors.Inc()
		}
		a.L.Error(ctx, err, "forward composite failed", "alert_id", w.alertID)
		return err
	}

	now := a.now()
	delete(a.windows, w.alertID)
	a.finished[w.alertID] = now
	if m := a.cfg.Metrics; m != nil {
		result := "complete"
		if c.PartialData {
			result = "partial"
		}
		m.WindowsFinalized.WithLabelValues(result).Inc()
		m.OpenWindows.Set(float64(len(a.windows)))
		m.WindowDuration.Observe(now.Sub(w.opened).Seconds())
	}
	a.L.Info(ctx, "composite forwarded",
		"alert_id", w.alertID,
		"partial_data", c.PartialData,
		"missing_agents", c.MissingAgents,
	)
	return nil
}

// Sweep finalizes every window whose deadline has passed, forwarding a
// partial composite even when no contributor responded, and forgets
// finalized ids older than the retention. It returns how many windows were
// forwarded.
func (a *Aggregator) Sweep(ctx context.Context, now time.Time) int {
	var expired []due

	a.mu.Lock()
	for _, w := range a.windows {
		if w.forwarding || now.Before(w.deadline) {
			continue
		}
		w.forwarding = true
		expired = append(expired, due{w: w, c: w.composite(now)})
	}
	for id, at := range a.finished {
		if now.Sub(at) > a.cfg.Retention {
			delete(a.finished, id)
		}
	}
	a.mu.Unlock()

	slices.SortFunc(expired, func(x, y due) int { return x.w.deadline.Compare(y.w.deadline) })

	n := 0
	for _, d := range expired {
		if err := a.forward(ctx, d.w, d.c); err == nil {
			n++
		}
	}
	return n
}

// Restore reopens every window the journal still holds, keeping each
// window's original deadline, so an expired one is forwarded as partial by
// the next sweep. Windows whose results are already complete are forwarded
// before Restore returns. It returns how many windows were reopened.
func (a *Aggregator) Restore(ctx context.Context) (int, error) {
	if a.cfg.Journal == nil {
		return 0, nil
	}
	snaps, err := a.cfg.Journal.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("load pending windows: %w", err)
	}

	var ready []due
	n := 0
	a.mu.Lock()
	now := a.now()
	for _, snap := range snaps {
		if _, done := a.finished[snap.AlertID]; done {
			continue
		}
		w, ok := a.windows[snap.AlertID]
		if !ok {
			opened := snap.Opened
			if opened.IsZero() {
				opened = now
			}
			w = a.openLocked(snap.AlertID, opened)
			n++
		}
		w.merge(snap.Results)
		if !w.forwarding && len(w.results) > 0 && w.complete() {
			w.forwarding = true
			ready = append(ready, due{w: w, c: w.composite(now)})
		}
	}
	if m := a.cfg.Metrics; m != nil {
		m.WindowsRestored.Add(float64(n))
	}
	a.mu.Unlock()

	if n > 0 {
		a.L.Info(ctx, "pending windows restored", "windows", n, "complete", len(ready))
	}
	for _, d := range ready {
		// a failed forward leaves the window open for the sweep
		_ = a.forward(ctx, d.w, d.c)
	}
	return n, nil
}

// Forget drops the finalized marker for alertID so a new firing cycle of
// the same alert opens a fresh window.
func (a *Aggregator) Forget(alertID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.finished, alertID)
}

// Run sweeps every SweepInterval until ctx is done.
func (a *Aggregator) Run(ctx context.Context) error {
	t := time.NewTicker(a.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			a.Sweep(ctx, now)
		}
	}
}

// Open returns the number of open windows.
func (a *Aggregator) Open() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.windows)
}

// Expected returns the contributor set of an open window.
func (a *Aggregator) Expected(alertID string) ([]string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.windows[alertID]
	if !ok {
		return nil, false
	}
	return slices.Clone(w.expected), true
}

// IsExpected reports whether contributor is part of alertID's open window,
// or of the default set when no window is open.
func (a *Aggregator) IsExpected(alertID, contributor string) bool {
	if exp, ok := a.Expected(alertID); ok {
		return slices.Contains(exp, contributor)
	}
	return slices.Contains(a.cfg.Contributors, contributor)
}
