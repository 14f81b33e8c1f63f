package router

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/bus/membus"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStatus struct {
	mu      sync.Mutex
	started int
	stopped int
	resets  int
	errs    []error
}

func (f *fakeStatus) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeStatus) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeStatus) RecordError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeStatus) ResetErrors() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.errs = nil
}

func (f *fakeStatus) errorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.errs)
}

type fakeSink struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSink) PublishFailure(_ context.Context, alertID string, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alertID)
	return nil
}

func (f *fakeSink) alertIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	srv     *membus.Server
	pub     bus.Bus
	status  *fakeStatus
	sink    *fakeSink
	metrics *Metrics
	spans   *tracetest.SpanRecorder
	session *bus.Session
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := membus.NewServer()
	pub, err := srv.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := pub.EnsureStreams(context.Background(), streams.Default().Streams()); err != nil {
		t.Fatalf("EnsureStreams: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	return &harness{
		srv:     srv,
		pub:     pub,
		status:  &fakeStatus{},
		sink:    &fakeSink{},
		metrics: NewMetrics(prometheus.NewRegistry()),
		spans:   tracetest.NewSpanRecorder(),
		session: bus.NewSession(srv),
	}
}

func (h *harness) router(t *testing.T, bindings ...Binding) *Router {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(h.spans))
	r, err := New(Config{
		Agent:    "test",
		Session:  h.session,
		Registry: streams.Default(),
		Status:   h.status,
		Failures: h.sink,
		Backoff:  10 * time.Millisecond,
		Metrics:  h.metrics,
		Tracer:   tp.Tracer("test"),
	}, bindings)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func run(t *testing.T, r *Router) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})
	return cancel
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func counter(c prometheus.Counter) float64 {
	var m dto.Metric
	_ = c.Write(&m)
	return m.GetCounter().GetValue()
}

func alertsBinding(h Handler) Binding {
	return Binding{
		Name:       "alerts",
		Subject:    "alerts",
		Durable:    "orchestrator_alerts",
		QueueGroup: "orchestrator_processors",
		MaxDeliver: 3,
		AckWait:    time.Minute,
		Handler:    h,
	}
}

func TestRouter_AckOnSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var (
		mu  sync.Mutex
		got []Delivery
	)
	r := h.router(t, alertsBinding(func(_ context.Context, d Delivery) error {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
		return nil
	}))
	if b := r.Bindings(); b[0].Stream != "ALERTS" {
		t.Fatalf("stream = %q, want ALERTS", b[0].Stream)
	}
	run(t, r)

	if err := h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"a1","labels":{"service":"checkout"}}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	eventually(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	eventually(t, "ack", func() bool { return h.srv.Pending("ALERTS", "orchestrator_alerts") == 0 })

	mu.Lock()
	d := got[0]
	mu.Unlock()
	if d.AlertID() != "a1" || d.Subject != "alerts" || d.Delivered != 1 || d.Binding != "alerts" {
		t.Errorf("delivery = %+v", d)
	}

	eventually(t, "ack metric", func() bool {
		return counter(h.metrics.MessagesTotal.WithLabelValues("test", "alerts", OutcomeAck)) == 1
	})
	eventually(t, "status started", func() bool {
		h.status.mu.Lock()
		defer h.status.mu.Unlock()
		return h.status.started == 1
	})
}

func TestRouter_NakThenRedeliver(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var (
		mu       sync.Mutex
		attempts []int
	)
	run(t, h.router(t, alertsBinding(func(_ context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = append(attempts, d.Delivered)
		if d.Delivered == 1 {
			return errors.New("analysis backend unavailable")
		}
		return nil
	})))

	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"a1"}`))

	eventually(t, "redelivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 2
	})
	eventually(t, "ack", func() bool { return h.srv.Pending("ALERTS", "orchestrator_alerts") == 0 })

	mu.Lock()
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v", attempts)
	}
	mu.Unlock()
	eventually(t, "errors reset by success", func() bool { return h.status.errorCount() == 0 })
	if got := h.srv.Dropped("ALERTS", "orchestrator_alerts"); len(got) != 0 {
		t.Errorf("dropped = %v", got)
	}
}

func TestRouter_DecodeErrorDroppedAfterMaxDeliver(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	called := make(chan struct{}, 10)
	run(t, h.router(t, alertsBinding(func(context.Context, Delivery) error {
		called <- struct{}{}
		return nil
	})))

	_ = h.pub.Publish(context.Background(), "alerts", []byte(`not json`))

	eventually(t, "drop", func() bool { return len(h.srv.Dropped("ALERTS", "orchestrator_alerts")) == 1 })
	eventually(t, "dropped metric", func() bool {
		return counter(h.metrics.DroppedTotal.WithLabelValues("test", "alerts")) == 1
	})
	if got := counter(h.metrics.MessagesTotal.WithLabelValues("test", "alerts", OutcomeDecodeError)); got != 3 {
		t.Errorf("decode errors = %v, want 3", got)
	}
	if len(called) != 0 {
		t.Error("handler invoked for undecodable payload")
	}

	// the loop keeps going after a poison message
	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"a2"}`))
	eventually(t, "next message", func() bool { return len(called) == 1 })
}

func TestRouter_PermanentAcksAndReports(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	var calls int
	var mu sync.Mutex
	run(t, h.router(t, alertsBinding(func(context.Context, Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return Permanent(errors.New("missing root cause"))
	})))

	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"a9"}`))

	eventually(t, "failure report", func() bool { return len(h.sink.alertIDs()) == 1 })
	if ids := h.sink.alertIDs(); ids[0] != "a9" {
		t.Errorf("failure alert id = %q", ids[0])
	}
	eventually(t, "ack", func() bool { return h.srv.Pending("ALERTS", "orchestrator_alerts") == 0 })

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1 (no redelivery)", calls)
	}
}

func TestRouter_PermanentWithoutAlertIDNotReported(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	handled := make(chan struct{}, 10)
	run(t, h.router(t, alertsBinding(func(context.Context, Delivery) error {
		handled <- struct{}{}
		return Permanent(errors.New("response without alert_id"))
	})))

	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"labels":{"service":"svc"}}`))

	eventually(t, "permanent outcome", func() bool {
		return counter(h.metrics.MessagesTotal.WithLabelValues("test", "alerts", OutcomePermanent)) == 1
	})
	eventually(t, "ack", func() bool { return h.srv.Pending("ALERTS", "orchestrator_alerts") == 0 })
	if ids := h.sink.alertIDs(); len(ids) != 0 {
		t.Errorf("failure reports = %q, want none", ids)
	}
	if len(handled) != 1 {
		t.Errorf("handler calls = %d, want 1", len(handled))
	}
}

type fixedSample struct{}

func (fixedSample) Sample() status.Sample { return status.Sample{MemoryMB: 64, CPUPercent: 5} }

func TestRouter_SuccessRestoresActiveStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	sp, err := status.NewPublisher(h.pub, streams.Default(), status.Config{
		ID:       "test",
		Interval: time.Hour,
		Sampler:  fixedSample{},
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	tp := sdktrace.NewTracerProvider()
	r, err := New(Config{
		Agent:    "test",
		Session:  h.session,
		Registry: streams.Default(),
		Status:   sp,
		Backoff:  10 * time.Millisecond,
		Tracer:   tp.Tracer("test"),
	}, []Binding{alertsBinding(func(_ context.Context, d Delivery) error {
		if d.AlertID() == "bad" {
			return errors.New("metrics backend unavailable")
		}
		return nil
	})})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(t, r)

	// errors pile up well past the inactive threshold during an outage
	for range 2 * status.InactiveErrorCount {
		sp.RecordError(errors.New("connection refused"))
	}
	if got := sp.Record("").Status; got != status.Inactive {
		t.Fatalf("status during outage = %q, want %q", got, status.Inactive)
	}

	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"good"}`))
	eventually(t, "success resets errors", func() bool { return sp.ErrorCount() == 0 })

	rec := sp.Record("")
	if rec.Status != status.Active {
		t.Errorf("status after success = %q, want %q", rec.Status, status.Active)
	}
	if rec.Metadata.LastError != "" {
		t.Errorf("last error = %q, want cleared", rec.Metadata.LastError)
	}
}

func TestRouter_ReconnectsAfterOutage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.srv.SetDown(true)

	seen := make(chan string, 10)
	run(t, h.router(t, alertsBinding(func(_ context.Context, d Delivery) error {
		seen <- d.AlertID()
		return nil
	})))

	eventually(t, "failed connect attempts", func() bool {
		return counter(h.metrics.ReconnectsTotal.WithLabelValues("test", "error")) >= 2
	})
	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"queued"}`))
	h.srv.SetDown(false)

	select {
	case id := <-seen:
		if id != "queued" {
			t.Errorf("got %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not consumed after outage")
	}

	// drop the live connection; the router reconnects and resumes
	_ = h.session.Reset()
	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"after"}`))
	select {
	case id := <-seen:
		if id != "after" {
			t.Errorf("got %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not consumed after connection reset")
	}
}

func TestRouter_ShutdownStopsStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	r := h.router(t, alertsBinding(func(context.Context, Delivery) error { return nil }))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	eventually(t, "started", func() bool { return h.session.Connected() })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}

	h.status.mu.Lock()
	defer h.status.mu.Unlock()
	if h.status.started != 1 || h.status.stopped != 1 {
		t.Errorf("status started=%d stopped=%d", h.status.started, h.status.stopped)
	}
	if h.session.Connected() {
		t.Error("session still connected after Run returned")
	}
}

func TestRouter_Span(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	run(t, h.router(t, alertsBinding(func(context.Context, Delivery) error { return nil })))

	_ = h.pub.Publish(context.Background(), "alerts", []byte(`{"alert_id":"a1"}`))
	eventually(t, "span", func() bool { return len(h.spans.Ended()) == 1 })

	s := h.spans.Ended()[0]
	if s.Name() != "router.alerts" {
		t.Errorf("span name = %q", s.Name())
	}
	var found bool
	for _, kv := range s.Attributes() {
		if kv.Key == "relay.alert_id" && kv.Value.AsString() == "a1" {
			found = true
		}
	}
	if !found {
		t.Errorf("alert id attribute missing: %v", s.Attributes())
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	sess := bus.NewSession(membus.NewServer())
	reg := streams.Default()
	noop := func(context.Context, Delivery) error { return nil }

	tests := []struct {
		name      string
		bindings  []Binding
		errSubstr string
	}{
		{"unknown subject", []Binding{{Name: "x", Subject: "nowhere", Durable: "d", Handler: noop}}, "nowhere"},
		{"no durable", []Binding{{Name: "x", Subject: "alerts", Handler: noop}}, "durable"},
		{"no handler", []Binding{{Name: "x", Subject: "alerts", Durable: "d"}}, "handler"},
		{"duplicate", []Binding{
			{Name: "x", Subject: "alerts", Durable: "d", Handler: noop},
			{Name: "x", Subject: "alerts", Durable: "e", Handler: noop},
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(Config{Session: sess, Registry: reg}, tt.bindings)
			if err == nil || !strings.Contains(err.Error(), tt.errSubstr) {
				t.Errorf("err = %v, want substring %q", err, tt.errSubstr)
			}
		})
	}

	if _, err := New(Config{Registry: reg}, nil); err == nil {
		t.Error("expected error without session")
	}
}

func TestPermanent(t *testing.T) {
	t.Parallel()

	base := errors.New("bad input")
	p := Permanent(base)
	if !IsPermanent(p) || !errors.Is(p, base) {
		t.Errorf("Permanent lost identity: %v", p)
	}
	if Permanent(p) != p {
		t.Error("double wrap")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
	if IsPermanent(base) {
		t.Error("plain error reported permanent")
	}
}

func TestDelivery_Decode(t *testing.T) {
	t.Parallel()

	d := Delivery{Subject: "s", Data: []byte(`{"alert_id":7}`)}
	var v struct {
		AlertID string `json:"alert_id"`
	}
	err := d.Decode(&v)
	var de *DecodeError
	if !errors.As(err, &de) || !IsPermanent(err) {
		t.Errorf("err = %v, want permanent DecodeError", err)
	}
}
