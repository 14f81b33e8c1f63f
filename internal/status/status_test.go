package status

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/goleak"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/bus/membus"
	"github.com/linnemanlabs/relay/internal/streams"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDetermineStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		errors int
		mem    float64
		cpu    float64
		want   Status
	}{
		{"idle", 0, 100, 5, Active},
		{"three errors", 3, 100, 5, Active},
		{"four errors", 4, 100, 5, Degraded},
		{"ten errors", 10, 100, 5, Degraded},
		{"eleven errors", 11, 100, 5, Inactive},
		{"memory at limit", 0, 1024, 5, Active},
		{"memory over", 0, 1024.5, 5, Degraded},
		{"cpu at limit", 0, 100, 90, Active},
		{"cpu over", 0, 100, 90.1, Degraded},
		{"errors dominate resources", 11, 4096, 100, Inactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := DetermineStatus(tt.errors, tt.mem, tt.cpu); got != tt.want {
				t.Errorf("DetermineStatus(%d, %v, %v) = %s, want %s", tt.errors, tt.mem, tt.cpu, got, tt.want)
			}
		})
	}
}

func FuzzDetermineStatus(f *testing.F) {
	f.Add(0, 0.0, 0.0)
	f.Add(11, 2048.0, 95.0)
	f.Add(4, 10.0, 10.0)
	f.Add(-1, math.NaN(), math.Inf(1))

	f.Fuzz(func(t *testing.T, errs int, mem, cpu float64) {
		got := DetermineStatus(errs, mem, cpu)
		switch got {
		case Active, Degraded, Inactive:
		default:
			t.Fatalf("unknown status %q", got)
		}
		if errs > InactiveErrorCount && got != Inactive {
			t.Errorf("errors=%d -> %s, want inactive", errs, got)
		}
		if got == Inactive && errs <= InactiveErrorCount {
			t.Errorf("inactive with only %d errors", errs)
		}
		if errs <= DegradedErrorCount && mem <= DegradedMemoryMB && cpu <= DegradedCPUPercent && got != Active {
			t.Errorf("healthy inputs (%d, %v, %v) -> %s", errs, mem, cpu, got)
		}
	})
}

func fixedSampler(mem, cpu float64) Sampler {
	return SamplerFunc(func() Sample { return Sample{MemoryMB: mem, CPUPercent: cpu} })
}

func newTestPublisher(t *testing.T, interval time.Duration) (*Publisher, *membus.Server) {
	t.Helper()
	srv := membus.NewServer()
	b, err := srv.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	reg := streams.Default()
	if err := b.EnsureStreams(context.Background(), reg.Streams()); err != nil {
		t.Fatalf("EnsureStreams: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	p, err := NewPublisher(b, reg, Config{
		ID:       "observability",
		Name:     "Observability Agent",
		Version:  "test",
		Interval: interval,
		Sampler:  fixedSampler(64, 1),
	})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p, srv
}

func records(t *testing.T, srv *membus.Server) []Record {
	t.Helper()
	var out []Record
	for _, m := range srv.Messages("agent.status.>") {
		var r Record
		if err := json.Unmarshal(m.Data, &r); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		out = append(out, r)
	}
	return out
}

func TestPublisher_Cadence(t *testing.T) {
	t.Parallel()

	p, srv := newTestPublisher(t, 20*time.Millisecond)
	if p.Subject() != "agent.status.observability" {
		t.Fatalf("subject = %q", p.Subject())
	}

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(110 * time.Millisecond)
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	rs := records(t, srv)
	if len(rs) < 4 {
		t.Fatalf("got %d records, want at least 4", len(rs))
	}
	for i := 1; i < len(rs); i++ {
		if rs[i].UptimeSeconds <= rs[i-1].UptimeSeconds {
			t.Errorf("uptime not increasing at %d: %v <= %v", i, rs[i].UptimeSeconds, rs[i-1].UptimeSeconds)
		}
	}
	for _, r := range rs[:len(rs)-1] {
		if r.Status != Active {
			t.Errorf("running status = %s, want active", r.Status)
		}
	}

	last := rs[len(rs)-1]
	if last.Status != Inactive {
		t.Errorf("final status = %s, want inactive", last.Status)
	}
	if last.ID != "observability" || last.Name != "Observability Agent" || last.Version != "test" {
		t.Errorf("identity fields = %+v", last)
	}
	if last.Metadata.PublishInterval != 0.02 {
		t.Errorf("publish_interval = %v", last.Metadata.PublishInterval)
	}
	if _, err := time.Parse(time.RFC3339, last.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", last.Timestamp, err)
	}
}

func TestPublisher_Lifecycle(t *testing.T) {
	t.Parallel()

	p, _ := newTestPublisher(t, time.Hour)
	ctx := context.Background()

	if err := p.Stop(ctx); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Stop before Start err = %v", err)
	}
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := p.Stop(ctx); err != nil {
		t.Errorf("second Stop err = %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("restart err = %v, want ErrAlreadyStarted", err)
	}
}

func TestPublisher_PublishFailureCountsErrors(t *testing.T) {
	t.Parallel()

	p, srv := newTestPublisher(t, 10*time.Millisecond)
	srv.FailPublish(errors.New("stream unavailable"))

	ctx := context.Background()
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.ErrorCount() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.ErrorCount() < 4 {
		t.Fatalf("error count = %d after failing publishes", p.ErrorCount())
	}
	if r := p.Record(""); r.Status == Active || r.Metadata.LastError == "" {
		t.Errorf("record after failures = %+v", r)
	}

	srv.FailPublish(nil)
	before := p.ErrorCount()
	deadline = time.Now().Add(2 * time.Second)
	for p.ErrorCount() >= before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.ErrorCount() >= before {
		t.Errorf("successful publishes did not decrement errors (%d)", p.ErrorCount())
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestPublisher_RecordAndResetErrors(t *testing.T) {
	t.Parallel()

	p, _ := newTestPublisher(t, time.Hour)
	for range 11 {
		p.RecordError(errors.New("boom"))
	}
	r := p.Record("")
	if r.Status != Inactive || r.ErrorCount != 11 || r.Metadata.LastError != "boom" {
		t.Errorf("record = %+v", r)
	}
	p.ResetErrors()
	r = p.Record("")
	if r.Status != Active || r.ErrorCount != 0 || r.Metadata.LastError != "" {
		t.Errorf("after reset = %+v", r)
	}
}

func TestPublisher_Metrics(t *testing.T) {
	t.Parallel()

	srv := membus.NewServer()
	b, _ := srv.Dial(context.Background())
	defer b.Close() //nolint:errcheck
	reg := streams.Default()
	_ = b.EnsureStreams(context.Background(), reg.Streams())

	m := NewMetrics(prometheus.NewRegistry())
	p, err := NewPublisher(b, reg, Config{ID: "infra", Interval: time.Hour, Sampler: fixedSampler(10, 1), Metrics: m})
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	ctx := context.Background()
	_ = p.Start(ctx)
	_ = p.Stop(ctx)

	if got := counterValue(t, m.PublishesTotal.WithLabelValues("infra", "success")); got != 2 {
		t.Errorf("success publishes = %v, want 2", got)
	}
}

func TestNewPublisher_Validation(t *testing.T) {
	t.Parallel()

	reg := streams.Default()
	var pub bus.Publisher = bus.NewSession(membus.NewServer())
	if _, err := NewPublisher(pub, reg, Config{Interval: time.Second}); err == nil {
		t.Error("expected error for missing id")
	}
	if _, err := NewPublisher(pub, reg, Config{ID: "x"}); err == nil {
		t.Error("expected error for zero interval")
	}
}

func TestProcSampler(t *testing.T) {
	t.Parallel()

	s := NewProcSampler()
	first := s.Sample()
	if first.MemoryMB <= 0 {
		t.Errorf("memory = %v, want > 0", first.MemoryMB)
	}
	if first.CPUPercent < 0 {
		t.Errorf("cpu = %v", first.CPUPercent)
	}
	if second := s.Sample(); second.CPUPercent < 0 {
		t.Errorf("cpu = %v", second.CPUPercent)
	}
}
