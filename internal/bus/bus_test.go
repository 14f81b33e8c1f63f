package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/relay/internal/streams"
)

type fakeMessage struct {
	acks, naks atomic.Int32
}

func (m *fakeMessage) Subject() string            { return "s" }
func (m *fakeMessage) Data() []byte               { return nil }
func (m *fakeMessage) Headers() map[string]string { return nil }
func (m *fakeMessage) Delivered() int             { return 1 }
func (m *fakeMessage) Ack() error                 { m.acks.Add(1); return nil }
func (m *fakeMessage) Nak() error                 { m.naks.Add(1); return nil }

func TestGuard_SingleResolution(t *testing.T) {
	t.Parallel()

	m := &fakeMessage{}
	g := Guard(m)
	if g.Outcome() != Unresolved {
		t.Fatalf("initial outcome = %v", g.Outcome())
	}
	if err := g.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := g.Nak(); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("Nak after Ack err = %v", err)
	}
	if err := g.Ack(); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Ack err = %v", err)
	}
	if m.acks.Load() != 1 || m.naks.Load() != 0 {
		t.Errorf("acks=%d naks=%d", m.acks.Load(), m.naks.Load())
	}
	if g.Outcome() != Acked {
		t.Errorf("outcome = %v", g.Outcome())
	}
	if Guard(g) != g {
		t.Error("Guard re-wrapped a guarded message")
	}
}

func TestGuard_ConcurrentResolve(t *testing.T) {
	t.Parallel()

	m := &fakeMessage{}
	g := Guard(m)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = g.Ack()
			} else {
				_ = g.Nak()
			}
		}()
	}
	wg.Wait()

	if total := m.acks.Load() + m.naks.Load(); total != 1 {
		t.Fatalf("underlying resolutions = %d, want 1", total)
	}
}

func TestConsumerConfig_Validate(t *testing.T) {
	t.Parallel()

	base := ConsumerConfig{Stream: "S", Subject: "s", Durable: "d", QueueGroup: "q"}.WithDefaults()
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if base.MaxDeliver != DefaultMaxDeliver || base.AckWait != DefaultAckWait {
		t.Errorf("defaults not applied: %+v", base)
	}

	tests := []struct {
		name string
		mut  func(*ConsumerConfig)
	}{
		{"no stream", func(c *ConsumerConfig) { c.Stream = "" }},
		{"no subject", func(c *ConsumerConfig) { c.Subject = "" }},
		{"max deliver", func(c *ConsumerConfig) { c.MaxDeliver = -1 }},
		{"ack wait", func(c *ConsumerConfig) { c.AckWait = -time.Second }},
		{"queue without durable", func(c *ConsumerConfig) { c.Durable = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mut(&c)
			if err := c.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseDeliverPolicy(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]DeliverPolicy{"": DeliverAll, "all": DeliverAll, "new": DeliverNew} {
		got, err := ParseDeliverPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseDeliverPolicy(%q) = (%v, %v)", in, got, err)
		}
	}
	if _, err := ParseDeliverPolicy("last"); err == nil {
		t.Error("expected error")
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrConnection, true},
		{ErrNotConnected, true},
		{&PublishError{Subject: "x", Err: errors.New("nack")}, true},
		{&PublishError{Subject: "x", Err: ErrNoStream}, false},
		{errors.New("decode"), false},
	}
	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type stubBus struct {
	published []string
	closed    bool
}

func (b *stubBus) Publish(_ context.Context, subject string, _ []byte, _ ...PublishOption) error {
	b.published = append(b.published, subject)
	return nil
}

func (b *stubBus) Subscribe(context.Context, ConsumerConfig) (Subscription, error) {
	return nil, errors.New("unsupported")
}

func (b *stubBus) EnsureStreams(context.Context, []streams.Stream) error { return nil }

func (b *stubBus) Close() error { b.closed = true; return nil }

func TestSession(t *testing.T) {
	t.Parallel()

	var (
		dials int
		fail  bool
		conns []*stubBus
	)
	s := NewSession(DialerFunc(func(context.Context) (Bus, error) {
		dials++
		if fail {
			return nil, errors.New("refused")
		}
		b := &stubBus{}
		conns = append(conns, b)
		return b, nil
	}))
	ctx := context.Background()

	if err := s.Publish(ctx, "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("publish before connect err = %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !s.Connected() {
		t.Fatal("not connected")
	}
	if err := s.Publish(ctx, "x", nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !conns[0].closed {
		t.Error("previous connection not closed on reconnect")
	}

	if err := s.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if s.Connected() || !conns[1].closed {
		t.Error("Reset did not drop connection")
	}

	fail = true
	if err := s.Connect(ctx); !errors.Is(err, ErrConnection) {
		t.Errorf("failed dial err = %v, want ErrConnection", err)
	}
	if dials != 3 {
		t.Errorf("dials = %d", dials)
	}
}
