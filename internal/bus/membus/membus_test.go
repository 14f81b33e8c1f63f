package membus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

var testStreams = []streams.Stream{
	{Name: "TASKS", Subjects: []string{"tasks", "tasks.>"}},
	{Name: "RESULTS", Subjects: []string{"results.*"}},
}

func dial(t *testing.T, srv *Server) bus.Bus {
	t.Helper()
	b, err := srv.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := b.EnsureStreams(context.Background(), testStreams); err != nil {
		t.Fatalf("EnsureStreams: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func next(t *testing.T, sub bus.Subscription, d time.Duration) bus.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	m, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return m
}

func expectNone(t *testing.T, sub bus.Subscription, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	if m, err := sub.Next(ctx); err == nil {
		t.Fatalf("unexpected message %q", m.Data())
	}
}

func TestPublish_NoStream(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	err := b.Publish(context.Background(), "nowhere", []byte("x"))
	var pe *bus.PublishError
	if !errors.As(err, &pe) || !errors.Is(err, bus.ErrNoStream) {
		t.Fatalf("err = %v, want PublishError wrapping ErrNoStream", err)
	}
}

func TestEnsureStreams_Overlap(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	err := b.EnsureStreams(context.Background(), []streams.Stream{{Name: "SHADOW", Subjects: []string{"tasks.x"}}})
	if err == nil {
		t.Fatal("expected overlap error")
	}
}

func TestDurable_AckAndRedeliverOnNak(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	b := dial(t, srv)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "w", MaxDeliver: 3, AckWait: time.Minute})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Stop() //nolint:errcheck

	if err := b.Publish(ctx, "tasks", []byte("job")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	m := next(t, sub, time.Second)
	if m.Delivered() != 1 || string(m.Data()) != "job" {
		t.Fatalf("first delivery = (%d, %q)", m.Delivered(), m.Data())
	}
	if err := m.Nak(); err != nil {
		t.Fatalf("Nak: %v", err)
	}

	m = next(t, sub, time.Second)
	if m.Delivered() != 2 {
		t.Fatalf("redelivery count = %d, want 2", m.Delivered())
	}
	if err := m.Ack(); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if err := m.Ack(); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("second ack err = %v, want ErrNotInFlight", err)
	}

	expectNone(t, sub, 50*time.Millisecond)
	if n := srv.Pending("TASKS", "w"); n != 0 {
		t.Errorf("pending = %d, want 0", n)
	}
}

func TestDurable_MaxDeliverDrops(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	b := dial(t, srv)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "w", MaxDeliver: 2, AckWait: time.Minute})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Stop() //nolint:errcheck

	_ = b.Publish(ctx, "tasks", []byte("poison"))

	for want := 1; want <= 2; want++ {
		m := next(t, sub, time.Second)
		if m.Delivered() != want {
			t.Fatalf("delivered = %d, want %d", m.Delivered(), want)
		}
		_ = m.Nak()
	}
	expectNone(t, sub, 50*time.Millisecond)

	if got := srv.Dropped("TASKS", "w"); len(got) != 1 || got[0] != 1 {
		t.Errorf("dropped = %v, want [1]", got)
	}
}

func TestDurable_AckWaitExpiryRedelivers(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "w", MaxDeliver: 5, AckWait: 30 * time.Millisecond})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Stop() //nolint:errcheck

	_ = b.Publish(ctx, "tasks", []byte("slow"))

	first := next(t, sub, time.Second)
	// no ack: the delivery times out
	second := next(t, sub, time.Second)
	if second.Delivered() != 2 {
		t.Fatalf("delivered = %d, want 2", second.Delivered())
	}
	if err := first.Ack(); !errors.Is(err, ErrNotInFlight) {
		t.Errorf("stale ack err = %v, want ErrNotInFlight", err)
	}
	if err := second.Ack(); err != nil {
		t.Errorf("Ack: %v", err)
	}
}

func TestDurable_SurvivesReconnect(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	ctx := context.Background()
	cfg := bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "w", QueueGroup: "g", MaxDeliver: 5, AckWait: time.Minute}

	b1 := dial(t, srv)
	sub, err := b1.Subscribe(ctx, cfg)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = b1.Publish(ctx, "tasks", []byte("one"))
	next(t, sub, time.Second).Ack() //nolint:errcheck
	_ = b1.Publish(ctx, "tasks", []byte("two"))

	_ = b1.Close()
	if _, err := sub.Next(ctx); !errors.Is(err, bus.ErrConnection) {
		t.Fatalf("Next after close err = %v, want ErrConnection", err)
	}

	b2 := dial(t, srv)
	sub2, err := b2.Subscribe(ctx, cfg)
	if err != nil {
		t.Fatalf("re-Subscribe: %v", err)
	}
	defer sub2.Stop() //nolint:errcheck

	m := next(t, sub2, time.Second)
	if string(m.Data()) != "two" {
		t.Fatalf("after reconnect got %q, want %q", m.Data(), "two")
	}
}

func TestDurable_QueueGroupMismatch(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	ctx := context.Background()
	cfg := bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "w", QueueGroup: "a"}
	if _, err := b.Subscribe(ctx, cfg); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cfg.QueueGroup = "b"
	if _, err := b.Subscribe(ctx, cfg); !errors.Is(err, ErrQueueGroupMismatch) {
		t.Fatalf("err = %v, want ErrQueueGroupMismatch", err)
	}
}

func TestQueueGroup_SharesWork(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	ctx := context.Background()
	cfg := bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "w", QueueGroup: "g", AckWait: time.Minute}

	const n = 20
	for i := range n {
		_ = b.Publish(ctx, "tasks", []byte{byte(i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[byte]int)
		wg   sync.WaitGroup
	)
	for range 2 {
		sub, err := b.Subscribe(ctx, cfg)
		if err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sub.Stop() //nolint:errcheck
			for {
				cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
				m, err := sub.Next(cctx)
				cancel()
				if err != nil {
					return
				}
				mu.Lock()
				seen[m.Data()[0]]++
				mu.Unlock()
				_ = m.Ack()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("saw %d distinct messages, want %d", len(seen), n)
	}
	for k, c := range seen {
		if c != 1 {
			t.Errorf("message %d delivered %d times", k, c)
		}
	}
}

func TestDeliverPolicy(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	ctx := context.Background()
	_ = b.Publish(ctx, "tasks", []byte("old"))

	all, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "all"})
	if err != nil {
		t.Fatalf("Subscribe all: %v", err)
	}
	newer, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks", Durable: "new", DeliverPolicy: bus.DeliverNew})
	if err != nil {
		t.Fatalf("Subscribe new: %v", err)
	}

	if m := next(t, all, time.Second); string(m.Data()) != "old" {
		t.Errorf("deliver-all got %q", m.Data())
	}
	expectNone(t, newer, 30*time.Millisecond)

	_ = b.Publish(ctx, "tasks", []byte("fresh"))
	if m := next(t, newer, time.Second); string(m.Data()) != "fresh" {
		t.Errorf("deliver-new got %q", m.Data())
	}
}

func TestFilterSubject(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks.obs", Durable: "obs"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_ = b.Publish(ctx, "tasks.infra", []byte("no"))
	_ = b.Publish(ctx, "tasks.obs", []byte("yes"))

	if m := next(t, sub, time.Second); string(m.Data()) != "yes" {
		t.Errorf("got %q", m.Data())
	}
}

func TestMsgIDDeduplicates(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	b := dial(t, srv)
	ctx := context.Background()
	for range 3 {
		if err := b.Publish(ctx, "tasks", []byte("x"), bus.WithMsgID("id-1")); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if got := len(srv.Messages("tasks")); got != 1 {
		t.Errorf("stored %d messages, want 1", got)
	}
}

func TestDial_Down(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	srv.SetDown(true)
	if _, err := srv.Dial(context.Background()); !errors.Is(err, bus.ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

func TestRequest(t *testing.T) {
	t.Parallel()

	srv := NewServer()
	b := dial(t, srv)
	ctx := context.Background()

	// a responder that answers every request on results.<id>
	resp, err := b.Subscribe(ctx, bus.ConsumerConfig{Stream: "TASKS", Subject: "tasks.req", Durable: "responder"})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	go func() {
		m, err := resp.Next(ctx)
		if err != nil {
			return
		}
		_ = m.Ack()
		_ = b.Publish(ctx, "results.a1", append([]byte("re:"), m.Data()...))
	}()

	got, err := bus.Request(ctx, b, "RESULTS", "tasks.req", "results.a1", []byte("a1"), time.Second)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if string(got) != "re:a1" {
		t.Errorf("response = %q", got)
	}
}

func TestRequest_Timeout(t *testing.T) {
	t.Parallel()

	b := dial(t, NewServer())
	_, err := bus.Request(context.Background(), b, "RESULTS", "tasks.req", "results.none", nil, 30*time.Millisecond)
	if !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
