package alertapi

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/bus/membus"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
)

func TestBoard_Observe(t *testing.T) {
	t.Parallel()

	b := NewBoard(bus.NewSession(membus.NewServer()), streams.Default(), 0, nil)

	b.Observe(status.Record{ID: "root_cause", Status: status.Active, Timestamp: "2026-02-26T14:23:00Z"})
	b.Observe(status.Record{ID: "communication", Status: status.Active, Timestamp: "2026-02-26T14:23:00Z"})
	b.Observe(status.Record{ID: "root_cause", Status: status.Degraded, Timestamp: "2026-02-26T14:23:30Z"})
	// older record must not replace the newer one
	b.Observe(status.Record{ID: "root_cause", Status: status.Inactive, Timestamp: "2026-02-26T14:22:00Z"})
	b.Observe(status.Record{Status: status.Active})

	got := b.Snapshot()
	if len(got) != 2 {
		t.Fatalf("Snapshot() = %d records, want 2", len(got))
	}
	if got[0].ID != "communication" || got[1].ID != "root_cause" {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].Status != status.Degraded {
		t.Errorf("root_cause status = %s, want %s", got[1].Status, status.Degraded)
	}
}

func TestBoard_RunConsumesStatus(t *testing.T) {
	t.Parallel()

	srv := membus.NewServer()
	b := NewBoard(bus.NewSession(srv), streams.Default(), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	conn, err := srv.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close() //nolint:errcheck

	data, _ := json.Marshal(status.Record{ID: "observability", Status: status.Active, Timestamp: "2026-02-26T14:23:00Z"})

	// the consumer only sees records published after it subscribed
	deadline := time.Now().Add(5 * time.Second)
	for len(b.Snapshot()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("board never observed a status record")
		}
		_ = conn.Publish(ctx, "agent.status.observability", data)
		time.Sleep(20 * time.Millisecond)
	}
	if got := b.Snapshot()[0]; got.ID != "observability" || got.Status != status.Active {
		t.Errorf("record = %+v", got)
	}
	if !b.Connected() {
		t.Error("Connected() = false while consuming")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v, want nil on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
