package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
)

// Board keeps the latest status record of every agent, fed by an ephemeral
// deliver-new consumer on agent.status.>.
type Board struct {
	session *bus.Session
	reg     *streams.Registry
	backoff time.Duration
	L       log.Logger

	mu      sync.RWMutex
	records map[string]status.Record
}

// NewBoard returns a Board reading through session.
func NewBoard(session *bus.Session, reg *streams.Registry, backoff time.Duration, logger log.Logger) *Board {
	if logger == nil {
		logger = log.Nop()
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Board{
		session: session,
		reg:     reg,
		backoff: backoff,
		L:       logger.With("component", "status_board"),
		records: make(map[string]status.Record),
	}
}

// Observe stores r when it is newer than the record held for its agent.
func (b *Board) Observe(r status.Record) {
	if r.ID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.records[r.ID]; ok && r.Timestamp < cur.Timestamp {
		return
	}
	b.records[r.ID] = r
}

// Snapshot returns the held records sorted by agent id.
func (b *Board) Snapshot() []status.Record {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]status.Record, 0, len(b.records))
	for _, r := range b.records {
		out = append(out, r)
	}
	slices.SortFunc(out, func(x, y status.Record) int { return strings.Compare(x.ID, y.ID) })
	return out
}

// Connected reports whether the board holds a bus connection.
func (b *Board) Connected() bool { return b.session.Connected() }

// Run consumes status records until ctx is done, reconnecting after
// failures.
func (b *Board) Run(ctx context.Context) error {
	defer func() { _ = b.session.Reset() }()
	for {
		err := b.consume(ctx)
		_ = b.session.Reset()
		if ctx.Err() != nil {
			return nil
		}
		b.L.Warn(ctx, "status board disconnected, retrying", "error", err, "backoff", b.backoff.String())

		t := time.NewTimer(b.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (b *Board) consume(ctx context.Context) error {
	base, err := b.reg.ResolvePublishSubject(streams.KeyAgentStatus)
	if err != nil {
		return err
	}
	subject := base + ".>"
	stream, ok := b.reg.ResolveStreamForSubject(subject)
	if !ok {
		return errors.New("no stream for agent status")
	}

	if err := b.session.Connect(ctx); err != nil {
		return err
	}
	if err := b.session.EnsureStreams(ctx, b.reg.Streams()); err != nil {
		return err
	}
	sub, err := b.session.Subscribe(ctx, bus.ConsumerConfig{
		Stream:        stream,
		Subject:       subject,
		DeliverPolicy: bus.DeliverNew,
		MaxDeliver:    1,
		AckWait:       10 * time.Second,
	})
	if err != nil {
		return err
	}
	defer sub.Stop() //nolint:errcheck

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		var r status.Record
		if err := json.Unmarshal(msg.Data(), &r); err != nil {
			b.L.Warn(ctx, "undecodable status record", "subject", msg.Subject(), "error", err)
		} else {
			b.Observe(r)
		}
		_ = msg.Ack()
	}
}
