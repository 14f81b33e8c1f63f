package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/linnemanlabs/relay/internal/streams"
)

// Session is a reconnectable Bus. It forwards every call to the current
// connection and reports ErrNotConnected while there is none. Callers own
// the retry policy: on ErrConnection they Reset and Connect again.
type Session struct {
	dialer Dialer

	mu  sync.RWMutex
	cur Bus
}

var _ Bus = (*Session)(nil)

// NewSession returns an unconnected session using d.
func NewSession(d Dialer) *Session {
	return &Session{dialer: d}
}

// Connect dials a new connection, replacing and closing any current one.
func (s *Session) Connect(ctx context.Context) error {
	b, err := s.dialer.Dial(ctx)
	if err != nil {
		if errors.Is(err, ErrConnection) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}

	s.mu.Lock()
	old := s.cur
	s.cur = b
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Reset closes the current connection, if any.
func (s *Session) Reset() error {
	s.mu.Lock()
	old := s.cur
	s.cur = nil
	s.mu.Unlock()

	if old == nil {
		return nil
	}
	return old.Close()
}

// Connected reports whether a connection is held.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur != nil
}

func (s *Session) current() (Bus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return nil, ErrNotConnected
	}
	return s.cur, nil
}

// Publish implements Publisher.
func (s *Session) Publish(ctx context.Context, subject string, data []byte, opts ...PublishOption) error {
	b, err := s.current()
	if err != nil {
		return err
	}
	return b.Publish(ctx, subject, data, opts...)
}

// Subscribe implements Bus.
func (s *Session) Subscribe(ctx context.Context, cfg ConsumerConfig) (Subscription, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	return b.Subscribe(ctx, cfg)
}

// EnsureStreams implements Bus.
func (s *Session) EnsureStreams(ctx context.Context, defs []streams.Stream) error {
	b, err := s.current()
	if err != nil {
		return err
	}
	return b.EnsureStreams(ctx, defs)
}

// Close implements Bus.
func (s *Session) Close() error {
	return s.Reset()
}
