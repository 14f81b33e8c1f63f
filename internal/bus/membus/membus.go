// Package membus is an in-process implementation of bus.Bus with JetStream
// delivery semantics: retained streams, durable consumers that survive
// disconnects, explicit ack, redelivery on nak or ack-wait expiry, and a
// max-deliver cap.
package membus

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/streams"
)

var (
	// ErrNotInFlight is returned when acking a delivery that already timed
	// out, was redelivered, or was resolved.
	ErrNotInFlight = errors.New("membus: delivery not in flight")

	// ErrQueueGroupMismatch is returned when binding to a durable consumer
	// created with a different queue group.
	ErrQueueGroupMismatch = errors.New("membus: durable bound to different queue group")
)

// Record is a stored message.
type Record struct {
	Stream  string
	Seq     uint64
	Subject string
	Data    []byte
	Headers map[string]string
}

type stream struct {
	def  streams.Stream
	msgs []Record
	ids  map[string]uint64
}

type delivery struct {
	token    uint64
	deadline time.Time
}

type consumer struct {
	key       string
	cfg       bus.ConsumerConfig
	stream    *stream
	next      int // index into stream.msgs of the next fresh candidate
	inflight  map[uint64]delivery
	retry     []uint64
	attempts  map[uint64]int
	acked     map[uint64]bool
	dropped   []uint64
	ephemeral bool
}

// Server holds streams and consumers. Connections obtained from Dial share
// its state, so durable consumers survive a connection being closed.
type Server struct {
	mu        sync.Mutex
	streams   map[string]*stream
	consumers map[string]*consumer
	changed   chan struct{}
	token     uint64
	ephemeral uint64
	down      bool
	pubErr    error
	now       func() time.Time
}

// NewServer returns an empty server.
func NewServer() *Server {
	return &Server{
		streams:   make(map[string]*stream),
		consumers: make(map[string]*consumer),
		changed:   make(chan struct{}),
		now:       time.Now,
	}
}

// Dial implements bus.Dialer.
func (s *Server) Dial(_ context.Context) (bus.Bus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return nil, fmt.Errorf("%w: membus server unavailable", bus.ErrConnection)
	}
	return &Conn{srv: s, closed: make(chan struct{})}, nil
}

// SetDown makes subsequent Dial calls fail while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// FailPublish makes every publish fail with err until called with nil.
func (s *Server) FailPublish(err error) {
	s.mu.Lock()
	s.pubErr = err
	s.mu.Unlock()
}

// Messages returns stored messages whose subject matches pattern.
func (s *Server) Messages(pattern string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	for _, st := range s.streams {
		for _, r := range st.msgs {
			if streams.Match(pattern, r.Subject) {
				out = append(out, r)
			}
		}
	}
	slices.SortFunc(out, func(a, b Record) int {
		if c := cmp.Compare(a.Stream, b.Stream); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return out
}

// Dropped returns the sequences a durable consumer gave up on after
// reaching max deliveries.
func (s *Server) Dropped(stream, durable string) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[stream+"/"+durable]
	if !ok {
		return nil
	}
	return slices.Clone(c.dropped)
}

// Pending returns how many messages a durable consumer has not acked or
// dropped, including those not yet delivered.
func (s *Server) Pending(stream, durable string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.consumers[stream+"/"+durable]
	if !ok {
		return 0
	}
	n := len(c.inflight) + len(c.retry)
	for _, r := range c.stream.msgs[c.next:] {
		if streams.Match(c.cfg.Subject, r.Subject) {
			n++
		}
	}
	return n
}

func (s *Server) broadcastLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) ensure(defs []streams.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range defs {
		if d.Name == "" {
			return errors.New("membus: stream without name")
		}
		for name, other := range s.streams {
			if name == d.Name {
				continue
			}
			for _, a := range d.Subjects {
				for _, b := range other.def.Subjects {
					if streams.Overlaps(a, b) {
						return fmt.Errorf("membus: stream %s subject %q overlaps %s %q", d.Name, a, name, b)
					}
				}
			}
		}
		if st, ok := s.streams[d.Name]; ok {
			st.def = d
			continue
		}
		s.streams[d.Name] = &stream{def: d, ids: make(map[string]uint64)}
	}
	return nil
}

func (s *Server) publish(subject string, data []byte, o bus.PublishOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pubErr != nil {
		return &bus.PublishError{Subject: subject, Err: s.pubErr}
	}
	var st *stream
	for _, cand := range s.streams {
		if slices.ContainsFunc(cand.def.Subjects, func(p string) bool { return streams.Match(p, subject) }) {
			st = cand
			break
		}
	}
	if st == nil {
		return &bus.PublishError{Subject: subject, Err: bus.ErrNoStream}
	}
	if o.MsgID != "" {
		if _, dup := st.ids[o.MsgID]; dup {
			return nil
		}
	}
	seq := uint64(len(st.msgs) + 1)
	st.msgs = append(st.msgs, Record{
		Stream:  st.def.Name,
		Seq:     seq,
		Subject: subject,
		Data:    slices.Clone(data),
		Headers: o.Headers,
	})
	if o.MsgID != "" {
		st.ids[o.MsgID] = seq
	}
	s.broadcastLocked()
	return nil
}

func (s *Server) bind(cfg bus.ConsumerConfig) (*consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[cfg.Stream]
	if !ok {
		return nil, fmt.Errorf("membus: stream %s not found", cfg.Stream)
	}

	if cfg.Durable != "" {
		key := cfg.Stream + "/" + cfg.Durable
		if c, ok := s.consumers[key]; ok {
			if c.cfg.QueueGroup != cfg.QueueGroup {
				return nil, fmt.Errorf("%w: %s has %q, got %q", ErrQueueGroupMismatch, cfg.Durable, c.cfg.QueueGroup, cfg.QueueGroup)
			}
			c.cfg.MaxDeliver = cfg.MaxDeliver
			c.cfg.AckWait = cfg.AckWait
			c.cfg.Subject = cfg.Subject
			return c, nil
		}
	}

	c := &consumer{
		cfg:      cfg,
		stream:   st,
		inflight: make(map[uint64]delivery),
		attempts: make(map[uint64]int),
		acked:    make(map[uint64]bool),
	}
	if cfg.DeliverPolicy == bus.DeliverNew {
		c.next = len(st.msgs)
	}
	if cfg.Durable == "" {
		s.ephemeral++
		c.ephemeral = true
		c.key = fmt.Sprintf("%s/_eph%d", cfg.Stream, s.ephemeral)
	} else {
		c.key = cfg.Stream + "/" + cfg.Durable
	}
	s.consumers[c.key] = c
	return c, nil
}

func (s *Server) unbind(c *consumer) {
	if !c.ephemeral {
		return
	}
	s.mu.Lock()
	delete(s.consumers, c.key)
	s.mu.Unlock()
}

// expireLocked moves deliveries past their ack deadline back to the retry
// queue, or drops them once max deliveries is reached.
func (s *Server) expireLocked(c *consumer, now time.Time) {
	var expired []uint64
	for seq, d := range c.inflight {
		if !now.Before(d.deadline) {
			expired = append(expired, seq)
		}
	}
	slices.Sort(expired)
	for _, seq := range expired {
		delete(c.inflight, seq)
		s.requeueLocked(c, seq)
	}
}

func (s *Server) requeueLocked(c *consumer, seq uint64) {
	if c.attempts[seq] >= c.cfg.MaxDeliver {
		c.dropped = append(c.dropped, seq)
		return
	}
	c.retry = append(c.retry, seq)
}

// takeLocked returns the next message for c, preferring redeliveries.
func (s *Server) takeLocked(c *consumer, now time.Time) (Record, int, uint64, bool) {
	for len(c.retry) > 0 {
		seq := c.retry[0]
		c.retry = c.retry[1:]
		if c.acked[seq] {
			continue
		}
		n := s.deliverLocked(c, seq, now)
		return c.stream.msgs[seq-1], n, s.token, true
	}
	for c.next < len(c.stream.msgs) {
		r := c.stream.msgs[c.next]
		c.next++
		if !streams.Match(c.cfg.Subject, r.Subject) {
			continue
		}
		n := s.deliverLocked(c, r.Seq, now)
		return r, n, s.token, true
	}
	return Record{}, 0, 0, false
}

func (s *Server) deliverLocked(c *consumer, seq uint64, now time.Time) int {
	s.token++
	c.attempts[seq]++
	c.inflight[seq] = delivery{token: s.token, deadline: now.Add(c.cfg.AckWait)}
	return c.attempts[seq]
}

func (s *Server) nextDeadlineLocked(c *consumer) (time.Time, bool) {
	var (
		first time.Time
		ok    bool
	)
	for _, d := range c.inflight {
		if !ok || d.deadline.Before(first) {
			first, ok = d.deadline, true
		}
	}
	return first, ok
}

func (s *Server) resolve(c *consumer, seq, token uint64, ack bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := c.inflight[seq]
	if !ok || d.token != token {
		return ErrNotInFlight
	}
	delete(c.inflight, seq)
	if ack {
		c.acked[seq] = true
		delete(c.attempts, seq)
		return nil
	}
	s.requeueLocked(c, seq)
	s.broadcastLocked()
	return nil
}

// Conn is one client connection to a Server.
type Conn struct {
	srv    *Server
	once   sync.Once
	closed chan struct{}
}

var _ bus.Bus = (*Conn)(nil)

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Publish implements bus.Publisher.
func (c *Conn) Publish(ctx context.Context, subject string, data []byte, opts ...bus.PublishOption) error {
	if c.isClosed() {
		return bus.ErrConnection
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.srv.publish(subject, data, bus.ApplyPublishOptions(opts))
}

// Subscribe implements bus.Bus.
func (c *Conn) Subscribe(_ context.Context, cfg bus.ConsumerConfig) (bus.Subscription, error) {
	if c.isClosed() {
		return nil, bus.ErrConnection
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cons, err := c.srv.bind(cfg)
	if err != nil {
		return nil, err
	}
	return &subscription{conn: c, cons: cons, stopped: make(chan struct{})}, nil
}

// EnsureStreams implements bus.Bus.
func (c *Conn) EnsureStreams(_ context.Context, defs []streams.Stream) error {
	if c.isClosed() {
		return bus.ErrConnection
	}
	return c.srv.ensure(defs)
}

// Close implements bus.Bus. Durable consumer state is kept on the server.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type subscription struct {
	conn    *Conn
	cons    *consumer
	once    sync.Once
	stopped chan struct{}
}

func (s *subscription) Next(ctx context.Context) (bus.Message, error) {
	srv := s.conn.srv
	for {
		select {
		case <-s.conn.closed:
			return nil, bus.ErrConnection
		case <-s.stopped:
			return nil, bus.ErrSubscriptionClosed
		default:
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		srv.mu.Lock()
		now := srv.now()
		srv.expireLocked(s.cons, now)
		rec, n, token, ok := srv.takeLocked(s.cons, now)
		changed := srv.changed
		deadline, hasDeadline := srv.nextDeadlineLocked(s.cons)
		srv.mu.Unlock()

		if ok {
			return &message{srv: srv, cons: s.cons, rec: rec, delivered: n, token: token}, nil
		}

		var (
			timer *time.Timer
			wake  <-chan time.Time
		)
		if hasDeadline {
			timer = time.NewTimer(max(time.Until(deadline), time.Millisecond))
			wake = timer.C
		}
		select {
		case <-ctx.Done():
		case <-s.conn.closed:
		case <-s.stopped:
		case <-changed:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *subscription) Stop() error {
	s.once.Do(func() {
		close(s.stopped)
		s.conn.srv.unbind(s.cons)
	})
	return nil
}

type message struct {
	srv       *Server
	cons      *consumer
	rec       Record
	delivered int
	token     uint64
}

func (m *message) Subject() string            { return m.rec.Subject }
func (m *message) Data() []byte               { return m.rec.Data }
func (m *message) Headers() map[string]string { return m.rec.Headers }
func (m *message) Delivered() int             { return m.delivered }

func (m *message) Ack() error { return m.srv.resolve(m.cons, m.rec.Seq, m.token, true) }
func (m *message) Nak() error { return m.srv.resolve(m.cons, m.rec.Seq, m.token, false) }
