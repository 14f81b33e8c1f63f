// Package memstore provides an in-memory implementation of incident.Store.
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/relay/internal/incident"
)

// Store holds incident reports in memory. Suitable for dev/testing.
type Store struct {
	mu      sync.RWMutex
	reports map[string]*incident.Report // alert id -> report
	now     func() time.Time
}

var _ incident.Store = (*Store)(nil)

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		reports: make(map[string]*incident.Report),
		now:     time.Now,
	}
}

// Get returns a copy of the report for alertID.
func (s *Store) Get(_ context.Context, alertID string) (*incident.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[alertID]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

// Put stores a copy of r.
func (s *Store) Put(_ context.Context, r *incident.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[r.AlertID] = r.Clone()
	return nil
}

// Update implements incident.Store.
func (s *Store) Update(_ context.Context, alertID string, fn func(r *incident.Report)) (*incident.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	r, ok := s.reports[alertID]
	if ok {
		r = r.Clone()
	} else {
		r = &incident.Report{
			ID:        ulid.Make().String(),
			AlertID:   alertID,
			Status:    incident.StatusOpen,
			CreatedAt: now,
		}
	}
	fn(r)
	r.AlertID = alertID
	r.UpdatedAt = now
	s.reports[alertID] = r
	return r.Clone(), nil
}

// List implements incident.Store.
func (s *Store) List(_ context.Context, limit int) ([]*incident.Report, error) {
	s.mu.RLock()
	out := make([]*incident.Report, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *incident.Report) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AlertID, b.AlertID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Pending implements incident.Store.
func (s *Store) Pending(_ context.Context) ([]*incident.Report, error) {
	s.mu.RLock()
	var out []*incident.Report
	for _, r := range s.reports {
		if r.Pending() {
			out = append(out, r.Clone())
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *incident.Report) int {
		if c := a.CycleStart().Compare(b.CycleStart()); c != 0 {
			return c
		}
		return cmp.Compare(a.AlertID, b.AlertID)
	})
	return out, nil
}
