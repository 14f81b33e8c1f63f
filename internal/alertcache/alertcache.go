// Package alertcache stores the enriched alert the orchestrator builds, so
// later stages and the alert data request path can read it back by id.
package alertcache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long an enriched alert is kept.
const DefaultTTL = 24 * time.Hour

// Key returns the cache key for an alert id.
func Key(alertID string) string { return "alert:" + alertID }

// Cache is an alert data cache.
type Cache interface {
	Put(ctx context.Context, alertID string, data map[string]any, ttl time.Duration) error
	// Get returns the cached alert, or ok=false when absent or expired.
	Get(ctx context.Context, alertID string) (data map[string]any, ok bool, err error)
}

type entry struct {
	data    map[string]any
	expires time.Time
}

// Memory is an in-process Cache. Expired entries are removed lazily on Get
// and on Put.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an empty in-process cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]entry), now: time.Now}
}

// Put implements Cache.
func (m *Memory) Put(_ context.Context, alertID string, data map[string]any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	m.entries[Key(alertID)] = entry{data: clone(data), expires: now.Add(ttl)}
	return nil
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, alertID string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(alertID)
	e, ok := m.entries[k]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, k)
		return nil, false, nil
	}
	return clone(e.data), true, nil
}

// Len returns the number of entries, including expired ones not yet removed.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// clone copies nested maps and slices so callers never share state with
// the cache.
func clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clone(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		c := make(map[string]string, len(t))
		for k, e := range t {
			c[k] = e
		}
		return c
	default:
		return v
	}
}
