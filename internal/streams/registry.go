// Package streams is the single source of truth for bus subjects: which streams
// exist, which subjects each stream carries, which physical subject a logical
// publish key resolves to, and which physical subjects serve a logical task.
package streams

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Stream is one persisted stream definition.
type Stream struct {
	Name        string   `yaml:"name"`
	Subjects    []string `yaml:"subjects"`
	Description string   `yaml:"description"`
}

// UnknownSubjectError is returned when a logical key is not registered.
type UnknownSubjectError struct {
	Key string
}

func (e *UnknownSubjectError) Error() string {
	return fmt.Sprintf("streams: unknown subject key %q", e.Key)
}

// Registry maps logical names to subjects and subjects to streams. A Registry
// is immutable after construction and safe for concurrent use.
type Registry struct {
	streams []Stream
	publish map[string]string
	aliases map[string][]string
}

// New builds a registry from explicit tables. Inputs are copied.
func New(streams []Stream, publish map[string]string, aliases map[string][]string) *Registry {
	r := &Registry{
		streams: make([]Stream, 0, len(streams)),
		publish: maps.Clone(publish),
		aliases: make(map[string][]string, len(aliases)),
	}
	for _, s := range streams {
		s.Subjects = slices.Clone(s.Subjects)
		r.streams = append(r.streams, s)
	}
	for k, v := range aliases {
		r.aliases[k] = slices.Clone(v)
	}
	if r.publish == nil {
		r.publish = map[string]string{}
	}
	return r
}

// Default returns the registry for the stock stream layout.
func Default() *Registry {
	return New(defaultStreams, defaultPublish, defaultAliases)
}

// ResolvePublishSubject returns the subject registered for a logical key.
func (r *Registry) ResolvePublishSubject(key string) (string, error) {
	subj, ok := r.publish[key]
	if !ok || subj == "" {
		return "", &UnknownSubjectError{Key: key}
	}
	return subj, nil
}

// Subject resolves key and appends suffix tokens, e.g.
// Subject("agent_status", "observability") is "agent.status.observability".
func (r *Registry) Subject(key string, suffix ...string) (string, error) {
	base, err := r.ResolvePublishSubject(key)
	if err != nil {
		return "", err
	}
	if len(suffix) == 0 {
		return base, nil
	}
	parts := make([]string, 0, len(suffix)+1)
	parts = append(parts, base)
	for _, s := range suffix {
		parts = append(parts, Token(s))
	}
	return strings.Join(parts, "."), nil
}

// MustSubject is Subject for keys known at compile time. It panics on an
// unregistered key.
func (r *Registry) MustSubject(key string, suffix ...string) string {
	s, err := r.Subject(key, suffix...)
	if err != nil {
		panic(err)
	}
	return s
}

// ResolveStreamForSubject returns the first stream whose subject patterns
// match subject.
func (r *Registry) ResolveStreamForSubject(subject string) (string, bool) {
	for _, s := range r.streams {
		for _, pattern := range s.Subjects {
			if Match(pattern, subject) {
				return s.Name, true
			}
		}
	}
	return "", false
}

// StreamsForSubject returns every stream that covers subject.
func (r *Registry) StreamsForSubject(subject string) []string {
	var out []string
	for _, s := range r.streams {
		for _, pattern := range s.Subjects {
			if Match(pattern, subject) {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}

// Stream returns a copy of the named stream definition.
func (r *Registry) Stream(name string) (Stream, bool) {
	for _, s := range r.streams {
		if s.Name == name {
			s.Subjects = slices.Clone(s.Subjects)
			return s, true
		}
	}
	return Stream{}, false
}

// Streams returns a copy of all stream definitions, in registration order.
func (r *Registry) Streams() []Stream {
	out := make([]Stream, 0, len(r.streams))
	for _, s := range r.streams {
		s.Subjects = slices.Clone(s.Subjects)
		out = append(out, s)
	}
	return out
}

// PublishKeys returns the registered logical keys, sorted.
func (r *Registry) PublishKeys() []string {
	return slices.Sorted(maps.Keys(r.publish))
}

// Aliases returns the physical subjects serving a logical task. The first
// entry is the canonical subject.
func (r *Registry) Aliases(task string) ([]string, error) {
	subs, ok := r.aliases[task]
	if !ok || len(subs) == 0 {
		return nil, &UnknownSubjectError{Key: task}
	}
	return slices.Clone(subs), nil
}

// Canonical returns the canonical subject for a logical task.
func (r *Registry) Canonical(task string) (string, error) {
	subs, err := r.Aliases(task)
	if err != nil {
		return "", err
	}
	return subs[0], nil
}

// Tasks returns the logical task names, sorted.
func (r *Registry) Tasks() []string {
	return slices.Sorted(maps.Keys(r.aliases))
}

// Token makes s safe to use as a single subject token.
func Token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(c rune) rune {
		switch c {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return c
	}, s)
}
