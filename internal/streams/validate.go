package streams

import (
	"errors"
	"fmt"
	"strings"
)

// suffixToken stands in for the id/service suffix when checking keys that are
// only ever published with a suffix.
const suffixToken = "x"

// ValidateSubjects checks that each subject is covered by exactly one stream.
// Subjects may be concrete or wildcard filters.
func (r *Registry) ValidateSubjects(subjects ...string) error {
	var errs []error
	for _, subj := range subjects {
		owners := r.owners(subj)
		switch len(owners) {
		case 0:
			errs = append(errs, fmt.Errorf("subject %q is not covered by any stream", subj))
		case 1:
		default:
			errs = append(errs, fmt.Errorf("subject %q is covered by multiple streams: %s", subj, strings.Join(owners, ", ")))
		}
	}
	return errors.Join(errs...)
}

// Check validates the registry tables: stream names are unique and non-empty,
// no two streams claim overlapping subjects, and every publish key and alias
// subject is covered by exactly one stream.
func (r *Registry) Check() error {
	var errs []error

	seen := make(map[string]bool, len(r.streams))
	for _, s := range r.streams {
		if s.Name == "" {
			errs = append(errs, errors.New("stream with empty name"))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate stream %q", s.Name))
		}
		seen[s.Name] = true
		if len(s.Subjects) == 0 {
			errs = append(errs, fmt.Errorf("stream %q has no subjects", s.Name))
		}
	}

	for i := range r.streams {
		for j := i + 1; j < len(r.streams); j++ {
			for _, a := range r.streams[i].Subjects {
				for _, b := range r.streams[j].Subjects {
					if Overlaps(a, b) {
						errs = append(errs, fmt.Errorf("streams %q and %q overlap on %q / %q",
							r.streams[i].Name, r.streams[j].Name, a, b))
					}
				}
			}
		}
	}

	for _, key := range r.PublishKeys() {
		base := r.publish[key]
		if len(r.owners(base)) == 1 {
			continue
		}
		if err := r.ValidateSubjects(base + "." + suffixToken); err != nil {
			errs = append(errs, fmt.Errorf("publish key %q: %w", key, err))
		}
	}

	for _, task := range r.Tasks() {
		if err := r.ValidateSubjects(r.aliases[task]...); err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", task, err))
		}
	}

	return errors.Join(errs...)
}

// owners returns the streams covering subj. A wildcard filter is covered by
// a stream when one of its patterns overlaps the filter.
func (r *Registry) owners(subj string) []string {
	if !strings.ContainsAny(subj, "*>") {
		return r.StreamsForSubject(subj)
	}
	var out []string
	for _, s := range r.streams {
		for _, p := range s.Subjects {
			if Overlaps(p, subj) {
				out = append(out, s.Name)
				break
			}
		}
	}
	return out
}
