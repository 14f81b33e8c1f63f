package streams

import (
	"strings"
	"testing"
)

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"alerts", "alerts", true},
		{"alerts", "alerts.x", false},
		{"alerts.>", "alerts", false},
		{"alerts.>", "alerts.x", true},
		{"alerts.>", "alerts.x.y", true},
		{"alert_data_response.*", "alert_data_response.a1", true},
		{"alert_data_response.*", "alert_data_response.a1.b", false},
		{"alert_data_response.*", "alert_data_response", false},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
		{"a.>.c", "a.b.c", false},
		{"", "a", false},
		{"a", "", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.subject); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestOverlaps(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want bool
	}{
		{"a", "a", true},
		{"a", "b", false},
		{"a.>", "a", false},
		{"a.>", "a.b", true},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.*.c", "a.b.>", true},
		{"agent.status.>", "agent.tasks.>", false},
		{">", "anything.at.all", true},
	}
	for _, tt := range tests {
		if got := Overlaps(tt.a, tt.b); got != tt.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
		if got := Overlaps(tt.b, tt.a); got != tt.want {
			t.Errorf("Overlaps(%q, %q) = %v, want %v (symmetric)", tt.b, tt.a, got, tt.want)
		}
	}
}

func FuzzSubjectMatch(f *testing.F) {
	f.Add("alerts.>", "alerts.x")
	f.Add("a.*.c", "a.b.c")
	f.Add("agent.status.>", "agent.status.obs")
	f.Add("x", "x")

	f.Fuzz(func(t *testing.T, pattern, subject string) {
		if strings.ContainsAny(subject, "*>") {
			return
		}
		// a concrete subject matched by a pattern always overlaps it
		if Match(pattern, subject) && !Overlaps(pattern, subject) {
			t.Errorf("Match(%q, %q) but no overlap", pattern, subject)
		}
		// concrete patterns only match themselves
		if !strings.ContainsAny(pattern, "*>") && Match(pattern, subject) && pattern != subject {
			t.Errorf("concrete pattern %q matched different subject %q", pattern, subject)
		}
	})
}
