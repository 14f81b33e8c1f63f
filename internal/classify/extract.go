package classify

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Fallbacks when the analysis text carries no recognisable phrasing.
const (
	DefaultConfidence     = 0.6
	DefaultCause          = "Root cause analysis completed"
	DefaultRecommendation = "Review the analysis and take appropriate action"

	maxCause          = 200
	maxRecommendation = 300
	maxEvidence       = 3
)

var confidencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`confidence[:\s]+([0-9]+(?:\.[0-9]+)?)`),
	regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*%?\s*confidence`),
	regexp.MustCompile(`high confidence`),
	regexp.MustCompile(`medium confidence`),
	regexp.MustCompile(`low confidence`),
}

// Confidence extracts a 0..1 confidence from analysis text. Numeric values
// above 1 are read as percentages.
func Confidence(text string) float64 {
	lower := strings.ToLower(text)
	for _, re := range confidencePatterns {
		m := re.FindStringSubmatch(lower)
		if m == nil {
			continue
		}
		switch {
		case strings.Contains(m[0], "high"):
			return 0.9
		case strings.Contains(m[0], "medium"):
			return 0.7
		case strings.Contains(m[0], "low"):
			return 0.4
		}
		if len(m) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if v > 1 {
			v /= 100
		}
		return v
	}
	return DefaultConfidence
}

var (
	causeKeys          = []string{"root cause:", "identified root cause", "cause:", "primary cause"}
	evidenceKeys       = []string{"evidence:", "supporting evidence", "data shows", "indicates"}
	recommendationKeys = []string{"recommendation:", "recommended action", "suggest", "should"}
)

func hasAny(s string, keys []string) bool {
	return slices.ContainsFunc(keys, func(k string) bool { return strings.Contains(s, k) })
}

// afterColon returns the trimmed text after the first colon, or the whole
// trimmed line.
func afterColon(line string) string {
	if _, rest, ok := strings.Cut(line, ":"); ok {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(line)
}

// Cause extracts the headline cause: the text after a "root cause:" style
// marker, else the first substantial line.
func Cause(text string) string {
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if !hasAny(strings.ToLower(line), causeKeys) {
			continue
		}
		if c := afterColon(line); len(c) > 10 {
			return truncate(c, maxCause)
		}
	}
	for _, line := range lines {
		if l := strings.TrimSpace(line); len(l) > 20 {
			return truncate(l, maxCause)
		}
	}
	return DefaultCause
}

// Evidence returns up to three lines that read as supporting evidence.
func Evidence(text string) []string {
	out := []string{}
	for _, line := range strings.Split(text, "\n") {
		if hasAny(strings.ToLower(line), evidenceKeys) {
			out = append(out, strings.TrimSpace(line))
			if len(out) == maxEvidence {
				break
			}
		}
	}
	return out
}

// Recommendation extracts the first recommended action.
func Recommendation(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if !hasAny(strings.ToLower(line), recommendationKeys) {
			continue
		}
		if r := afterColon(line); len(r) > 10 {
			return truncate(r, maxRecommendation)
		}
	}
	return DefaultRecommendation
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
