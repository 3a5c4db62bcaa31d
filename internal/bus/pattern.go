package bus

import (
	"regexp"
	"strings"
)

// compilePattern converts a NATS-style topic pattern into a regular
// expression: `*` matches a single token (no dots), `>` matches the rest of
// the subject. Literal patterns with no wildcard return a nil regex, so
// matches can fall back to a plain string comparison (§4.4 subscription
// model), grounded on the teacher's events/bus wildcard matcher.
func compilePattern(pattern string) *regexp.Regexp {
	if pattern == "*" {
		return regexp.MustCompile(`^.*$`)
	}
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `\>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}

// topicMatches reports whether topic satisfies pattern.
func topicMatches(topic, pattern string) bool {
	if pattern == "*" {
		return true
	}
	re := compilePattern(pattern)
	if re == nil {
		return topic == pattern
	}
	return re.MatchString(topic)
}
