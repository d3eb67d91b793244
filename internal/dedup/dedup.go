// Package dedup decides whether a recognized title was already identified
// earlier in the same session.
package dedup

import (
	"strings"
	"unicode"
)

// Matcher reports whether candidate repeats any of the existing keys. Both
// sides are expected to be normalized already.
type Matcher interface {
	Match(candidate string, existing []string) bool
}

// Substring treats two keys as the same track when they are equal or one
// contains the other, which absorbs "(Remix)" and "feat. X" suffixes.
//
// Short keys over-match: "ab" is a duplicate of "abc song". That trade-off is
// kept on purpose; swap in Exact for higher precision.
type Substring struct{}

func (Substring) Match(candidate string, existing []string) bool {
	if candidate == "" {
		return false
	}
	for _, key := range existing {
		if key == "" {
			continue
		}
		if key == candidate || strings.Contains(key, candidate) || strings.Contains(candidate, key) {
			return true
		}
	}
	return false
}

// Exact only matches identical keys.
type Exact struct{}

func (Exact) Match(candidate string, existing []string) bool {
	if candidate == "" {
		return false
	}
	for _, key := range existing {
		if key == candidate {
			return true
		}
	}
	return false
}

// Normalize lowercases s, drops everything that is not a letter, digit or
// space, collapses runs of whitespace and trims.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// IsDuplicate normalizes both sides and applies the default Substring rule.
func IsDuplicate(candidate string, existing []string) bool {
	keys := make([]string, 0, len(existing))
	for _, title := range existing {
		keys = append(keys, Normalize(title))
	}
	return Substring{}.Match(Normalize(candidate), keys)
}
