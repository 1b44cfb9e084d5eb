// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// TruncateRunes shortens s to at most max runes, appending an ellipsis when
// something was cut. It never splits a multi-byte rune.
func TruncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 1 {
		return string(runes[:max])
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

// ClipForPrompt bounds a document before it is inserted into a model prompt.
// Long inputs keep the head and tail with a cut marker in between so both the
// framing and the conclusion survive.
func ClipForPrompt(s string, maxRunes int) string {
	s = SanitizeText(s)
	n := utf8.RuneCountInString(s)
	if maxRunes <= 0 || n <= maxRunes {
		return s
	}
	runes := []rune(s)
	head := maxRunes * 2 / 3
	tail := maxRunes - head
	return string(runes[:head]) + "\n[... truncated ...]\n" + string(runes[n-tail:])
}

// CollapseWhitespace folds runs of whitespace into single spaces.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// FirstLine returns everything before the first newline, trimmed.
func FirstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// Snippet builds a compact single-line preview of s suitable for logs and
// event payloads.
func Snippet(s string, max int) string {
	return TruncateRunes(CollapseWhitespace(SanitizeText(s)), max)
}
