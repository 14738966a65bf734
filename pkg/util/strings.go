package util

import "unicode/utf8"

// DefaultDisplayWidth is the width Truncate uses when given max <= 0.
const DefaultDisplayWidth = 120

const ellipsis = "..."

// Truncate shortens s to at most max bytes for display, ending it with "..."
// when something was cut. It never splits a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 {
		max = DefaultDisplayWidth
	}
	if len(s) <= max {
		return s
	}
	if max <= len(ellipsis) {
		return ellipsis[:max]
	}
	cut := max - len(ellipsis)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + ellipsis
}
