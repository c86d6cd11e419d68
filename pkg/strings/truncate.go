// Package strings holds text helpers for CLI tables.
package strings

import (
	"strings"
)

// DefaultCellWidth is the widest free-text table cell.
const DefaultCellWidth = 60

// minWidth leaves room for one character plus the ellipsis.
const minWidth = 4

// Truncate collapses all whitespace in s to single spaces and cuts the
// result to width runes, ending in "..." when shortened.
func Truncate(s string, width int) string {
	if width < minWidth {
		width = minWidth
	}
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) > width {
		return string(runes[:width-3]) + "..."
	}
	return s
}

// LastLine returns the final non-empty line of s, which is where command
// line tools usually print the reason they failed.
func LastLine(s string) string {
	s = strings.TrimRight(s, "\r\n\t ")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return strings.TrimSpace(s)
}
