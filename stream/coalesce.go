// Package stream turns raw provider stream chunks into ordered, normalized
// text and tool-call updates for the conversation kernel.
package stream

import (
	"regexp"
	"strings"
)

var (
	reNewlinePad  = regexp.MustCompile(`[ \t]*\n[ \t]*`)
	reHorizRun    = regexp.MustCompile(`[ \t]+`)
	reBeforePunct = regexp.MustCompile(`[ \t]+([,.;:!?%])`)
	reBeforeClose = regexp.MustCompile(`[ \t]+([)\]}”’»])`)
	reManyBlank   = regexp.MustCompile(`\n{3,}`)
)

// Coalesce merges text fragments into a single whitespace-correct string.
// Empty parts are dropped, runs of horizontal whitespace collapse to one
// space, and newlines absorb surrounding padding. The result is trimmed and
// stable: Coalesce([]string{Coalesce(parts)}) == Coalesce(parts).
func Coalesce(parts []string) string {
	out := ""
	for _, part := range parts {
		if part == "" {
			continue
		}
		part = normalizeFragment(part)
		if part == "" {
			continue
		}

		switch {
		case out == "":
			out = part
		case strings.HasSuffix(out, "\n") || strings.HasPrefix(part, "\n"):
			// Newline seam: no separator, drop horizontal padding only so
			// the newline itself survives.
			out += strings.TrimLeft(part, " \t")
		default:
			out = strings.TrimRight(out, " \t") + " " + strings.Trim(part, " \t")
		}
	}

	out = reBeforePunct.ReplaceAllString(out, "$1")
	out = reBeforeClose.ReplaceAllString(out, "$1")
	out = reManyBlank.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// normalizeFragment collapses horizontal whitespace inside one fragment.
// Newlines are kept, their padding is not.
func normalizeFragment(s string) string {
	s = reNewlinePad.ReplaceAllString(s, "\n")
	s = reHorizRun.ReplaceAllString(s, " ")
	return s
}
