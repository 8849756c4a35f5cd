package ingest

import (
	"unicode/utf8"

	"github.com/kon-rad/tracetap/pkg/entry"
)

const truncatedSuffix = "[truncated]"

// TruncateText cuts input to at most maxBytes, backing off to a rune
// boundary and marking the cut with a suffix.
func TruncateText(input string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(input) <= maxBytes {
		return input
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(input[cut]) {
		cut--
	}
	return input[:cut] + truncatedSuffix
}

// truncateEntry applies TruncateText to every free-text field of e.
func truncateEntry(e *entry.Entry, maxBytes int) {
	if maxBytes <= 0 {
		return
	}
	for _, field := range []*string{
		&e.Message, &e.Stack, &e.Text, &e.Value,
		&e.RequestBody, &e.ResponseBody, &e.Error,
	} {
		*field = TruncateText(*field, maxBytes)
	}
	for i := range e.Args {
		e.Args[i] = TruncateText(e.Args[i], maxBytes)
	}
}
