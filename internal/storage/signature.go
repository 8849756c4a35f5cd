package storage

import (
	"strconv"
	"strings"

	"github.com/kon-rad/tracetap/pkg/entry"
)

const sigSep = "\x1f"

// Signature is the key used to detect near-duplicate consecutive entries.
// Only fields that carry meaning for a human reading the log take part.
func Signature(e entry.Entry) string {
	var parts []string
	switch e.Type {
	case entry.TypeEvent:
		parts = []string{e.Event, e.Text, e.Target, e.Component, e.Value}
	case entry.TypeLog, entry.TypeServerLog:
		parts = append([]string{e.Level, e.Message}, e.Args...)
	case entry.TypeError:
		parts = []string{e.Message}
	case entry.TypeNetwork:
		parts = []string{e.Method, e.URL, strconv.Itoa(e.Status)}
	default:
		parts = []string{e.Message}
	}
	return string(e.Type) + sigSep + strings.Join(parts, sigSep)
}
