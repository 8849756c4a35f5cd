package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"unicode/utf8"
)

const (
	MaxArgChars  = 500
	MaxTextChars = 300
	maxFrames    = 10

	unserializable = "[Unserializable]"
	ellipsis       = "..."
)

// Label is the human-readable description of an interaction target.
type Label struct {
	Descriptor string
	Component  string
}

// Labeler describes targets for event entries. The platform binding owns
// the implementation; it runs only at flush time.
type Labeler interface {
	Label(target any) Label
}

type defaultLabeler struct{}

func (defaultLabeler) Label(target any) Label {
	switch v := target.(type) {
	case nil:
		return Label{}
	case string:
		return Label{Descriptor: v}
	case Label:
		return v
	case fmt.Stringer:
		return Label{Descriptor: v.String()}
	default:
		return Label{Descriptor: fmt.Sprintf("%T", v)}
	}
}

// truncateChars cuts s to max characters, marking the cut.
func truncateChars(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + ellipsis
		}
		n++
	}
	return s
}

// SerializeArg renders a console argument the way it is stored.
func SerializeArg(v any) string {
	var out string
	switch a := v.(type) {
	case nil:
		out = "null"
	case string:
		out = a
	case error:
		out = a.Error()
	case fmt.Stringer:
		out = a.String()
	default:
		raw, err := json.Marshal(a)
		if err != nil {
			return unserializable
		}
		out = string(raw)
	}
	return truncateChars(out, MaxArgChars)
}

// callers snapshots the current stack without symbolizing it.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}

// internalFrame reports frames from the capture machinery itself and the
// Go runtime, which carry no information for the reader.
func internalFrame(fn string) bool {
	return strings.HasPrefix(fn, "runtime.") ||
		strings.HasPrefix(fn, "runtime/debug.") ||
		strings.HasPrefix(fn, "github.com/kon-rad/tracetap/pkg/capture.") ||
		strings.HasPrefix(fn, "github.com/kon-rad/tracetap/pkg/netcapture.") ||
		strings.HasPrefix(fn, "net/http.")
}

// FormatStack symbolizes pcs, dropping internal frames and keeping at most
// maxFrames.
func FormatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	var b strings.Builder
	kept := 0
	for kept < maxFrames {
		f, more := frames.Next()
		if f.Function != "" && !internalFrame(f.Function) {
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
			kept++
		}
		if !more {
			break
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// FilterStackText drops internal frames from an already formatted stack
// in the two-line-per-frame layout produced by runtime/debug.Stack.
func FilterStackText(stack string) string {
	lines := strings.Split(stack, "\n")
	out := make([]string, 0, len(lines))
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		fn := strings.TrimSpace(line)
		if !strings.HasPrefix(line, "\t") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "\t") {
			if paren := strings.LastIndex(fn, "("); paren > 0 {
				fn = fn[:paren]
			}
			if internalFrame(fn) {
				i++
				continue
			}
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// errorStack extracts a stack from err when it carries one.
func errorStack(err error) string {
	var st interface{ StackTrace() string }
	if errors.As(err, &st) {
		return st.StackTrace()
	}
	return ""
}
