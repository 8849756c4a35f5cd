package logtail

import (
	"bytes"
	"strings"
	"time"

	"github.com/kon-rad/tracetap/pkg/entry"
	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// ParseLine turns one log line into a server-log entry. Structured JSON
// lines contribute their level, message and time fields; plain lines get a
// level inferred from keywords and a timestamp from a leading RFC 3339
// stamp when one is present. ts/ms stay zero when the line carries no
// time of its own.
func ParseLine(line []byte) entry.Entry {
	e := entry.Entry{Type: entry.TypeServerLog}
	if len(line) > 0 && line[0] == '{' && parseJSONLine(line, &e) {
		return e
	}

	text := string(line)
	if stamp, rest, ok := strings.Cut(text, " "); ok {
		if t, err := time.Parse(time.RFC3339Nano, strings.Trim(stamp, "[]")); err == nil {
			e.MS = t.UnixMilli()
			e.TS = entry.FormatTS(e.MS)
			text = strings.TrimSpace(rest)
		}
	}
	e.Message = text
	e.Level = inferLevel(text)
	return e
}

func parseJSONLine(line []byte, e *entry.Entry) bool {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(line)
	if err != nil || v.Type() != fastjson.TypeObject {
		return false
	}
	msg := firstString(v, "msg", "message")
	if msg == "" {
		return false
	}
	e.Message = msg
	e.Level = normalizeLevel(firstString(v, "level", "severity"))
	if e.Level == "" {
		e.Level = inferLevel(msg)
	}
	if ts := firstString(v, "time", "ts", "timestamp"); ts != "" {
		if ms, ok := entry.ParseTS(ts); ok {
			e.MS = ms
			e.TS = entry.FormatTS(ms)
		}
	}
	return true
}

func firstString(v *fastjson.Value, keys ...string) string {
	for _, k := range keys {
		if b := v.GetStringBytes(k); len(b) > 0 {
			return string(b)
		}
	}
	return ""
}

func normalizeLevel(level string) string {
	switch strings.ToLower(level) {
	case "":
		return ""
	case "warning", "warn":
		return "warn"
	case "err", "error", "fatal", "panic", "critical":
		return "error"
	case "debug", "trace":
		return "debug"
	default:
		return "info"
	}
}

var (
	errorWords = [][]byte{[]byte("error"), []byte("exception"), []byte("fatal"), []byte("panic"), []byte("failed")}
	warnWords  = [][]byte{[]byte("warn"), []byte("deprecated")}
)

func inferLevel(text string) string {
	l := bytes.ToLower([]byte(text))
	for _, w := range errorWords {
		if bytes.Contains(l, w) {
			return "error"
		}
	}
	for _, w := range warnWords {
		if bytes.Contains(l, w) {
			return "warn"
		}
	}
	if bytes.Contains(l, []byte("debug")) {
		return "debug"
	}
	return "info"
}
