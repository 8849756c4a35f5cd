// Package entry defines the telemetry records shared by the capture client
// and the collector.
package entry

import (
	"sync"
	"time"
)

type Type string

const (
	TypeEvent     Type = "event"
	TypeLog       Type = "log"
	TypeError     Type = "error"
	TypeNetwork   Type = "network"
	TypeServerLog Type = "server-log"
)

// Valid reports whether t is one of the known entry types.
func (t Type) Valid() bool {
	switch t {
	case TypeEvent, TypeLog, TypeError, TypeNetwork, TypeServerLog:
		return true
	}
	return false
}

// TimeFormat is the ISO-8601 layout used for the ts field.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Timing is the phase breakdown of a network request, in milliseconds.
type Timing struct {
	DNS     int64 `json:"dns"`
	Connect int64 `json:"connect"`
	TLS     int64 `json:"tls"`
	TTFB    int64 `json:"ttfb"`
	Total   int64 `json:"total"`
}

// Entry is one persisted or broadcast unit of telemetry. Only the fields
// relevant to Type are populated.
type Entry struct {
	Type  Type   `json:"type"`
	TS    string `json:"ts"`
	MS    int64  `json:"ms"`
	Count int    `json:"count,omitempty"`

	// event
	Event     string `json:"event,omitempty"`
	Target    string `json:"target,omitempty"`
	Component string `json:"component,omitempty"`
	Text      string `json:"text,omitempty"`
	Value     string `json:"value,omitempty"`

	// log, server-log, error
	Level   string   `json:"level,omitempty"`
	Message string   `json:"message,omitempty"`
	Args    []string `json:"args,omitempty"`
	Source  string   `json:"source,omitempty"`
	Stack   string   `json:"stack,omitempty"`
	Line    int      `json:"line,omitempty"`
	Column  int      `json:"column,omitempty"`

	// network (url is shared with event)
	URL             string            `json:"url,omitempty"`
	Method          string            `json:"method,omitempty"`
	Status          int               `json:"status,omitempty"`
	Duration        int64             `json:"duration,omitempty"`
	RequestHeaders  map[string]string `json:"requestHeaders,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	RequestBody     string            `json:"requestBody,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ContentType     string            `json:"contentType,omitempty"`
	Timing          *Timing           `json:"timing,omitempty"`
	RequestID       string            `json:"requestId,omitempty"`
	Pending         bool              `json:"pending,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// Occurrences returns how many captures the entry stands for.
func (e Entry) Occurrences() int {
	if e.Count < 1 {
		return 1
	}
	return e.Count
}

// FormatTS renders epoch milliseconds in TimeFormat (UTC).
func FormatTS(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(TimeFormat)
}

// ParseTS parses a ts value. RFC 3339 with or without fractional seconds
// is accepted.
func ParseTS(ts string) (int64, bool) {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}

// Stamper hands out ts/ms pairs that never go backwards within one
// process, even if the wall clock does.
type Stamper struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

func (s *Stamper) Stamp() (string, int64) {
	s.mu.Lock()
	ms := s.now().UnixMilli()
	if ms < s.last {
		ms = s.last
	}
	s.last = ms
	s.mu.Unlock()
	return FormatTS(ms), ms
}

// Apply stamps e in place.
func (s *Stamper) Apply(e *Entry) {
	e.TS, e.MS = s.Stamp()
}
