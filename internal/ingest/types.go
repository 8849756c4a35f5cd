package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kon-rad/tracetap/pkg/entry"
)

// DefaultMaxFieldBytes caps free-text fields accepted from reporters.
const DefaultMaxFieldBytes = 256 << 10

const unserializable = "[Unserializable]"

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown entry type")
)

type eventPayload struct {
	Event     string `json:"event"`
	Target    string `json:"target"`
	Component string `json:"component"`
	Text      string `json:"text"`
	Value     string `json:"value"`
	URL       string `json:"url"`
}

type logPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Args    []any  `json:"args"`
}

type errorPayload struct {
	Message string `json:"message"`
	Stack   string `json:"stack"`
	Source  string `json:"source"`
	Line    int    `json:"line"`
	Column  int    `json:"column"`
}

type networkPayload struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Status          int               `json:"status"`
	Duration        int64             `json:"duration"`
	RequestHeaders  map[string]string `json:"requestHeaders"`
	ResponseHeaders map[string]string `json:"responseHeaders"`
	RequestBody     string            `json:"requestBody"`
	ResponseBody    string            `json:"responseBody"`
	ContentType     string            `json:"contentType"`
	Timing          *entry.Timing     `json:"timing"`
	RequestID       string            `json:"requestId"`
	Pending         bool              `json:"pending"`
	Error           string            `json:"error"`
	Stack           string            `json:"stack"`
}

type serverLogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Args    []any  `json:"args"`
	Source  string `json:"source"`
	TS      string `json:"ts"`
	MS      int64  `json:"ms"`
}

// buildEntry decodes the data member of an envelope of type typ. decode
// unmarshals the raw data into the payload struct it is given, so the same
// dispatch serves every wire codec. Empty fields are stored as sent; only
// undecodable data or an unknown type is rejected.
func buildEntry(typ entry.Type, decode func(any) error) (entry.Entry, error) {
	switch typ {
	case entry.TypeEvent:
		var p eventPayload
		if err := decode(&p); err != nil {
			return entry.Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return entry.Entry{
			Type:      typ,
			Event:     p.Event,
			Target:    p.Target,
			Component: p.Component,
			Text:      p.Text,
			Value:     p.Value,
			URL:       p.URL,
		}, nil
	case entry.TypeLog:
		var p logPayload
		if err := decode(&p); err != nil {
			return entry.Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.Level == "" {
			p.Level = "log"
		}
		return entry.Entry{Type: typ, Level: p.Level, Message: p.Message, Args: serializeArgs(p.Args)}, nil
	case entry.TypeError:
		var p errorPayload
		if err := decode(&p); err != nil {
			return entry.Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return entry.Entry{
			Type:    typ,
			Message: p.Message,
			Stack:   p.Stack,
			Source:  p.Source,
			Line:    p.Line,
			Column:  p.Column,
		}, nil
	case entry.TypeNetwork:
		var p networkPayload
		if err := decode(&p); err != nil {
			return entry.Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return entry.Entry{
			Type:            typ,
			Method:          p.Method,
			URL:             p.URL,
			Status:          p.Status,
			Duration:        p.Duration,
			RequestHeaders:  p.RequestHeaders,
			ResponseHeaders: p.ResponseHeaders,
			RequestBody:     p.RequestBody,
			ResponseBody:    p.ResponseBody,
			ContentType:     p.ContentType,
			Timing:          p.Timing,
			RequestID:       p.RequestID,
			Pending:         p.Pending,
			Error:           p.Error,
			Stack:           p.Stack,
		}, nil
	case entry.TypeServerLog:
		var p serverLogPayload
		if err := decode(&p); err != nil {
			return entry.Entry{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if p.Level == "" {
			p.Level = "info"
		}
		e := entry.Entry{
			Type:    typ,
			Level:   p.Level,
			Message: p.Message,
			Args:    serializeArgs(p.Args),
			Source:  p.Source,
			TS:      p.TS,
			MS:      p.MS,
		}
		if e.MS == 0 && e.TS != "" {
			if ms, ok := entry.ParseTS(e.TS); ok {
				e.MS = ms
			}
		}
		if e.TS == "" && e.MS != 0 {
			e.TS = entry.FormatTS(e.MS)
		}
		return e, nil
	default:
		return entry.Entry{}, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
}

// serializeArgs renders extra console arguments as strings. Strings pass
// through unchanged; other values are JSON encoded.
func serializeArgs(args []any) []string {
	if len(args) == 0 {
		return nil
	}
	out := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			out = append(out, v)
		default:
			raw, err := json.Marshal(v)
			if err != nil {
				out = append(out, unserializable)
				continue
			}
			out = append(out, string(raw))
		}
	}
	return out
}
