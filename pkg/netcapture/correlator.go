// Package netcapture observes outgoing HTTP requests and reports each one
// twice: a pending entry when it starts and a completed entry, sharing the
// same request id, once its bodies have been read.
package netcapture

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kon-rad/tracetap/pkg/capture"
	"github.com/kon-rad/tracetap/pkg/entry"
)

const (
	// MaxBodyBytes caps captured request and response text.
	MaxBodyBytes = 100 * 1024

	// DefaultSettleTimeout bounds how long a response body may stay unread
	// before the request is completed without it.
	DefaultSettleTimeout = 30 * time.Second

	truncatedSuffix = "[truncated]"
	unreadableBody  = "[Unable to read response]"
)

// Emitter receives pending and completed network entries. EmitPending
// decides once whether a request is captured; EmitCompleted is called only
// for requests it accepted.
type Emitter interface {
	EmitPending(entry.Entry) bool
	EmitCompleted(entry.Entry)
}

type Options struct {
	Now           func() time.Time
	MaxBodyBytes  int
	SettleTimeout time.Duration
	Logger        *slog.Logger
}

// Correlator tracks in-flight requests by request id.
type Correlator struct {
	emitter       Emitter
	now           func() time.Time
	maxBody       int
	settleTimeout time.Duration
	logger        *slog.Logger

	counter atomic.Uint64

	mu      sync.Mutex
	pending map[string]*pendingRecord
}

// pendingRecord is the partial state of one request. It is destroyed when
// merged into the completed entry.
type pendingRecord struct {
	start  time.Time
	pcs    []uintptr
	entry  entry.Entry
	timing *phases
	timer  *time.Timer

	requestDone  bool
	responseDone bool
}

func NewCorrelator(emitter Emitter, opts Options) *Correlator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = MaxBodyBytes
	}
	if opts.SettleTimeout <= 0 {
		opts.SettleTimeout = DefaultSettleTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Correlator{
		emitter:       emitter,
		now:           opts.Now,
		maxBody:       opts.MaxBodyBytes,
		settleTimeout: opts.SettleTimeout,
		logger:        opts.Logger,
		pending:       make(map[string]*pendingRecord),
	}
}

// Begin emits the pending entry of a request and, when the emitter accepts
// it, registers the request for completion. pcs is an unsymbolized stack
// snapshot of the caller. A false return means the request is not tracked.
func (c *Correlator) Begin(method, url string, headers http.Header, pcs []uintptr) (string, bool) {
	start := c.now()
	id := fmt.Sprintf("%d-%d", start.UnixMilli(), c.counter.Add(1))

	rec := &pendingRecord{
		start: start,
		pcs:   pcs,
		entry: entry.Entry{
			Type:           entry.TypeNetwork,
			TS:             entry.FormatTS(start.UnixMilli()),
			MS:             start.UnixMilli(),
			Method:         strings.ToUpper(method),
			URL:            url,
			RequestHeaders: flattenHeaders(headers),
			RequestID:      id,
		},
		timing: &phases{},
	}

	pending := rec.entry
	pending.Pending = true
	pending.RequestHeaders = copyHeaders(rec.entry.RequestHeaders)
	if !c.emitter.EmitPending(pending) {
		return id, false
	}

	c.mu.Lock()
	c.pending[id] = rec
	c.mu.Unlock()
	return id, true
}

// Response records the status line and headers once they arrive. The
// request completes anyway if its body is not read within the settle
// timeout.
func (c *Correlator) Response(id string, status int, headers http.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.pending[id]
	if !ok {
		return
	}
	rec.entry.Status = status
	rec.entry.ResponseHeaders = flattenHeaders(headers)
	rec.entry.ContentType = headers.Get("Content-Type")
	rec.timer = time.AfterFunc(c.settleTimeout, func() { c.ResponseBody(id, unreadableBody) })
}

// RequestBody settles the request body read.
func (c *Correlator) RequestBody(id, body string) {
	c.settle(id, false, body)
}

// ResponseBody settles the response body read. Only the first call for a
// request counts.
func (c *Correlator) ResponseBody(id, body string) {
	c.settle(id, true, body)
}

// Fail completes the request with a transport error instead of a status.
func (c *Correlator) Fail(id string, err error) {
	c.mu.Lock()
	rec, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	rec.entry.Error = err.Error()
	rec.entry.Status = 0
	c.complete(rec)
}

// Pending returns the number of requests still in flight.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) settle(id string, response bool, body string) {
	c.mu.Lock()
	rec, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if response {
		if rec.responseDone {
			c.mu.Unlock()
			return
		}
		rec.responseDone = true
		rec.entry.ResponseBody = body
	} else {
		if rec.requestDone {
			c.mu.Unlock()
			return
		}
		rec.requestDone = true
		rec.entry.RequestBody = body
	}
	done := rec.requestDone && rec.responseDone
	if done {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if done {
		c.complete(rec)
	}
}

func (c *Correlator) complete(rec *pendingRecord) {
	if rec.timer != nil {
		rec.timer.Stop()
	}
	end := c.now()
	e := rec.entry
	e.Pending = false
	e.TS, e.MS = entry.FormatTS(end.UnixMilli()), end.UnixMilli()
	e.Duration = end.Sub(rec.start).Milliseconds()
	e.Timing = rec.timing.breakdown(rec.start, end)
	e.Stack = capture.FormatStack(rec.pcs)
	c.emitter.EmitCompleted(e)
}

// phasesFor returns the timing recorder of an in-flight request.
func (c *Correlator) phasesFor(id string) *phases {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.pending[id]; ok {
		return rec.timing
	}
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		vals := append([]string(nil), v...)
		sort.Strings(vals)
		out[http.CanonicalHeaderKey(k)] = strings.Join(vals, ", ")
	}
	return out
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
