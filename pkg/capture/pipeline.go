// Package capture buffers raw telemetry captured inside a host program and
// hands enriched batches to a transport at idle points.
package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kon-rad/tracetap/pkg/entry"
)

var idleTimeouts = map[Category]time.Duration{
	CategoryEvent:   500 * time.Millisecond,
	CategoryLog:     1000 * time.Millisecond,
	CategoryError:   200 * time.Millisecond,
	CategoryNetwork: 500 * time.Millisecond,
}

var batchSizes = map[Category]int{
	CategoryEvent:   10,
	CategoryLog:     20,
	CategoryError:   10,
	CategoryNetwork: 20,
}

// Sink receives enriched batches. Down reports a tripped circuit breaker;
// while it is true nothing is queued.
type Sink interface {
	Deliver(batch []entry.Entry)
	Down() bool
}

// RawCapture is a capture awaiting enrichment. Only the fields relevant to
// Category are set.
type RawCapture struct {
	Category Category
	TS       string
	MS       int64

	Event  string
	Target any
	Text   string
	Value  string
	URL    string

	Level string
	Args  []any

	Err     error
	Message string
	Stack   string
	Source  string
	Line    int
	Column  int
	pcs     []uintptr

	// Entry carries network observations, which arrive already shaped.
	Entry *entry.Entry
}

type Options struct {
	Sink          Sink
	Labeler       Labeler
	Scheduler     Scheduler
	RateLimits    map[Category]int
	QueueCapacity int
	Now           func() time.Time
	Logger        *slog.Logger
}

type Stats struct {
	Admitted     int64
	RateLimited  int64
	QueueFull    int64
	Suppressed   int64
	EnrichFailed int64
	Delivered    int64
}

// Pipeline is one client attachment: its own limiter, queues and
// scheduled flushes.
type Pipeline struct {
	sink      Sink
	labeler   Labeler
	scheduler Scheduler
	limiter   *RateLimiter
	stamper   *entry.Stamper
	logger    *slog.Logger
	sessionID string

	flushMu sync.Mutex

	mu      sync.Mutex
	queues  map[Category]*queue
	pending map[Category]func()
	closed  bool

	admitted     atomic.Int64
	rateLimited  atomic.Int64
	queueFull    atomic.Int64
	suppressed   atomic.Int64
	enrichFailed atomic.Int64
	delivered    atomic.Int64
}

func New(opts Options) *Pipeline {
	if opts.Labeler == nil {
		opts.Labeler = defaultLabeler{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = DeferScheduler{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	p := &Pipeline{
		sink:      opts.Sink,
		labeler:   opts.Labeler,
		scheduler: opts.Scheduler,
		limiter:   NewRateLimiter(opts.RateLimits, opts.Now),
		stamper:   entry.NewStamper(opts.Now),
		logger:    logger,
		sessionID: uuid.NewString(),
		queues:    make(map[Category]*queue, len(categories)),
		pending:   make(map[Category]func(), len(categories)),
	}
	for _, c := range categories {
		p.queues[c] = newQueue(opts.QueueCapacity)
	}
	return p
}

func (p *Pipeline) SessionID() string {
	return p.sessionID
}

// Capture admits raw for later delivery. It is cheap and never blocks on
// I/O; a false return means the capture was dropped.
func (p *Pipeline) Capture(raw RawCapture) bool {
	return p.admit(raw, admitOne)
}

type admission int

const (
	admitOne admission = iota
	// admitOpening also holds a queue slot for the closing half.
	admitOpening
	// admitClosing skips the limiter and fills the held slot.
	admitClosing
)

func (p *Pipeline) admit(raw RawCapture, mode admission) bool {
	if p.sink.Down() {
		p.suppressed.Add(1)
		if mode == admitClosing {
			p.release(raw.Category)
		}
		return false
	}
	if mode != admitClosing && !p.limiter.Allow(raw.Category) {
		p.rateLimited.Add(1)
		return false
	}
	if raw.MS == 0 {
		raw.TS, raw.MS = p.stamper.Stamp()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	q, ok := p.queues[raw.Category]
	if !ok {
		return false
	}
	var pushed bool
	switch mode {
	case admitOpening:
		pushed = q.pushReserving(raw)
	case admitClosing:
		pushed = q.pushReserved(raw)
	default:
		pushed = q.push(raw)
	}
	if !pushed {
		p.queueFull.Add(1)
		return false
	}
	p.admitted.Add(1)
	p.scheduleLocked(raw.Category)
	return true
}

func (p *Pipeline) release(c Category) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[c]; ok {
		q.release()
	}
}

func (p *Pipeline) scheduleLocked(c Category) {
	if _, scheduled := p.pending[c]; scheduled {
		return
	}
	p.pending[c] = p.scheduler.Schedule(idleTimeouts[c], func() { p.flush(c, true) })
}

// flush delivers one batch of c. With reschedule set, a non-empty queue
// gets another flush scheduled.
func (p *Pipeline) flush(c Category, reschedule bool) int {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	delete(p.pending, c)
	q := p.queues[c]
	batch := q.pop(batchSizes[c])
	if reschedule && q.len() > 0 {
		p.scheduleLocked(c)
	}
	p.mu.Unlock()

	entries := make([]entry.Entry, 0, len(batch))
	for _, raw := range batch {
		if e, ok := p.enrichSafe(raw); ok {
			entries = append(entries, e)
		}
	}
	if len(entries) > 0 {
		p.sink.Deliver(entries)
		p.delivered.Add(int64(len(entries)))
	}
	return len(batch)
}

// Drain synchronously flushes every queue, bypassing the scheduler.
func (p *Pipeline) Drain() {
	p.mu.Lock()
	for c, cancel := range p.pending {
		cancel()
		delete(p.pending, c)
	}
	p.mu.Unlock()

	for _, c := range categories {
		for p.flush(c, false) > 0 {
		}
	}
}

// Close cancels scheduled flushes and discards everything still queued.
// No batch is delivered after Close returns.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	for c, cancel := range p.pending {
		cancel()
		delete(p.pending, c)
	}
	for _, q := range p.queues {
		q.reset()
	}
	p.mu.Unlock()

	// Wait out a flush that was already running.
	p.flushMu.Lock()
	p.flushMu.Unlock()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Admitted:     p.admitted.Load(),
		RateLimited:  p.rateLimited.Load(),
		QueueFull:    p.queueFull.Load(),
		Suppressed:   p.suppressed.Load(),
		EnrichFailed: p.enrichFailed.Load(),
		Delivered:    p.delivered.Load(),
	}
}

func (p *Pipeline) enrichSafe(raw RawCapture) (e entry.Entry, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			p.enrichFailed.Add(1)
			p.logger.Debug("capture enrichment failed", "category", raw.Category, "panic", r)
			ok = false
		}
	}()
	return p.enrich(raw), true
}

func (p *Pipeline) enrich(raw RawCapture) entry.Entry {
	switch raw.Category {
	case CategoryEvent:
		label := p.labeler.Label(raw.Target)
		return entry.Entry{
			Type:      entry.TypeEvent,
			TS:        raw.TS,
			MS:        raw.MS,
			Event:     raw.Event,
			Target:    label.Descriptor,
			Component: label.Component,
			Text:      truncateChars(raw.Text, MaxTextChars),
			Value:     truncateChars(raw.Value, MaxArgChars),
			URL:       raw.URL,
		}
	case CategoryLog:
		e := entry.Entry{Type: entry.TypeLog, TS: raw.TS, MS: raw.MS, Level: raw.Level}
		if e.Level == "" {
			e.Level = "log"
		}
		if len(raw.Args) > 0 {
			e.Message = SerializeArg(raw.Args[0])
			for _, a := range raw.Args[1:] {
				e.Args = append(e.Args, SerializeArg(a))
			}
		}
		return e
	case CategoryError:
		e := entry.Entry{
			Type:    entry.TypeError,
			TS:      raw.TS,
			MS:      raw.MS,
			Message: raw.Message,
			Source:  raw.Source,
			Line:    raw.Line,
			Column:  raw.Column,
		}
		if raw.Err != nil && e.Message == "" {
			e.Message = raw.Err.Error()
		}
		switch {
		case raw.Stack != "":
			e.Stack = FilterStackText(raw.Stack)
		case raw.Err != nil && errorStack(raw.Err) != "":
			e.Stack = FilterStackText(errorStack(raw.Err))
		default:
			e.Stack = FormatStack(raw.pcs)
		}
		return e
	case CategoryNetwork:
		e := *raw.Entry
		e.TS, e.MS = raw.TS, raw.MS
		return e
	default:
		panic("unknown capture category " + string(raw.Category))
	}
}

// CaptureEvent records a user interaction. target is passed to the
// Labeler at flush time.
func (p *Pipeline) CaptureEvent(kind string, target any, text, value string) bool {
	return p.Capture(RawCapture{Category: CategoryEvent, Event: kind, Target: target, Text: text, Value: value})
}

// CaptureLog records a console-style call: the first argument becomes the
// message and the rest are serialized as extra arguments.
func (p *Pipeline) CaptureLog(level string, args ...any) bool {
	return p.Capture(RawCapture{Category: CategoryLog, Level: level, Args: args})
}

// CaptureError records err together with the caller's stack.
func (p *Pipeline) CaptureError(err error) bool {
	if err == nil {
		return false
	}
	return p.Capture(RawCapture{Category: CategoryError, Err: err, pcs: callers(1)})
}

// CaptureErrorReport records an error reported by a runtime hook that
// already knows its message and origin.
func (p *Pipeline) CaptureErrorReport(message, stack, source string, line, column int) bool {
	return p.Capture(RawCapture{
		Category: CategoryError,
		Message:  message,
		Stack:    stack,
		Source:   source,
		Line:     line,
		Column:   column,
	})
}

// Emit admits a standalone network observation under the network rate
// limit, keeping its observed timestamp.
func (p *Pipeline) Emit(e entry.Entry) {
	e.Type = entry.TypeNetwork
	p.Capture(RawCapture{Category: CategoryNetwork, TS: e.TS, MS: e.MS, Entry: &e})
}

// EmitPending admits the pending entry of a request. The admission covers
// the whole request: a false return means the request is not captured, and
// on true a queue slot is held for the completion.
func (p *Pipeline) EmitPending(e entry.Entry) bool {
	e.Type = entry.TypeNetwork
	return p.admit(RawCapture{Category: CategoryNetwork, Entry: &e}, admitOpening)
}

// EmitCompleted admits the completion of a request EmitPending accepted.
// It bypasses the rate limit and fills the held slot. Both halves are
// stamped when emitted, so entries leave in timestamp order.
func (p *Pipeline) EmitCompleted(e entry.Entry) {
	e.Type = entry.TypeNetwork
	p.admit(RawCapture{Category: CategoryNetwork, Entry: &e}, admitClosing)
}
