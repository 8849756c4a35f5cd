package ingest

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kon-rad/tracetap/internal/storage"
	"github.com/kon-rad/tracetap/pkg/entry"
)

type Appender interface {
	Append(e entry.Entry) (storage.AppendResult, error)
}

type Broadcaster interface {
	Broadcast(e entry.Entry, consolidated bool)
}

// Recorder observes processing outcomes. The metrics package implements it.
type Recorder interface {
	Stored(t entry.Type, consolidated bool)
	PendingBroadcast()
}

type nopRecorder struct{}

func (nopRecorder) Stored(entry.Type, bool) {}
func (nopRecorder) PendingBroadcast()       {}

// Outcome describes what happened to one processed entry.
type Outcome struct {
	Entry        entry.Entry
	Stored       bool
	Consolidated bool
}

type Processor struct {
	logger        *slog.Logger
	store         Appender
	hub           Broadcaster
	stamper       *entry.Stamper
	recorder      Recorder
	maxFieldBytes int
}

type ProcessorOptions struct {
	Logger        *slog.Logger
	Recorder      Recorder
	MaxFieldBytes int
	Now           func() time.Time
}

func NewProcessor(store Appender, hub Broadcaster, opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	maxField := opts.MaxFieldBytes
	if maxField == 0 {
		maxField = DefaultMaxFieldBytes
	}
	return &Processor{
		logger:        logger,
		store:         store,
		hub:           hub,
		stamper:       entry.NewStamper(opts.Now),
		recorder:      recorder,
		maxFieldBytes: maxField,
	}
}

// Process stamps e, stores it unless it is a pending network observation,
// and broadcasts the result. The broadcast runs after Append has returned,
// so subscribers never hold up the storage lock.
func (p *Processor) Process(e entry.Entry) (Outcome, error) {
	if !e.Type.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if e.Type != entry.TypeServerLog || e.MS == 0 {
		p.stamper.Apply(&e)
	}
	truncateEntry(&e, p.maxFieldBytes)

	if e.Type == entry.TypeNetwork && e.Pending {
		p.hub.Broadcast(e, false)
		p.recorder.PendingBroadcast()
		return Outcome{Entry: e}, nil
	}

	res, err := p.store.Append(e)
	if err != nil {
		p.logger.Error("append entry failed", "type", e.Type, "error", err)
		return Outcome{}, fmt.Errorf("append %s entry: %w", e.Type, err)
	}
	p.recorder.Stored(e.Type, res.Consolidated)
	p.hub.Broadcast(res.Entry, res.Consolidated)
	return Outcome{Entry: res.Entry, Stored: true, Consolidated: res.Consolidated}, nil
}

// ProcessAll processes entries in order and stops at the first storage
// failure.
func (p *Processor) ProcessAll(entries []entry.Entry) ([]Outcome, error) {
	out := make([]Outcome, 0, len(entries))
	for _, e := range entries {
		o, err := p.Process(e)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}
