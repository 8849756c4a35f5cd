package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kon-rad/tracetap/internal/storage"
	"github.com/kon-rad/tracetap/pkg/entry"
)

const streamBuffer = 256

type streamEntry struct {
	entry.Entry
	Consolidated bool `json:"consolidated,omitempty"`
}

type initFrame struct {
	Type    string        `json:"type"`
	Entries []entry.Entry `json:"entries"`
}

// StreamHandler serves the live server-sent event stream. Each connection
// owns a buffered channel fed by a hub subscription; when the buffer is
// full new entries for that connection are dropped so one slow reader
// cannot stall ingest.
type StreamHandler struct {
	store     LogStore
	hub       Subscriptions
	observer  Observer
	logger    *slog.Logger
	heartbeat time.Duration
	backlog   int
}

func NewStreamHandler(store LogStore, hub Subscriptions, observer Observer, logger *slog.Logger, heartbeat time.Duration, backlog int) *StreamHandler {
	return &StreamHandler{
		store:     store,
		hub:       hub,
		observer:  observer,
		logger:    logger,
		heartbeat: heartbeat,
		backlog:   backlog,
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The stream outlives the server-wide write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")

	id := uuid.NewString()
	messages := make(chan streamEntry, streamBuffer)
	var dropped atomic.Int64
	unsubscribe := h.hub.Register(func(e entry.Entry, consolidated bool) {
		select {
		case messages <- streamEntry{Entry: e, Consolidated: consolidated}:
		default:
			dropped.Add(1)
		}
	})
	h.observer.StreamOpened()
	h.logger.Info("stream opened", "stream", id, "remote", r.RemoteAddr)
	defer func() {
		unsubscribe()
		h.observer.StreamClosed()
		h.logger.Info("stream closed", "stream", id, "dropped", dropped.Load())
	}()

	w.WriteHeader(http.StatusOK)
	backlog := h.store.ReadLogs(storage.ReadOptions{Last: h.backlog})
	if err := writeEvent(w, initFrame{Type: "init", Entries: backlog}); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		case msg := <-messages:
			if err := writeEvent(w, msg); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
