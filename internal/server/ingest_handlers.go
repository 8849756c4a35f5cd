package server

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/kon-rad/tracetap/internal/ingest"
	"github.com/kon-rad/tracetap/pkg/entry"
)

type IngestHandlers struct {
	processor EntryProcessor
	observer  Observer
	logger    *slog.Logger
	maxBytes  int64
}

func NewIngestHandlers(processor EntryProcessor, observer Observer, logger *slog.Logger, maxBytes int64) *IngestHandlers {
	return &IngestHandlers{
		processor: processor,
		observer:  observer,
		logger:    logger,
		maxBytes:  maxBytes,
	}
}

// PostEvents accepts one envelope or a batch. The whole body is decoded
// and validated before anything is stored.
func (h *IngestHandlers) PostEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.observer.Rejected("too_large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.observer.Rejected("read_error")
		http.Error(w, "read body failed", http.StatusBadRequest)
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	entries, err := ingest.Decode(mediaType, body)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrUnknownType):
			h.observer.Rejected("unknown_type")
			http.Error(w, "unknown entry type", http.StatusBadRequest)
		default:
			h.observer.Rejected("malformed")
			http.Error(w, "invalid json", http.StatusBadRequest)
		}
		h.logger.Debug("ingest rejected",
			"session", r.Header.Get(entry.SessionHeader),
			"content_type", mediaType,
			"error", err,
		)
		return
	}

	if _, err := h.processor.ProcessAll(entries); err != nil {
		http.Error(w, "storage failure", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
