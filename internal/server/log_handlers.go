package server

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/kon-rad/tracetap/internal/storage"
)

type LogHandlers struct {
	store  LogStore
	logger *slog.Logger
}

func NewLogHandlers(store LogStore, logger *slog.Logger) *LogHandlers {
	return &LogHandlers{store: store, logger: logger}
}

func parseReadOptions(r *http.Request) (storage.ReadOptions, bool) {
	var opts storage.ReadOptions
	q := r.URL.Query()
	if raw := q.Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return opts, false
		}
		opts.Since = &since
	}
	if raw := q.Get("last"); raw != "" {
		last, err := strconv.Atoi(raw)
		if err != nil || last < 0 {
			return opts, false
		}
		opts.Last = last
	}
	return opts, true
}

func (h *LogHandlers) GetLogs(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseReadOptions(r)
	if !ok {
		http.Error(w, "since and last must be integers", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.store.ReadLogs(opts))
}

func (h *LogHandlers) DeleteLogs(w http.ResponseWriter, _ *http.Request) {
	if err := h.store.Clear(); err != nil {
		h.logger.Error("clear logs failed", "error", err)
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	h.logger.Info("logs cleared")
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *LogHandlers) ListRotated(w http.ResponseWriter, _ *http.Request) {
	files, err := h.store.RotatedFiles()
	if err != nil {
		h.logger.Warn("list rotated logs failed", "error", err)
		files = []storage.RotatedFile{}
	}
	writeJSON(w, http.StatusOK, files)
}

func (h *LogHandlers) GetRotated(w http.ResponseWriter, r *http.Request) {
	opts, ok := parseReadOptions(r)
	if !ok {
		http.Error(w, "since and last must be integers", http.StatusBadRequest)
		return
	}
	entries, err := h.store.ReadRotated(r.PathValue("name"), opts)
	if err != nil {
		http.Error(w, "rotated log not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
