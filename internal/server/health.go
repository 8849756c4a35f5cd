package server

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kon-rad/tracetap/internal/hardening"
	"github.com/kon-rad/tracetap/internal/storage"
	"github.com/kon-rad/tracetap/pkg/entry"
)

type HealthResponse struct {
	OK            bool   `json:"ok"`
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	GeneratedAt   string `json:"generatedAt"`
}

type HealthHandler struct {
	startTime time.Time
	version   string
}

func NewHealthHandler(start time.Time, version string) *HealthHandler {
	return &HealthHandler{startTime: start, version: version}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		OK:            true,
		Status:        "ok",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	})
}

type StatsResponse struct {
	Counts        map[entry.Type]int       `json:"counts"`
	Total         int                      `json:"total"`
	Occurrences   int                      `json:"occurrences"`
	FileSize      int64                    `json:"fileSize"`
	FileSizeHuman string                   `json:"fileSizeHuman"`
	Rotated       []storage.RotatedFile    `json:"rotated"`
	Rotations     int64                    `json:"rotations"`
	Connections   int                      `json:"connections"`
	UptimeSeconds int64                    `json:"uptimeSeconds"`
	Memory        hardening.MemorySnapshot `json:"memory"`
}

type StatsHandler struct {
	store     LogStore
	hub       Subscriptions
	startTime time.Time
}

func NewStatsHandler(store LogStore, hub Subscriptions, start time.Time) *StatsHandler {
	return &StatsHandler{store: store, hub: hub, startTime: start}
}

func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	st := h.store.Stats()
	writeJSON(w, http.StatusOK, StatsResponse{
		Counts:        st.Counts,
		Total:         st.Total,
		Occurrences:   st.Occurrences,
		FileSize:      st.FileSize,
		FileSizeHuman: humanize.IBytes(uint64(st.FileSize)),
		Rotated:       st.Rotated,
		Rotations:     st.Rotations,
		Connections:   h.hub.Len(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Memory:        hardening.Memory(),
	})
}
