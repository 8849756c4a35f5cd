package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/kon-rad/tracetap/internal/hub"
	"github.com/kon-rad/tracetap/internal/ingest"
	"github.com/kon-rad/tracetap/internal/storage"
	"github.com/kon-rad/tracetap/pkg/entry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type LogStore interface {
	ReadLogs(opts storage.ReadOptions) []entry.Entry
	ReadRotated(name string, opts storage.ReadOptions) ([]entry.Entry, error)
	RotatedFiles() ([]storage.RotatedFile, error)
	Clear() error
	Stats() storage.Stats
}

type EntryProcessor interface {
	ProcessAll(entries []entry.Entry) ([]ingest.Outcome, error)
}

type Subscriptions interface {
	Register(fn hub.Subscriber) (unsubscribe func())
	Len() int
}

// Observer receives request-level signals for metrics.
type Observer interface {
	Rejected(reason string)
	StreamOpened()
	StreamClosed()
}

type nopObserver struct{}

func (nopObserver) Rejected(string) {}
func (nopObserver) StreamOpened()   {}
func (nopObserver) StreamClosed()   {}

type Deps struct {
	Logger            *slog.Logger
	Store             LogStore
	Processor         EntryProcessor
	Hub               Subscriptions
	Observer          Observer
	Gatherer          prometheus.Gatherer
	Version           string
	StartedAt         time.Time
	MaxRequestBytes   int64
	HeartbeatInterval time.Duration
	StreamBacklog     int
	AllowedOrigin     string
}

func (d *Deps) defaults() {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	if d.Observer == nil {
		d.Observer = nopObserver{}
	}
	if d.StartedAt.IsZero() {
		d.StartedAt = time.Now()
	}
	if d.MaxRequestBytes <= 0 {
		d.MaxRequestBytes = 5 << 20
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = 15 * time.Second
	}
	if d.StreamBacklog <= 0 {
		d.StreamBacklog = 500
	}
	if d.AllowedOrigin == "" {
		d.AllowedOrigin = "*"
	}
}

// NewHandler wires every collector route behind the CORS middleware.
func NewHandler(d Deps) http.Handler {
	d.defaults()

	ingestHandlers := NewIngestHandlers(d.Processor, d.Observer, d.Logger, d.MaxRequestBytes)
	logHandlers := NewLogHandlers(d.Store, d.Logger)
	stream := NewStreamHandler(d.Store, d.Hub, d.Observer, d.Logger, d.HeartbeatInterval, d.StreamBacklog)
	health := NewHealthHandler(d.StartedAt, d.Version)
	stats := NewStatsHandler(d.Store, d.Hub, d.StartedAt)

	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.Handle("GET /api/stats", stats)
	mux.HandleFunc("POST /events", ingestHandlers.PostEvents)
	mux.HandleFunc("GET /api/logs", logHandlers.GetLogs)
	mux.HandleFunc("DELETE /api/logs", logHandlers.DeleteLogs)
	mux.HandleFunc("GET /api/logs/rotated", logHandlers.ListRotated)
	mux.HandleFunc("GET /api/logs/rotated/{name}", logHandlers.GetRotated)
	mux.Handle("GET /api/events", stream)
	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	return withCORS(mux, d.AllowedOrigin)
}

func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func withCORS(next http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, "+entry.SessionHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
