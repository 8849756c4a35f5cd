package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kon-rad/tracetap/internal/config"
	"github.com/kon-rad/tracetap/internal/hub"
	"github.com/kon-rad/tracetap/internal/ingest"
	"github.com/kon-rad/tracetap/internal/logging"
	"github.com/kon-rad/tracetap/internal/logtail"
	"github.com/kon-rad/tracetap/internal/metrics"
	"github.com/kon-rad/tracetap/internal/server"
	"github.com/kon-rad/tracetap/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type Runtime struct {
	cfg       *config.Config
	logger    *slog.Logger
	version   string
	startedAt time.Time

	store      *storage.Storage
	hub        *hub.Hub
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	processor  *ingest.Processor
	httpServer *http.Server
	listener   net.Listener
	ready      chan struct{}

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

func New(cfg *config.Config, logger *slog.Logger, version string) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		version:   version,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
}

// Ready is closed once the HTTP listener is accepting connections.
func (r *Runtime) Ready() <-chan struct{} {
	return r.ready
}

// Addr returns the bound listen address, valid after Ready.
func (r *Runtime) Addr() string {
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

func (r *Runtime) Run(ctx context.Context) error {
	store, err := storage.Open(storage.Options{
		Dir:             r.cfg.Dir,
		MaxBytes:        int64(r.cfg.MaxLogSize),
		Retain:          r.cfg.RetainRotated,
		CompressRotated: r.cfg.CompressRotated,
		Logger:          logging.Component(r.logger, "storage"),
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	r.store = store
	r.logger.Info("Storage opened",
		"path", store.Path(),
		"size", humanize.IBytes(uint64(store.Size())),
		"max_size", r.cfg.MaxLogSize.String(),
		"retain_rotated", r.cfg.RetainRotated,
		"compress_rotated", r.cfg.CompressRotated,
	)

	r.registry = prometheus.NewRegistry()
	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	r.metrics = metrics.New(r.registry)
	r.hub = hub.New(logging.Component(r.logger, "hub"))
	r.processor = ingest.NewProcessor(r.store, r.hub, ingest.ProcessorOptions{
		Logger:        logging.Component(r.logger, "ingest"),
		Recorder:      r.metrics,
		MaxFieldBytes: int(r.cfg.MaxFieldBytes),
	})

	handler := server.NewHandler(server.Deps{
		Logger:            logging.Component(r.logger, "server"),
		Store:             r.store,
		Processor:         r.processor,
		Hub:               r.hub,
		Observer:          r.metrics,
		Gatherer:          r.registry,
		Version:           r.version,
		StartedAt:         r.startedAt,
		MaxRequestBytes:   int64(r.cfg.MaxRequestBytes),
		HeartbeatInterval: r.cfg.HeartbeatInterval,
		StreamBacklog:     r.cfg.StreamBacklog,
		AllowedOrigin:     r.cfg.AllowedOrigin,
	})

	addr := ":" + r.cfg.Port
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = r.store.Close()
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.listener = ln
	r.httpServer = server.New(addr, handler)

	// Shutdown does not interrupt long-lived SSE streams on its own.
	streamCtx, streamCancel := context.WithCancel(context.Background())
	defer streamCancel()
	r.httpServer.BaseContext = func(net.Listener) context.Context { return streamCtx }
	r.httpServer.RegisterOnShutdown(streamCancel)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	r.bgCancel = bgCancel
	r.startBackgroundLoops(bgCtx)

	serverErr := make(chan error, 1)
	go func() {
		r.logger.Info("Listening", "addr", ln.Addr().String())
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()
	close(r.ready)

	select {
	case err := <-serverErr:
		shutdownErr := r.shutdown(context.Background())
		if err != nil {
			return errors.Join(fmt.Errorf("http server failed: %w", err), shutdownErr)
		}
		return shutdownErr
	case <-ctx.Done():
		r.logger.Info("Shutdown signal received, shutting down...")
		return r.shutdown(context.Background())
	}
}

func (r *Runtime) shutdown(ctx context.Context) error {
	var joined error

	if r.httpServer != nil {
		httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.httpServer.Shutdown(httpCtx); err != nil {
			joined = errors.Join(joined, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.bgCancel != nil {
		r.bgCancel()
		done := make(chan struct{})
		go func() {
			r.bgWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			joined = errors.Join(joined, errors.New("background loop shutdown timeout"))
		}
	}

	var stats storage.Stats
	if r.store != nil {
		stats = r.store.Stats()
		if err := r.store.Close(); err != nil {
			joined = errors.Join(joined, fmt.Errorf("storage close: %w", err))
		}
	}

	r.logger.Info("Shutdown complete",
		"entries", stats.Total,
		"file_size", humanize.IBytes(uint64(stats.FileSize)),
		"uptime", time.Since(r.startedAt).String(),
	)
	return joined
}

func (r *Runtime) startBackgroundLoops(ctx context.Context) {
	collector := metrics.NewCollector(r.cfg.MetricsInterval, r.metrics, r.store, logging.Component(r.logger, "metrics"))
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := collector.Run(ctx); err != nil {
			r.logger.Warn("metrics collector stopped", "error", err)
		}
	}()

	if r.cfg.ServerLogPath != "" {
		tailer := logtail.New(logtail.Options{
			Path:    r.cfg.ServerLogPath,
			Poll:    r.cfg.ServerLogPoll,
			Logger:  logging.Component(r.logger, "logtail"),
			Counter: r.metrics,
		}, r.processor)
		r.bgWG.Add(1)
		go func() {
			defer r.bgWG.Done()
			r.logger.Info("Tailing server log", "path", r.cfg.ServerLogPath)
			if err := tailer.Run(ctx); err != nil {
				r.logger.Warn("server log tailer stopped", "error", err)
			}
		}()
	}
}
