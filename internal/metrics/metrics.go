package metrics

import (
	"github.com/kon-rad/tracetap/pkg/entry"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collector's Prometheus instruments.
type Metrics struct {
	ingested         *prometheus.CounterVec
	consolidated     *prometheus.CounterVec
	pendingBroadcast prometheus.Counter
	rejected         *prometheus.CounterVec
	rotations        prometheus.Counter
	serverLogLines   prometheus.Counter
	logFileSize      prometheus.Gauge
	rotatedFiles     prometheus.Gauge
	diskFree         prometheus.Gauge
	streams          prometheus.Gauge
	rss              prometheus.Gauge
}

// New creates the instruments and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracetap_entries_stored_total",
			Help: "Entries written to the active log, including consolidated repeats.",
		}, []string{"type"}),
		consolidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracetap_entries_consolidated_total",
			Help: "Entries folded into the count of the previous line.",
		}, []string{"type"}),
		pendingBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracetap_pending_broadcast_total",
			Help: "In-flight network observations broadcast without storing.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracetap_ingest_rejected_total",
			Help: "Ingest requests rejected before reaching storage.",
		}, []string{"reason"}),
		rotations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracetap_log_rotations_total",
			Help: "Size-triggered rotations of the active log.",
		}),
		serverLogLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracetap_server_log_lines_total",
			Help: "Lines read from the tailed dev-server log.",
		}),
		logFileSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracetap_log_file_size_bytes",
			Help: "Size of the active log file.",
		}),
		rotatedFiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracetap_rotated_files",
			Help: "Rotated log files currently retained.",
		}),
		diskFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracetap_storage_disk_free_bytes",
			Help: "Free bytes on the filesystem holding the storage directory.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracetap_stream_connections",
			Help: "Open live-stream connections.",
		}),
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracetap_process_rss_bytes",
			Help: "Resident set size of the collector process.",
		}),
	}
	reg.MustRegister(
		m.ingested, m.consolidated, m.pendingBroadcast, m.rejected,
		m.rotations, m.serverLogLines, m.logFileSize, m.rotatedFiles,
		m.diskFree, m.streams, m.rss,
	)
	return m
}

func (m *Metrics) Stored(t entry.Type, consolidated bool) {
	m.ingested.WithLabelValues(string(t)).Inc()
	if consolidated {
		m.consolidated.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) PendingBroadcast() {
	m.pendingBroadcast.Inc()
}

func (m *Metrics) Rejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) ServerLogLine() {
	m.serverLogLines.Inc()
}

func (m *Metrics) StreamOpened() {
	m.streams.Inc()
}

func (m *Metrics) StreamClosed() {
	m.streams.Dec()
}
