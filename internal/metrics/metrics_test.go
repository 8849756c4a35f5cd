package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kon-rad/tracetap/pkg/entry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounters(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.Stored(entry.TypeLog, false)
	m.Stored(entry.TypeLog, true)
	m.Stored(entry.TypeError, false)
	m.PendingBroadcast()
	m.Rejected("malformed")
	m.Rejected("malformed")

	if got := testutil.ToFloat64(m.ingested.WithLabelValues("log")); got != 2 {
		t.Fatalf("stored log = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.consolidated.WithLabelValues("log")); got != 1 {
		t.Fatalf("consolidated log = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pendingBroadcast); got != 1 {
		t.Fatalf("pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("malformed")); got != 2 {
		t.Fatalf("rejected = %v, want 2", got)
	}
}

func TestStreamGauge(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()
	if got := testutil.ToFloat64(m.streams); got != 1 {
		t.Fatalf("streams = %v, want 1", got)
	}
}

func TestExposition(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.ServerLogLine()

	expected := `
# HELP tracetap_server_log_lines_total Lines read from the tailed dev-server log.
# TYPE tracetap_server_log_lines_total counter
tracetap_server_log_lines_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tracetap_server_log_lines_total"); err != nil {
		t.Fatalf("exposition mismatch: %v", err)
	}
}

type fakeStore struct {
	size      int64
	rotations int64
	rotated   int
	dir       string
}

func (f *fakeStore) Size() int64       { return f.size }
func (f *fakeStore) Rotations() int64  { return f.rotations }
func (f *fakeStore) RotatedCount() int { return f.rotated }
func (f *fakeStore) Dir() string       { return f.dir }

func TestCollectorSample(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	store := &fakeStore{size: 2048, rotations: 2, rotated: 2, dir: t.TempDir()}
	c := NewCollector(time.Hour, m, store, nil)
	c.rssProbe = func() (int64, error) { return 4096, nil }

	c.Sample()
	if got := testutil.ToFloat64(m.logFileSize); got != 2048 {
		t.Fatalf("log size = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(m.rotations); got != 2 {
		t.Fatalf("rotations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rss); got != 4096 {
		t.Fatalf("rss = %v, want 4096", got)
	}

	store.rotations = 3
	c.rssProbe = func() (int64, error) { return 0, errors.New("no procfs") }
	c.Sample()
	if got := testutil.ToFloat64(m.rotations); got != 3 {
		t.Fatalf("rotations after second sample = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.rss); got != 4096 {
		t.Fatalf("rss should keep last good value, got %v", got)
	}
}

func TestCollectorRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	m := New(prometheus.NewRegistry())
	c := NewCollector(10*time.Millisecond, m, &fakeStore{dir: t.TempDir()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run() did not return after cancel")
	}
}
