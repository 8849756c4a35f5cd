package metrics

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kon-rad/tracetap/internal/hardening"
)

// StorageSource is the part of the storage engine the sampler reads.
type StorageSource interface {
	Size() int64
	Rotations() int64
	RotatedCount() int
	Dir() string
}

// Collector periodically samples gauges that have no natural event to
// update them on.
type Collector struct {
	interval time.Duration
	metrics  *Metrics
	store    StorageSource
	logger   *slog.Logger
	rssProbe func() (int64, error)

	lastRotations int64
}

func NewCollector(interval time.Duration, m *Metrics, store StorageSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Collector{
		interval: interval,
		metrics:  m,
		store:    store,
		logger:   logger,
		rssProbe: hardening.CurrentRSSBytes,
	}
}

func (c *Collector) Run(ctx context.Context) error {
	c.Sample()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sample()
		}
	}
}

// Sample refreshes every sampled instrument once.
func (c *Collector) Sample() {
	size := c.store.Size()
	c.metrics.logFileSize.Set(float64(size))
	c.metrics.rotatedFiles.Set(float64(c.store.RotatedCount()))

	rotations := c.store.Rotations()
	if delta := rotations - c.lastRotations; delta > 0 {
		c.metrics.rotations.Add(float64(delta))
	}
	c.lastRotations = rotations

	if free, ok := diskFree(c.store.Dir()); ok {
		c.metrics.diskFree.Set(float64(free))
	}

	rss, err := c.rssProbe()
	if err == nil {
		c.metrics.rss.Set(float64(rss))
	}
	c.logger.Debug("metrics sampled",
		"log_size", humanize.IBytes(uint64(size)),
		"rotations", rotations,
		"rss", humanize.IBytes(uint64(max(rss, 0))),
	)
}

func diskFree(path string) (int64, bool) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, false
	}
	return int64(stat.Bavail) * int64(stat.Bsize), true
}
