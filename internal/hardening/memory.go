// Package hardening reports the collector's own resource footprint.
package hardening

import (
	"runtime"

	"github.com/prometheus/procfs"
)

// CurrentRSSBytes returns the resident set size of this process as
// reported by /proc/self/status (Linux only).
func CurrentRSSBytes() (int64, error) {
	status, err := selfStatus()
	if err != nil {
		return 0, err
	}
	return int64(status.VmRSS), nil
}

func selfStatus() (procfs.ProcStatus, error) {
	proc, err := procfs.Self()
	if err != nil {
		return procfs.ProcStatus{}, err
	}
	return proc.NewStatus()
}

// MemorySnapshot is reported by the stats endpoint.
type MemorySnapshot struct {
	RSSBytes       int64  `json:"rssBytes"`
	PeakRSSBytes   int64  `json:"peakRssBytes"`
	HeapAllocBytes uint64 `json:"heapAllocBytes"`
	Goroutines     int    `json:"goroutines"`
}

// Memory reads the process footprint. RSS fields are 0 where procfs is
// missing.
func Memory() MemorySnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap := MemorySnapshot{
		HeapAllocBytes: ms.HeapAlloc,
		Goroutines:     runtime.NumGoroutine(),
	}
	if status, err := selfStatus(); err == nil {
		snap.RSSBytes = int64(status.VmRSS)
		snap.PeakRSSBytes = int64(status.VmHWM)
	}
	return snap
}
