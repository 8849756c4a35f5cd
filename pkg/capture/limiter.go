package capture

import (
	"sync"
	"time"
)

// Category groups captures for admission control and batching.
type Category string

const (
	CategoryEvent   Category = "event"
	CategoryLog     Category = "log"
	CategoryError   Category = "error"
	CategoryNetwork Category = "network"
)

var categories = []Category{CategoryEvent, CategoryLog, CategoryError, CategoryNetwork}

// RateWindow is the length of one fixed admission window.
const RateWindow = time.Second

// DefaultRateLimits caps admissions per window. Categories without an entry
// are not rate limited.
var DefaultRateLimits = map[Category]int{
	CategoryLog:     100,
	CategoryError:   100,
	CategoryNetwork: 50,
}

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window counter per category. Bursts straddling a
// window boundary can admit up to twice the cap.
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[Category]int
	windows map[Category]*window
	now     func() time.Time
}

func NewRateLimiter(limits map[Category]int, now func() time.Time) *RateLimiter {
	if limits == nil {
		limits = DefaultRateLimits
	}
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limits:  limits,
		windows: make(map[Category]*window),
		now:     now,
	}
}

// Allow reports whether one more capture of category c is admitted.
func (l *RateLimiter) Allow(c Category) bool {
	limit, ok := l.limits[c]
	if !ok || limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	w := l.windows[c]
	if w == nil {
		w = &window{start: now}
		l.windows[c] = w
	}
	if now.Sub(w.start) > RateWindow {
		w.start = now
		w.count = 0
	}
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}
