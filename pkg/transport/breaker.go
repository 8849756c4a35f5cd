package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 10 * time.Second
)

// Breaker stops delivery after consecutive failures. Down is a single
// atomic load while the breaker is closed.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	failures  int
	downUntil atomic.Int64
}

func NewBreaker(threshold int, cooldown time.Duration, now func() time.Time) *Breaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: now}
}

// Down reports whether delivery is suspended. Once the cooldown has
// elapsed the breaker closes and the failure count starts over.
func (b *Breaker) Down() bool {
	until := b.downUntil.Load()
	if until == 0 {
		return false
	}
	if b.now().UnixNano() < until {
		return true
	}
	b.mu.Lock()
	if b.downUntil.CompareAndSwap(until, 0) {
		b.failures = 0
	}
	b.mu.Unlock()
	return false
}

func (b *Breaker) Success() {
	b.mu.Lock()
	b.failures = 0
	b.mu.Unlock()
}

// Failure records a failed delivery and reports whether it tripped the
// breaker.
func (b *Breaker) Failure() bool {
	if b.Down() {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures < b.threshold {
		return false
	}
	b.downUntil.Store(b.now().Add(b.cooldown).UnixNano())
	return true
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
