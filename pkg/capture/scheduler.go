package capture

import (
	"sync"
	"time"
)

// Scheduler runs deferred flushes. Schedule arranges for fn to run once,
// no later than timeout when the implementation honours it, and returns a
// function that prevents fn from running if it has not started yet. fn
// must never run inside the Schedule call itself.
type Scheduler interface {
	Schedule(timeout time.Duration, fn func()) (cancel func())
}

// DeferScheduler runs fn on its own goroutine as soon as possible. It is
// the fallback when the host offers no idle signal.
type DeferScheduler struct{}

func (DeferScheduler) Schedule(_ time.Duration, fn func()) func() {
	t := time.AfterFunc(0, fn)
	return func() { t.Stop() }
}

// IdleScheduler runs tasks when the host calls Idle, or when a task's
// timeout expires first.
type IdleScheduler struct {
	mu    sync.Mutex
	next  uint64
	tasks map[uint64]*idleTask
}

type idleTask struct {
	once  sync.Once
	fn    func()
	timer *time.Timer
}

func NewIdleScheduler() *IdleScheduler {
	return &IdleScheduler{tasks: make(map[uint64]*idleTask)}
}

func (s *IdleScheduler) Schedule(timeout time.Duration, fn func()) func() {
	task := &idleTask{fn: fn}

	s.mu.Lock()
	s.next++
	id := s.next
	s.tasks[id] = task
	task.timer = time.AfterFunc(timeout, func() { s.run(id) })
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.tasks, id)
		s.mu.Unlock()
		task.timer.Stop()
		task.once.Do(func() {})
	}
}

func (s *IdleScheduler) run(id uint64) {
	s.mu.Lock()
	task, ok := s.tasks[id]
	delete(s.tasks, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	task.timer.Stop()
	task.once.Do(task.fn)
}

// Idle runs every pending task on the calling goroutine.
func (s *IdleScheduler) Idle() {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.run(id)
	}
}

// Pending returns the number of tasks waiting to run.
func (s *IdleScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
