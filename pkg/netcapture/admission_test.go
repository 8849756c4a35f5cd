package netcapture

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/kon-rad/tracetap/pkg/capture"
	"github.com/kon-rad/tracetap/pkg/entry"
)

type batchSink struct {
	mu      sync.Mutex
	entries []entry.Entry
}

func (s *batchSink) Deliver(batch []entry.Entry) {
	s.mu.Lock()
	s.entries = append(s.entries, batch...)
	s.mu.Unlock()
}

func (s *batchSink) Down() bool { return false }

func (s *batchSink) split() (pending, completed map[string]entry.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pending = make(map[string]entry.Entry)
	completed = make(map[string]entry.Entry)
	for _, e := range s.entries {
		if e.Pending {
			pending[e.RequestID] = e
		} else {
			completed[e.RequestID] = e
		}
	}
	return pending, completed
}

func newCapturePipeline(t *testing.T, sink capture.Sink) *capture.Pipeline {
	t.Helper()
	now := time.UnixMilli(1_700_000_000_000)
	p := capture.New(capture.Options{
		Sink:      sink,
		Scheduler: capture.NewIdleScheduler(),
		Now:       func() time.Time { return now },
	})
	t.Cleanup(p.Close)
	return p
}

func TestConcurrentRequestsAllComplete(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	pipeline := newCapturePipeline(t, sink)
	c := NewCorrelator(pipeline, Options{})

	const requests = 30
	ids := make(chan string, requests)
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, ok := c.Begin("GET", fmt.Sprintf("/api/%d", i), nil, nil)
			if !ok {
				t.Errorf("request %d not admitted under the cap", i)
				return
			}
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	for id := range ids {
		c.RequestBody(id, "")
		c.Response(id, http.StatusOK, http.Header{})
		c.ResponseBody(id, "ok")
	}
	pipeline.Drain()

	pending, completed := sink.split()
	if len(pending) != requests || len(completed) != requests {
		t.Fatalf("pending = %d, completed = %d, want %d each", len(pending), len(completed), requests)
	}
	for id := range pending {
		if _, ok := completed[id]; !ok {
			t.Fatalf("request %s has no completion", id)
		}
	}
	if st := pipeline.Stats(); st.RateLimited != 0 || st.QueueFull != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRequestsOverCapAreNotTracked(t *testing.T) {
	t.Parallel()

	sink := &batchSink{}
	pipeline := newCapturePipeline(t, sink)
	c := NewCorrelator(pipeline, Options{})

	limit := capture.DefaultRateLimits[capture.CategoryNetwork]
	var admitted []string
	for i := 0; i < limit+10; i++ {
		if id, ok := c.Begin("GET", "/burst", nil, nil); ok {
			admitted = append(admitted, id)
		}
	}
	if len(admitted) != limit {
		t.Fatalf("admitted = %d, want %d", len(admitted), limit)
	}
	if c.Pending() != limit {
		t.Fatalf("Pending() = %d, want %d", c.Pending(), limit)
	}

	// The window is exhausted, yet every admitted request still completes.
	for _, id := range admitted {
		c.RequestBody(id, "")
		c.Response(id, http.StatusOK, http.Header{})
		c.ResponseBody(id, "")
	}
	pipeline.Drain()

	pending, completed := sink.split()
	if len(pending) != limit || len(completed) != limit {
		t.Fatalf("pending = %d, completed = %d, want %d each", len(pending), len(completed), limit)
	}
}

type refusingEmitter struct{ recorder }

func (r *refusingEmitter) EmitPending(entry.Entry) bool { return false }

func TestTransportPassesThroughUntrackedRequests(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	rec := &refusingEmitter{}
	c := NewCorrelator(rec, Options{})
	resp, err := Wrap(srv.Client(), c).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if c.Pending() != 0 || len(rec.snapshot()) != 0 {
		t.Fatalf("untracked request left state: pending=%d entries=%d", c.Pending(), len(rec.snapshot()))
	}
}
