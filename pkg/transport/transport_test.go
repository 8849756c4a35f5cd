package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kon-rad/tracetap/pkg/entry"
	"github.com/sethvargo/go-envconfig"
)

type mockTransport struct {
	mu         sync.Mutex
	statusCode int
	err        error
	block      chan struct{}
	requests   []*http.Request
	bodies     [][]byte
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if m.block != nil {
		<-m.block
	}
	body, _ := io.ReadAll(req.Body)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)
	status, err := m.statusCode, m.err
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(`{"ok":true}`))),
		Header:     make(http.Header),
	}, nil
}

func (m *mockTransport) setStatus(code int) {
	m.mu.Lock()
	m.statusCode = code
	m.mu.Unlock()
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTransport(t *testing.T, cfg Config, rt http.RoundTripper, clock *fakeClock) *Transport {
	t.Helper()
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://collector.local/events"
	}
	tr := New(cfg, nil)
	var now func() time.Time
	if clock != nil {
		now = clock.Now
	}
	tr.SetTestOptions(rt, now)
	return tr
}

func flush(t *testing.T, tr *Transport) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := tr.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func TestDeliverSmallBatchUsesBeacon(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusOK}
	tr := newTestTransport(t, Config{}, mock, nil)

	tr.Deliver([]entry.Entry{{Type: entry.TypeLog, Level: "info", Message: "hi"}})
	flush(t, tr)

	if mock.count() != 1 {
		t.Fatalf("requests = %d, want 1", mock.count())
	}
	req := mock.requests[0]
	if req.Header.Get(entry.SessionHeader) != tr.SessionID() || tr.SessionID() == "" {
		t.Fatalf("session header = %q, want %q", req.Header.Get(entry.SessionHeader), tr.SessionID())
	}
	if req.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("content type = %q", req.Header.Get("Content-Type"))
	}
	var envs []entry.Envelope
	if err := json.Unmarshal(mock.bodies[0], &envs); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(envs) != 1 || envs[0].Type != entry.TypeLog || envs[0].Data.Message != "hi" {
		t.Fatalf("envelopes = %+v", envs)
	}
	if st := tr.Stats(); st.Beacon != 1 || st.Keepalive != 0 {
		t.Fatalf("stats = %+v, want one beacon send", st)
	}
}

func TestDeliverLargeBatchUsesKeepalive(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusOK}
	tr := newTestTransport(t, Config{}, mock, nil)

	big := strings.Repeat("x", BeaconLimit)
	tr.Deliver([]entry.Entry{{Type: entry.TypeNetwork, Method: "GET", URL: "/big", ResponseBody: big}})
	flush(t, tr)

	if st := tr.Stats(); st.Keepalive != 1 || st.Beacon != 0 {
		t.Fatalf("stats = %+v, want one keepalive send", st)
	}
}

func TestDeliverCBOR(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusOK}
	tr := newTestTransport(t, Config{Codec: CodecCBOR}, mock, nil)

	tr.Deliver([]entry.Entry{{Type: entry.TypeError, Message: "boom"}})
	flush(t, tr)

	if got := mock.requests[0].Header.Get("Content-Type"); got != "application/cbor" {
		t.Fatalf("content type = %q", got)
	}
	var envs []entry.Envelope
	if err := cbor.Unmarshal(mock.bodies[0], &envs); err != nil {
		t.Fatalf("decode cbor: %v", err)
	}
	if len(envs) != 1 || envs[0].Data.Message != "boom" {
		t.Fatalf("envelopes = %+v", envs)
	}
}

func TestBreakerOpensAfterThreeFailuresAndRecovers(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	mock := &mockTransport{err: errors.New("connection refused")}
	tr := newTestTransport(t, Config{}, mock, clock)
	batch := []entry.Entry{{Type: entry.TypeLog, Message: "x"}}

	for i := 0; i < 3; i++ {
		tr.Deliver(batch)
		flush(t, tr)
	}
	if !tr.Down() {
		t.Fatalf("breaker should be open after 3 failures")
	}

	tr.Deliver(batch)
	flush(t, tr)
	if mock.count() != 3 {
		t.Fatalf("requests while down = %d, want 3", mock.count())
	}

	clock.Advance(9 * time.Second)
	if !tr.Down() {
		t.Fatalf("breaker closed before cooldown elapsed")
	}
	clock.Advance(time.Second)
	if tr.Down() {
		t.Fatalf("breaker still open after cooldown")
	}

	mock.mu.Lock()
	mock.err = nil
	mock.statusCode = http.StatusOK
	mock.mu.Unlock()
	tr.Deliver(batch)
	flush(t, tr)
	if mock.count() != 4 {
		t.Fatalf("requests after cooldown = %d, want 4", mock.count())
	}
	if st := tr.Stats(); st.Failed != 3 || st.Dropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusInternalServerError}
	tr := newTestTransport(t, Config{}, mock, nil)
	batch := []entry.Entry{{Type: entry.TypeLog, Message: "x"}}

	for i := 0; i < 2; i++ {
		tr.Deliver(batch)
		flush(t, tr)
	}
	mock.setStatus(http.StatusOK)
	tr.Deliver(batch)
	flush(t, tr)
	if got := tr.Breaker().Failures(); got != 0 {
		t.Fatalf("failures after success = %d, want 0", got)
	}

	mock.setStatus(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		tr.Deliver(batch)
		flush(t, tr)
	}
	if tr.Down() {
		t.Fatalf("breaker open after non-consecutive failures")
	}
}

func TestRejectedBatchDoesNotTripBreaker(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusBadRequest}
	tr := newTestTransport(t, Config{}, mock, nil)
	batch := []entry.Entry{{Type: entry.TypeLog, Message: "x"}, {Type: entry.TypeLog, Message: "y"}}

	for i := 0; i < 5; i++ {
		tr.Deliver(batch)
		flush(t, tr)
	}
	if tr.Down() {
		t.Fatalf("breaker open after 4xx replies")
	}
	if got := tr.Breaker().Failures(); got != 0 {
		t.Fatalf("failures = %d, want 0", got)
	}
	if st := tr.Stats(); st.Rejected != 10 || st.Failed != 0 || st.Beacon != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if mock.count() != 5 {
		t.Fatalf("requests = %d, want 5", mock.count())
	}
}

func TestInFlightCapDropsExcess(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusOK, block: make(chan struct{})}
	tr := newTestTransport(t, Config{MaxInFlight: 1}, mock, nil)
	batch := []entry.Entry{{Type: entry.TypeLog, Message: "x"}}

	tr.Deliver(batch)
	tr.Deliver(batch)
	close(mock.block)
	flush(t, tr)

	st := tr.Stats()
	if st.Beacon != 1 || st.Dropped != 1 || st.Failed != 0 {
		t.Fatalf("stats = %+v, want one send and one drop", st)
	}
	if tr.Breaker().Failures() != 0 {
		t.Fatalf("a dropped batch must not count as a failure")
	}
}

func TestDeliverReturnsImmediately(t *testing.T) {
	t.Parallel()
	mock := &mockTransport{statusCode: http.StatusOK, block: make(chan struct{})}
	tr := newTestTransport(t, Config{}, mock, nil)

	start := time.Now()
	tr.Deliver([]entry.Entry{{Type: entry.TypeLog, Message: "x"}})
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("Deliver blocked for %s", elapsed)
	}
	close(mock.block)
	flush(t, tr)
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	cfg, err := LoadConfigWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"TRACETAP_CODEC": "cbor",
	}))
	if err != nil {
		t.Fatalf("LoadConfigWith() error = %v", err)
	}
	if cfg.Codec != CodecCBOR || cfg.Endpoint != "http://localhost:7777/events" || cfg.MaxInFlight != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := LoadConfigWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"TRACETAP_CODEC": "xml",
	})); err == nil {
		t.Fatalf("expected error for unknown codec")
	}
}

func TestBreakerUnit(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Unix(0, 0)}
	b := NewBreaker(3, 10*time.Second, clock.Now)

	if b.Failure() || b.Failure() {
		t.Fatalf("breaker tripped early")
	}
	if !b.Failure() {
		t.Fatalf("third failure should trip")
	}
	if b.Failure() {
		t.Fatalf("failure while open should not re-trip")
	}
	clock.Advance(10 * time.Second)
	if b.Down() || b.Failures() != 0 {
		t.Fatalf("after cooldown down=%v failures=%d", b.Down(), b.Failures())
	}
}
