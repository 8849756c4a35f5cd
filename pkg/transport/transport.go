// Package transport delivers captured entries to the collector without
// blocking the caller.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/kon-rad/tracetap/pkg/entry"
)

// BeaconLimit is the largest payload sent on the beacon path.
const BeaconLimit = 60 * 1024

// errRejected marks a batch the collector refused with a 4xx reply. The
// collector is up, so the breaker does not count it.
var errRejected = errors.New("batch rejected by collector")

type Stats struct {
	Beacon    int64
	Keepalive int64
	Failed    int64
	Rejected  int64
	Dropped   int64
}

type Transport struct {
	cfg       Config
	logger    *slog.Logger
	sessionID string
	breaker   *Breaker

	beacon    *http.Client
	keepalive *http.Client

	inflight chan struct{}
	wg       sync.WaitGroup

	beaconSent    atomic.Int64
	keepaliveSent atomic.Int64
	failed        atomic.Int64
	rejected      atomic.Int64
	dropped       atomic.Int64
}

func New(cfg Config, logger *slog.Logger) *Transport {
	cfg.defaults()
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: cfg.MaxInFlight,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Transport{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
		breaker:   NewBreaker(DefaultFailureThreshold, DefaultCooldown, nil),
		beacon:    &http.Client{Transport: pool, Timeout: cfg.BeaconTimeout},
		keepalive: &http.Client{Transport: pool, Timeout: cfg.KeepaliveTimeout},
		inflight:  make(chan struct{}, cfg.MaxInFlight),
	}
}

// SetTestOptions swaps the HTTP round tripper and the breaker clock.
func (t *Transport) SetTestOptions(rt http.RoundTripper, now func() time.Time) {
	if rt != nil {
		t.beacon = &http.Client{Transport: rt, Timeout: t.cfg.BeaconTimeout}
		t.keepalive = &http.Client{Transport: rt, Timeout: t.cfg.KeepaliveTimeout}
	}
	if now != nil {
		t.breaker = NewBreaker(DefaultFailureThreshold, DefaultCooldown, now)
	}
}

func (t *Transport) SessionID() string {
	return t.sessionID
}

// Down reports whether the collector is considered unreachable.
func (t *Transport) Down() bool {
	return t.breaker.Down()
}

func (t *Transport) Breaker() *Breaker {
	return t.breaker
}

// Deliver encodes batch and sends it in the background. It returns
// immediately; a full in-flight window or an open breaker drops the batch.
func (t *Transport) Deliver(batch []entry.Entry) {
	if len(batch) == 0 {
		return
	}
	if t.breaker.Down() {
		t.dropped.Add(int64(len(batch)))
		return
	}
	body, contentType, err := t.encode(batch)
	if err != nil {
		t.dropped.Add(int64(len(batch)))
		t.logger.Debug("encode batch failed", "entries", len(batch), "error", err)
		return
	}

	select {
	case t.inflight <- struct{}{}:
	default:
		t.dropped.Add(int64(len(batch)))
		return
	}

	client, path := t.beacon, &t.beaconSent
	if len(body) >= BeaconLimit {
		client, path = t.keepalive, &t.keepaliveSent
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() { <-t.inflight }()

		err := t.send(client, body, contentType)
		switch {
		case err == nil:
			path.Add(1)
			t.breaker.Success()
		case errors.Is(err, errRejected):
			t.rejected.Add(int64(len(batch)))
			t.breaker.Success()
			t.logger.Debug("collector rejected batch", "entries", len(batch), "error", err)
		default:
			t.failed.Add(1)
			if t.breaker.Failure() {
				t.logger.Warn("collector unreachable, pausing capture", "cooldown", DefaultCooldown, "error", err)
			}
		}
	}()
}

func (t *Transport) encode(batch []entry.Entry) ([]byte, string, error) {
	envs := make([]entry.Envelope, 0, len(batch))
	for _, e := range batch {
		envs = append(envs, entry.Wrap(e))
	}
	if t.cfg.Codec == CodecCBOR {
		body, err := cbor.Marshal(envs)
		return body, "application/cbor", err
	}
	body, err := json.Marshal(envs)
	return body, "application/json", err
}

func (t *Transport) send(client *http.Client, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, t.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(entry.SessionHeader, t.sessionID)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("collector status %d", resp.StatusCode)
	}
	return nil
}

// Flush waits for background sends started so far.
func (t *Transport) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("transport flush timeout"), ctx.Err())
	}
}

func (t *Transport) Stats() Stats {
	return Stats{
		Beacon:    t.beaconSent.Load(),
		Keepalive: t.keepaliveSent.Load(),
		Failed:    t.failed.Load(),
		Rejected:  t.rejected.Load(),
		Dropped:   t.dropped.Load(),
	}
}
