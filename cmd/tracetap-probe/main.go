// tracetap-probe drives the capture client against a running collector:
// it records a short synthetic session and exits once it is delivered.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kon-rad/tracetap/pkg/capture"
	"github.com/kon-rad/tracetap/pkg/netcapture"
	"github.com/kon-rad/tracetap/pkg/transport"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("tracetap-probe", pflag.ContinueOnError)
	endpoint := flagSet.String("endpoint", "", "collector ingest URL (overrides TRACETAP_ENDPOINT)")
	codec := flagSet.String("codec", "", "wire codec, json or cbor (overrides TRACETAP_CODEC)")
	clicks := flagSet.Int("clicks", 3, "identical click events to record")
	fetch := flagSet.String("fetch", "", "URL to request through the network capture")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := transport.LoadConfig(ctx)
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Endpoint = *endpoint
	}
	if *codec != "" {
		cfg.Codec = *codec
	}

	stderr := slog.NewJSONHandler(os.Stderr, nil)
	tr := transport.New(cfg, slog.New(stderr))
	pipeline := capture.New(capture.Options{Sink: tr, Logger: slog.New(stderr)})
	defer pipeline.Close()

	// Records logged through this logger are also captured.
	logger := slog.New(capture.NewHandler(pipeline, stderr, slog.LevelInfo))
	logger.Info("probe started", "endpoint", cfg.Endpoint, "codec", cfg.Codec, "session", tr.SessionID())

	for i := 0; i < *clicks; i++ {
		pipeline.CaptureEvent("click", "button#probe", "Probe", "")
	}

	if *fetch != "" {
		correlator := netcapture.NewCorrelator(pipeline, netcapture.Options{})
		client := netcapture.Wrap(&http.Client{Timeout: 10 * time.Second}, correlator)
		client.Transport.(*netcapture.Transport).Skip = func(r *http.Request) bool {
			return strings.HasPrefix(r.URL.String(), cfg.Endpoint)
		}
		resp, err := client.Get(*fetch)
		if err != nil {
			pipeline.CaptureError(err)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		for deadline := time.Now().Add(5 * time.Second); correlator.Pending() > 0 && time.Now().Before(deadline); {
			time.Sleep(10 * time.Millisecond)
		}
	}

	pipeline.Drain()
	flushCtx, cancel := context.WithTimeout(ctx, cfg.KeepaliveTimeout)
	defer cancel()
	if err := tr.Flush(flushCtx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	stats, ts := pipeline.Stats(), tr.Stats()
	fmt.Fprintf(os.Stdout, "delivered=%d beacon=%d keepalive=%d failed=%d rejected=%d dropped=%d\n",
		stats.Delivered, ts.Beacon, ts.Keepalive, ts.Failed, ts.Rejected, ts.Dropped)
	if ts.Failed > 0 || ts.Rejected > 0 {
		return errors.New("collector rejected or did not receive some batches")
	}
	return nil
}
