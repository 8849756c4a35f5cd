// Package logtail follows a dev-server log file and turns its lines into
// server-log entries.
package logtail

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kon-rad/tracetap/internal/ingest"
	"github.com/kon-rad/tracetap/pkg/entry"
)

const maxLineBytes = 64 << 10

type Processor interface {
	Process(e entry.Entry) (ingest.Outcome, error)
}

// LineCounter is notified once per emitted line.
type LineCounter interface {
	ServerLogLine()
}

type Options struct {
	Path string
	Poll time.Duration
	// Source labels emitted entries; defaults to the file's base name.
	Source string
	// FromStart replays content already in the file on first open instead
	// of starting at its end.
	FromStart bool
	Logger    *slog.Logger
	Counter   LineCounter
}

type Tailer struct {
	opts   Options
	sink   Processor
	logger *slog.Logger

	offset    int64
	lastInode uint64
	started   bool
}

func New(opts Options, sink Processor) *Tailer {
	if opts.Poll <= 0 {
		opts.Poll = 500 * time.Millisecond
	}
	if opts.Source == "" {
		opts.Source = filepath.Base(opts.Path)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Tailer{opts: opts, sink: sink, logger: logger}
}

func (t *Tailer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.opts.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.poll(); err != nil && !errors.Is(err, os.ErrNotExist) {
				t.logger.Debug("server log poll failed", "path", t.opts.Path, "error", err)
			}
		}
	}
}

func (t *Tailer) poll() error {
	fi, err := os.Stat(t.opts.Path)
	if err != nil {
		return err
	}
	if stat, ok := fi.Sys().(*syscall.Stat_t); ok {
		if t.lastInode != 0 && stat.Ino != t.lastInode {
			t.logger.Info("server log replaced, reading from start", "path", t.opts.Path)
			t.offset = 0
		}
		t.lastInode = stat.Ino
	}
	if !t.started {
		t.started = true
		if !t.opts.FromStart {
			t.offset = fi.Size()
			return nil
		}
	}
	if fi.Size() < t.offset {
		t.offset = 0
	}
	if fi.Size() == t.offset {
		return nil
	}
	newOffset, err := t.readFromOffset(t.offset)
	t.offset = newOffset
	return err
}

// readFromOffset emits every complete line after offset and returns the
// offset of the first byte not yet consumed. A trailing line without a
// newline is left for the next poll.
func (t *Tailer) readFromOffset(offset int64) (int64, error) {
	f, err := os.Open(t.opts.Path)
	if err != nil {
		return offset, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, err
	}

	reader := bufio.NewReaderSize(f, 32*1024)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			offset += int64(len(line))
			t.emit(line)
		} else if len(line) > maxLineBytes {
			// Oversized partial lines are flushed as-is.
			offset += int64(len(line))
			t.emit(line)
		}
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return offset, err
		}
	}
}

func (t *Tailer) emit(raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	e := ParseLine(line)
	e.Source = t.opts.Source
	if _, err := t.sink.Process(e); err != nil {
		t.logger.Warn("server log line dropped", "error", err)
		return
	}
	if t.opts.Counter != nil {
		t.opts.Counter.ServerLogLine()
	}
}
