package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/kon-rad/tracetap/pkg/entry"
)

const (
	DefaultFileName = "logs.jsonl"
	DefaultMaxBytes = 10 << 20
	DefaultRetain   = 3

	// ConsolidationWindowMS is the largest gap between two identical
	// entries that still folds them into one line.
	ConsolidationWindowMS = 2000

	lockFileName = ".lock"
)

// ErrLocked is returned by Open when another process owns the directory.
var ErrLocked = errors.New("storage directory is locked by another collector")

type Options struct {
	Dir             string
	FileName        string
	MaxBytes        int64
	Retain          int
	CompressRotated bool
	Logger          *slog.Logger
	Now             func() time.Time
}

// AppendResult tells the caller whether the entry became a new line or
// bumped the count of the previous one.
type AppendResult struct {
	Entry        entry.Entry
	Consolidated bool
}

type consolidationState struct {
	valid     bool
	signature string
	offset    int64
	lastMS    int64
	entry     entry.Entry
}

// Storage is an append-only JSON-lines log. Append, Clear and rotation
// run under one mutex; reads open their own descriptor and never block
// writers.
type Storage struct {
	mu     sync.Mutex
	opts   Options
	dir    string
	path   string
	file   *os.File
	size   int64
	state  consolidationState
	lock   *flock.Flock
	logger *slog.Logger

	rotations atomic.Int64
}

func Open(opts Options) (*Storage, error) {
	if opts.Dir == "" {
		return nil, errors.New("storage dir is required")
	}
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.Retain <= 0 {
		opts.Retain = DefaultRetain
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := ensureGitignore(opts.Dir); err != nil {
		return nil, fmt.Errorf("write storage gitignore: %w", err)
	}

	lock := flock.New(filepath.Join(opts.Dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock storage dir: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	s := &Storage{
		opts:   opts,
		dir:    opts.Dir,
		path:   filepath.Join(opts.Dir, opts.FileName),
		lock:   lock,
		logger: logger,
	}
	if err := s.openActive(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Path() string {
	return s.path
}

func (s *Storage) Dir() string {
	return s.dir
}

func (s *Storage) openActive() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open active log: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat active log: %w", err)
	}
	s.file = f
	s.size = fi.Size()
	return nil
}

// Append stores e, or folds it into the previous line when both carry the
// same signature and arrived within ConsolidationWindowMS of each other.
func (s *Storage) Append(e entry.Entry) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		if err := s.openActive(); err != nil {
			return AppendResult{}, err
		}
	}

	sig := Signature(e)
	var res AppendResult
	if s.state.valid && s.state.signature == sig && withinWindow(e.MS, s.state.lastMS) {
		updated := s.state.entry
		updated.Count = updated.Occurrences() + 1
		if err := s.rewriteLast(updated); err != nil {
			return AppendResult{}, err
		}
		s.state.lastMS = e.MS
		s.state.entry = updated
		res = AppendResult{Entry: updated, Consolidated: true}
	} else {
		e.Count = 1
		offset := s.size
		if err := s.writeLine(e); err != nil {
			return AppendResult{}, err
		}
		s.state = consolidationState{
			valid:     true,
			signature: sig,
			offset:    offset,
			lastMS:    e.MS,
			entry:     e,
		}
		res = AppendResult{Entry: e}
	}

	if s.size >= s.opts.MaxBytes {
		if err := s.rotateLocked(); err != nil {
			s.logger.Error("log rotation failed", "path", s.path, "error", err)
		}
	}
	return res, nil
}

func withinWindow(ms, last int64) bool {
	delta := ms - last
	if delta < 0 {
		delta = -delta
	}
	return delta <= ConsolidationWindowMS
}

func (s *Storage) writeLine(e entry.Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')
	n, err := s.file.Write(line)
	s.size += int64(n)
	if err != nil {
		s.state = consolidationState{}
		s.resyncSize()
		return fmt.Errorf("append entry: %w", err)
	}
	return nil
}

func (s *Storage) rewriteLast(e entry.Entry) error {
	if err := s.file.Truncate(s.state.offset); err != nil {
		s.state = consolidationState{}
		s.resyncSize()
		return fmt.Errorf("truncate to previous entry: %w", err)
	}
	s.size = s.state.offset
	return s.writeLine(e)
}

func (s *Storage) resyncSize() {
	if fi, err := s.file.Stat(); err == nil {
		s.size = fi.Size()
	}
}

// Clear empties the active log. Rotated files are left alone.
func (s *Storage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = consolidationState{}
	if s.file == nil {
		if err := s.openActive(); err != nil {
			return err
		}
	}
	if err := s.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate active log: %w", err)
	}
	s.size = 0
	return nil
}

// Size returns the active log size in bytes.
func (s *Storage) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Rotations returns how many rotations this instance performed.
func (s *Storage) Rotations() int64 {
	return s.rotations.Load()
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			errs = append(errs, err)
		}
		s.file = nil
	}
	if err := s.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func ensureGitignore(dir string) error {
	path := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte("*\n"), 0o644)
}
