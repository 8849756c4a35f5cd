package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kon-rad/tracetap/pkg/entry"
)

func openTestStorage(t *testing.T, opts Options) *Storage {
	t.Helper()
	if opts.Dir == "" {
		opts.Dir = filepath.Join(t.TempDir(), ".tracetap")
	}
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func logEntry(level, msg string, ms int64) entry.Entry {
	return entry.Entry{Type: entry.TypeLog, TS: entry.FormatTS(ms), MS: ms, Level: level, Message: msg}
}

func mustAppend(t *testing.T, s *Storage, e entry.Entry) AppendResult {
	t.Helper()
	res, err := s.Append(e)
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	return res
}

func TestAppendConsolidatesRepeatedLog(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})

	first := mustAppend(t, s, logEntry("warn", "x", 10_000))
	if first.Consolidated || first.Entry.Count != 1 {
		t.Fatalf("first append = %+v, want fresh entry with count 1", first)
	}
	second := mustAppend(t, s, logEntry("warn", "x", 10_050))
	if !second.Consolidated || second.Entry.Count != 2 {
		t.Fatalf("second append = %+v, want consolidated count 2", second)
	}

	got := s.ReadLogs(ReadOptions{})
	if len(got) != 1 || got[0].Count != 2 {
		t.Fatalf("stored entries = %+v, want one line with count 2", got)
	}
	if got[0].MS != 10_000 {
		t.Fatalf("consolidated line ms = %d, want first occurrence 10000", got[0].MS)
	}

	third := mustAppend(t, s, logEntry("warn", "x", 13_050))
	if third.Consolidated || third.Entry.Count != 1 {
		t.Fatalf("third append after 3s = %+v, want fresh entry", third)
	}
	got = s.ReadLogs(ReadOptions{})
	if len(got) != 2 || got[0].Count != 2 || got[1].Count != 1 {
		t.Fatalf("stored entries = %+v, want counts [2 1]", got)
	}
}

func TestConsolidationWindowBoundary(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})

	mustAppend(t, s, logEntry("info", "tick", 0))
	if res := mustAppend(t, s, logEntry("info", "tick", 2000)); !res.Consolidated {
		t.Fatalf("delta 2000ms should consolidate")
	}
	if res := mustAppend(t, s, logEntry("info", "tick", 4001)); res.Consolidated {
		t.Fatalf("delta 2001ms should not consolidate")
	}
}

func TestDifferentSignatureBreaksConsolidation(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})

	mustAppend(t, s, logEntry("info", "a", 100))
	mustAppend(t, s, logEntry("info", "b", 200))
	if res := mustAppend(t, s, logEntry("info", "a", 300)); res.Consolidated {
		t.Fatalf("only the immediately previous entry may be consolidated")
	}
	if got := s.ReadLogs(ReadOptions{}); len(got) != 3 {
		t.Fatalf("stored %d entries, want 3", len(got))
	}
}

func TestConsolidatedLineIsRewrittenInPlace(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})

	click := entry.Entry{Type: entry.TypeEvent, MS: 1, Event: "click", Target: "button#save", Text: "Save"}
	for i := 0; i < 5; i++ {
		click.MS = int64(1 + i*100)
		mustAppend(t, s, click)
	}
	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 1 {
		t.Fatalf("file has %d lines, want 1", len(lines))
	}
	if !strings.Contains(lines[0], `"count":5`) {
		t.Fatalf("line = %s, want count 5", lines[0])
	}
}

func TestRotationKeepsThreeNewest(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), ".tracetap")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		name := filepath.Join(dir, "logs-20200101T00000"+string(rune('0'+i))+".000Z.jsonl")
		if err := os.WriteFile(name, []byte("{}\n"), 0o644); err != nil {
			t.Fatalf("seed rotated file: %v", err)
		}
		mtime := old.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(name, mtime, mtime); err != nil {
			t.Fatalf("chtimes: %v", err)
		}
	}

	s := openTestStorage(t, Options{Dir: dir, MaxBytes: 256})
	big := logEntry("info", strings.Repeat("x", 300), 1)
	mustAppend(t, s, big)

	if s.Rotations() != 1 {
		t.Fatalf("rotations = %d, want 1", s.Rotations())
	}
	if s.Size() != 0 {
		t.Fatalf("active size after rotation = %d, want 0", s.Size())
	}
	if got := s.ReadLogs(ReadOptions{}); len(got) != 0 {
		t.Fatalf("active log has %d entries after rotation", len(got))
	}

	rotated, err := s.RotatedFiles()
	if err != nil {
		t.Fatalf("RotatedFiles() error = %v", err)
	}
	if len(rotated) != 3 {
		t.Fatalf("retained %d rotated files, want 3", len(rotated))
	}
	if strings.HasPrefix(rotated[0].Name, "logs-2020") {
		t.Fatalf("newest rotated file = %s, want the fresh rotation", rotated[0].Name)
	}
	if _, err := os.Stat(filepath.Join(dir, "logs-20200101T000000.000Z.jsonl")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("oldest seeded file should be evicted, stat err = %v", err)
	}
}

func TestRotationResetsConsolidation(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{MaxBytes: 1})

	mustAppend(t, s, logEntry("info", "same", 1))
	if res := mustAppend(t, s, logEntry("info", "same", 2)); res.Consolidated {
		t.Fatalf("consolidation must not cross a rotation boundary")
	}
}

func TestCompressedRotationIsReadable(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{MaxBytes: 64, CompressRotated: true})

	mustAppend(t, s, logEntry("error", strings.Repeat("boom ", 40), 7))

	rotated, err := s.RotatedFiles()
	if err != nil || len(rotated) != 1 {
		t.Fatalf("RotatedFiles() = %v, %v; want one file", rotated, err)
	}
	if !strings.HasSuffix(rotated[0].Name, ".jsonl.zst") {
		t.Fatalf("rotated name = %s, want .zst suffix", rotated[0].Name)
	}
	got, err := s.ReadRotated(rotated[0].Name, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadRotated() error = %v", err)
	}
	if len(got) != 1 || got[0].MS != 7 {
		t.Fatalf("rotated entries = %+v", got)
	}
	if _, err := s.ReadRotated("../secrets", ReadOptions{}); err == nil {
		t.Fatalf("expected error for a name outside the rotated set")
	}
}

func TestReadLogsFilters(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})
	for i := int64(1); i <= 5; i++ {
		mustAppend(t, s, logEntry("info", "m"+string(rune('0'+i)), i*10_000))
	}

	since := int64(20_000)
	got := s.ReadLogs(ReadOptions{Since: &since})
	if len(got) != 3 || got[0].MS != 30_000 {
		t.Fatalf("since filter = %+v", got)
	}

	got = s.ReadLogs(ReadOptions{Last: 2})
	if len(got) != 2 || got[0].MS != 40_000 || got[1].MS != 50_000 {
		t.Fatalf("last filter = %+v", got)
	}

	since = 40_000
	got = s.ReadLogs(ReadOptions{Since: &since, Last: 3})
	if len(got) != 1 || got[0].MS != 50_000 {
		t.Fatalf("since+last = %+v, want filter then slice", got)
	}
}

func TestReadLogsSkipsPartialLine(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})
	mustAppend(t, s, logEntry("info", "whole", 1))

	f, err := os.OpenFile(s.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.WriteString(`{"type":"log","ms":2,"mess`); err != nil {
		t.Fatalf("write partial: %v", err)
	}
	_ = f.Close()

	got := s.ReadLogs(ReadOptions{})
	if len(got) != 1 || got[0].Message != "whole" {
		t.Fatalf("entries = %+v, want only the complete line", got)
	}
}

func TestReadLogsMissingFileIsEmpty(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})
	if err := os.Remove(s.Path()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got := s.ReadLogs(ReadOptions{})
	if got == nil || len(got) != 0 {
		t.Fatalf("ReadLogs() = %#v, want empty non-nil slice", got)
	}
}

func TestClearResetsState(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})

	mustAppend(t, s, logEntry("warn", "x", 1))
	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	res := mustAppend(t, s, logEntry("warn", "x", 2))
	if res.Consolidated {
		t.Fatalf("append after clear must not consolidate")
	}
	got := s.ReadLogs(ReadOptions{})
	if len(got) != 1 || got[0].Count != 1 {
		t.Fatalf("entries after clear = %+v", got)
	}
}

func TestOpenLocksDirectoryAndWritesGitignore(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), ".tracetap")

	first, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := Open(Options{Dir: dir}); !errors.Is(err, ErrLocked) {
		t.Fatalf("second Open() error = %v, want ErrLocked", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	again, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open() after close error = %v", err)
	}
	_ = again.Close()

	raw, err := os.ReadFile(filepath.Join(dir, ".gitignore"))
	if err != nil || strings.TrimSpace(string(raw)) != "*" {
		t.Fatalf(".gitignore = %q, %v", raw, err)
	}
}

func TestStatsCountsByType(t *testing.T) {
	t.Parallel()
	s := openTestStorage(t, Options{})

	mustAppend(t, s, logEntry("info", "a", 1))
	mustAppend(t, s, logEntry("info", "a", 2))
	mustAppend(t, s, entry.Entry{Type: entry.TypeError, MS: 3, Message: "bad"})
	mustAppend(t, s, entry.Entry{Type: entry.TypeNetwork, MS: 4, Method: "GET", URL: "/api", Status: 200})

	st := s.Stats()
	if st.Total != 3 || st.Occurrences != 4 {
		t.Fatalf("total = %d occurrences = %d, want 3 and 4", st.Total, st.Occurrences)
	}
	if st.Counts[entry.TypeLog] != 1 || st.Counts[entry.TypeError] != 1 || st.Counts[entry.TypeNetwork] != 1 {
		t.Fatalf("counts = %+v", st.Counts)
	}
	if st.FileSize <= 0 {
		t.Fatalf("file size = %d", st.FileSize)
	}
}
