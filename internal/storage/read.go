package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/kon-rad/tracetap/pkg/entry"
)

// ReadOptions filters ReadLogs. Since keeps entries with ms > *Since; Last
// keeps the final N entries after filtering.
type ReadOptions struct {
	Since *int64
	Last  int
}

// ReadLogs parses the active log. Lines that fail to parse, including a
// line caught mid-write, are skipped; I/O failures yield an empty slice.
func (s *Storage) ReadLogs(opts ReadOptions) []entry.Entry {
	f, err := os.Open(s.path)
	if err != nil {
		return []entry.Entry{}
	}
	defer f.Close()

	entries, err := decodeLines(f)
	if err != nil {
		return []entry.Entry{}
	}
	return applyReadOptions(entries, opts)
}

// ReadRotated parses a retained rotated log.
func (s *Storage) ReadRotated(name string, opts ReadOptions) ([]entry.Entry, error) {
	rc, err := s.OpenRotated(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	entries, err := decodeLines(rc)
	if err != nil {
		return nil, err
	}
	return applyReadOptions(entries, opts), nil
}

func applyReadOptions(entries []entry.Entry, opts ReadOptions) []entry.Entry {
	if opts.Since != nil {
		filtered := entries[:0]
		for _, e := range entries {
			if e.MS > *opts.Since {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if opts.Last > 0 && len(entries) > opts.Last {
		entries = entries[len(entries)-opts.Last:]
	}
	return entries
}

func decodeLines(r io.Reader) ([]entry.Entry, error) {
	reader := bufio.NewReaderSize(r, 64*1024)
	out := make([]entry.Entry, 0)
	for {
		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var e entry.Entry
			if json.Unmarshal(line, &e) == nil {
				out = append(out, e)
			}
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Stats summarises the active log.
type Stats struct {
	Counts      map[entry.Type]int `json:"counts"`
	Occurrences int                `json:"occurrences"`
	Total       int                `json:"total"`
	FileSize    int64              `json:"fileSize"`
	Rotated     []RotatedFile      `json:"rotated"`
	Rotations   int64              `json:"rotations"`
}

func (s *Storage) Stats() Stats {
	entries := s.ReadLogs(ReadOptions{})
	st := Stats{
		Counts:    make(map[entry.Type]int),
		Total:     len(entries),
		FileSize:  s.Size(),
		Rotations: s.Rotations(),
	}
	for _, e := range entries {
		st.Counts[e.Type]++
		st.Occurrences += e.Occurrences()
	}
	rotated, err := s.RotatedFiles()
	if err != nil {
		rotated = []RotatedFile{}
	}
	st.Rotated = rotated
	return st
}
