package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	rotatedStampLayout = "20060102T150405.000Z"
	compressedSuffix   = ".zst"
)

// RotatedFile describes one retained rotated log.
type RotatedFile struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// Rotate forces a rotation regardless of the active log size.
func (s *Storage) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

func (s *Storage) rotateLocked() error {
	s.state = consolidationState{}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("close active log before rotation", "error", err)
		}
		s.file = nil
	}

	target := s.rotatedPath()
	renameErr := os.Rename(s.path, target)
	if err := s.openActive(); err != nil {
		return errors.Join(renameErr, err)
	}
	if renameErr != nil {
		return fmt.Errorf("rename active log: %w", renameErr)
	}
	s.rotations.Add(1)

	if s.opts.CompressRotated {
		if compressed, err := compressFile(target); err != nil {
			s.logger.Warn("compress rotated log", "path", target, "error", err)
		} else {
			target = compressed
		}
	}
	s.logger.Info("log rotated", "rotated", filepath.Base(target))

	return s.pruneRotated()
}

func (s *Storage) rotatedPrefix() string {
	ext := filepath.Ext(s.opts.FileName)
	return strings.TrimSuffix(s.opts.FileName, ext) + "-"
}

func (s *Storage) rotatedPath() string {
	ext := filepath.Ext(s.opts.FileName)
	base := s.rotatedPrefix() + s.opts.Now().UTC().Format(rotatedStampLayout)
	candidate := filepath.Join(s.dir, base+ext)
	for i := 1; exists(candidate) || exists(candidate+compressedSuffix); i++ {
		candidate = filepath.Join(s.dir, base+"-"+strconv.Itoa(i)+ext)
	}
	return candidate
}

func (s *Storage) isRotatedName(name string) bool {
	ext := filepath.Ext(s.opts.FileName)
	if !strings.HasPrefix(name, s.rotatedPrefix()) {
		return false
	}
	return strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+compressedSuffix)
}

// RotatedFiles lists retained rotated logs, newest first.
func (s *Storage) RotatedFiles() ([]RotatedFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := make([]RotatedFile, 0)
	for _, de := range entries {
		if de.IsDir() || !s.isRotatedName(de.Name()) {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			continue
		}
		out = append(out, RotatedFile{Name: de.Name(), Size: fi.Size(), ModTime: fi.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.After(out[j].ModTime)
		}
		return out[i].Name > out[j].Name
	})
	return out, nil
}

// RotatedCount returns how many rotated logs are retained, or 0 when the
// directory cannot be listed.
func (s *Storage) RotatedCount() int {
	files, err := s.RotatedFiles()
	if err != nil {
		return 0
	}
	return len(files)
}

func (s *Storage) pruneRotated() error {
	files, err := s.RotatedFiles()
	if err != nil {
		return fmt.Errorf("list rotated logs: %w", err)
	}
	var errs []error
	for i := s.opts.Retain; i < len(files); i++ {
		path := filepath.Join(s.dir, files[i].Name)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		s.logger.Info("rotated log evicted", "name", files[i].Name)
	}
	return errors.Join(errs...)
}

// OpenRotated returns a reader over a retained rotated log, transparently
// decompressing zstd files.
func (s *Storage) OpenRotated(name string) (io.ReadCloser, error) {
	if name != filepath.Base(name) || !s.isRotatedName(name) {
		return nil, fmt.Errorf("not a rotated log: %q", name)
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(name, compressedSuffix) {
		return f, nil
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open zstd reader: %w", err)
	}
	return &zstdReadCloser{dec: dec, file: f}, nil
}

type zstdReadCloser struct {
	dec  *zstd.Decoder
	file *os.File
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return z.file.Close()
}

func compressFile(src string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	dst := src + compressedSuffix
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	enc, err := zstd.NewWriter(out)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, os.Remove(src)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
