package netcapture

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"
	"sync"
	"unicode/utf8"
)

// isBinary reports content types whose bodies are summarized instead of
// captured.
func isBinary(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasSuffix(mediaType, "+json"),
		strings.HasSuffix(mediaType, "+xml"):
		return false
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "font/"):
		return true
	}
	switch mediaType {
	case "application/octet-stream", "application/pdf", "application/zip",
		"application/gzip", "application/wasm", "application/cbor",
		"application/protobuf", "application/x-protobuf", "multipart/form-data":
		return true
	}
	return false
}

func binaryPlaceholder(contentType string, n int64) string {
	return fmt.Sprintf("[Binary: %s, %d bytes]", contentType, n)
}

// truncateBody keeps at most max bytes of text, cut on a rune boundary.
func truncateBody(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(b[cut]) {
		cut--
	}
	return string(b[:cut]) + truncatedSuffix
}

// readCapped reads r to the end, keeping max+1 bytes so truncation can be
// detected, and returns the total size read.
func readCapped(r io.Reader, max int) ([]byte, int64, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, int64(max)+1))
	if err != nil {
		return buf.Bytes(), n, err
	}
	rest, err := io.Copy(io.Discard, r)
	return buf.Bytes(), n + rest, err
}

// teeBody hands the response to the caller untouched while keeping a
// capped copy. settle runs once, at EOF, on a read error or on Close.
type teeBody struct {
	rc          io.ReadCloser
	max         int
	contentType string
	binary      bool
	settle      func(string)

	mu   sync.Mutex
	buf  bytes.Buffer
	n    int64
	once sync.Once
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.mu.Lock()
		b.n += int64(n)
		if !b.binary && b.buf.Len() <= b.max {
			keep := min(n, b.max+1-b.buf.Len())
			b.buf.Write(p[:keep])
		}
		b.mu.Unlock()
	}
	switch {
	case err == io.EOF:
		b.finish(false)
	case err != nil:
		b.finish(true)
	}
	return n, err
}

func (b *teeBody) Close() error {
	err := b.rc.Close()
	b.finish(false)
	return err
}

func (b *teeBody) finish(failed bool) {
	b.once.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		switch {
		case failed:
			b.settle(unreadableBody)
		case b.binary:
			b.settle(binaryPlaceholder(b.contentType, b.n))
		default:
			b.settle(truncateBody(b.buf.Bytes(), b.max))
		}
	})
}
