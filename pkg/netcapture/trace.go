package netcapture

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/kon-rad/tracetap/pkg/entry"
)

// phases collects connection milestones reported by httptrace. Callbacks
// arrive on the HTTP client's goroutines.
type phases struct {
	mu sync.Mutex

	dnsStart, dnsDone         time.Time
	connectStart, connectDone time.Time
	tlsStart, tlsDone         time.Time
	firstByte                 time.Time
}

func (p *phases) mark(field *time.Time, now func() time.Time) {
	p.mu.Lock()
	if field.IsZero() {
		*field = now()
	}
	p.mu.Unlock()
}

func (p *phases) clientTrace(now func() time.Time) *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:     func(httptrace.DNSStartInfo) { p.mark(&p.dnsStart, now) },
		DNSDone:      func(httptrace.DNSDoneInfo) { p.mark(&p.dnsDone, now) },
		ConnectStart: func(string, string) { p.mark(&p.connectStart, now) },
		ConnectDone:  func(string, string, error) { p.mark(&p.connectDone, now) },
		TLSHandshakeStart: func() {
			p.mark(&p.tlsStart, now)
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			p.mark(&p.tlsDone, now)
		},
		GotFirstResponseByte: func() { p.mark(&p.firstByte, now) },
	}
}

func span(from, to time.Time) int64 {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from).Milliseconds()
}

// breakdown renders the phases relative to start. A reused connection
// reports zero for dns, connect and tls.
func (p *phases) breakdown(start, end time.Time) *entry.Timing {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return &entry.Timing{
		DNS:     span(p.dnsStart, p.dnsDone),
		Connect: span(p.connectStart, p.connectDone),
		TLS:     span(p.tlsStart, p.tlsDone),
		TTFB:    span(start, p.firstByte),
		Total:   span(start, end),
	}
}
