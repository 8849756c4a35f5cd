package netcapture

import (
	"net/http"
	"net/http/httptrace"
	"runtime"
)

// Transport is an http.RoundTripper that reports every request it carries
// to a Correlator. The wrapped RoundTrip's response and error are returned
// as-is.
type Transport struct {
	Base       http.RoundTripper
	Correlator *Correlator

	// Skip excludes requests from capture, typically those addressed to
	// the collector itself.
	Skip func(*http.Request) bool
}

// Wrap returns a client whose transport captures through c. The original
// client is not modified.
func Wrap(client *http.Client, c *Correlator) *http.Client {
	if client == nil {
		client = http.DefaultClient
	}
	wrapped := *client
	wrapped.Transport = &Transport{Base: client.Transport, Correlator: c}
	return &wrapped
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Correlator == nil || (t.Skip != nil && t.Skip(req)) {
		return t.base().RoundTrip(req)
	}
	c := t.Correlator

	pcs := make([]uintptr, 32)
	pcs = pcs[:runtime.Callers(2, pcs)]
	id, ok := c.Begin(req.Method, req.URL.String(), req.Header, pcs)
	if !ok {
		return t.base().RoundTrip(req)
	}

	go func() { c.RequestBody(id, c.requestBody(req)) }()

	traced := req
	if p := c.phasesFor(id); p != nil {
		ctx := httptrace.WithClientTrace(req.Context(), p.clientTrace(c.now))
		traced = req.WithContext(ctx)
	}

	resp, err := t.base().RoundTrip(traced)
	if err != nil {
		c.Fail(id, err)
		return resp, err
	}
	c.Response(id, resp.StatusCode, resp.Header)

	contentType := resp.Header.Get("Content-Type")
	if isBinary(contentType) && resp.ContentLength >= 0 {
		c.ResponseBody(id, binaryPlaceholder(contentType, resp.ContentLength))
		return resp, nil
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		c.ResponseBody(id, "")
		return resp, nil
	}
	resp.Body = &teeBody{
		rc:          resp.Body,
		max:         c.maxBody,
		contentType: contentType,
		binary:      isBinary(contentType),
		settle:      func(body string) { c.ResponseBody(id, body) },
	}
	return resp, nil
}

// requestBody reads a clone of the request body. The caller's body is
// never touched.
func (c *Correlator) requestBody(req *http.Request) string {
	if req.Body == nil || req.Body == http.NoBody {
		return ""
	}
	contentType := req.Header.Get("Content-Type")
	if isBinary(contentType) && req.ContentLength >= 0 {
		return binaryPlaceholder(contentType, req.ContentLength)
	}
	if req.GetBody == nil {
		return ""
	}
	rc, err := req.GetBody()
	if err != nil {
		c.logger.Debug("request body clone failed", "url", req.URL.String(), "error", err)
		return unreadableBody
	}
	defer rc.Close()
	b, n, err := readCapped(rc, c.maxBody)
	if err != nil {
		return unreadableBody
	}
	if isBinary(contentType) {
		return binaryPlaceholder(contentType, n)
	}
	return truncateBody(b, c.maxBody)
}
