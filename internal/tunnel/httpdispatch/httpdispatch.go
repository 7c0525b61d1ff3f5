// Package httpdispatch implements the server-side HTTP request
// dispatcher: turning an inner http_request frame into a synthetic
// *http.Request, invoking the application handler, and capturing the
// outcome into an http_response frame.
package httpdispatch

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/gate"
)

// defaultStatusText fills in a status text for when the handler
// doesn't set one explicitly.
var defaultStatusText = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	500: "Internal Server Error",
}

func statusText(status int) string {
	if t, ok := defaultStatusText[status]; ok {
		return t
	}
	switch {
	case status >= 400 && status < 500:
		return "Client Error"
	case status >= 500:
		return "Server Error"
	default:
		return http.StatusText(status)
	}
}

// Dispatch builds a synthetic request from an inner http_request
// frame, marks it as arrived-via-tunnel, invokes
// handler, and returns the resulting http_response frame. Handler
// errors are translated into a 500 response rather than propagated, so
// the client's pending request always resolves.
func Dispatch(frame envelope.HTTPRequest, handler http.Handler) envelope.HTTPResponse {
	req, err := buildRequest(frame)
	if err != nil {
		msg := err.Error()
		return envelope.HTTPResponse{
			Type:       envelope.TypeHTTPResponse,
			RequestID:  frame.RequestID,
			Status:     500,
			StatusText: statusText(500),
			Headers:    map[string]string{},
			Error:      &msg,
		}
	}

	rec := newResponseRecorder()
	func() {
		defer func() {
			if r := recover(); r != nil {
				rec.status = 500
				msg := "handler panicked"
				rec.err = &msg
			}
		}()
		handler.ServeHTTP(rec, req)
	}()

	resp := envelope.HTTPResponse{
		Type:       envelope.TypeHTTPResponse,
		RequestID:  frame.RequestID,
		Status:     uint16(rec.status),
		StatusText: statusText(rec.status),
		Headers:    rec.collapsedHeaders(),
		Error:      rec.err,
	}
	if rec.status != 204 && rec.body.Len() > 0 {
		body := rec.body.String()
		resp.Body = &body
	}
	return resp
}

func buildRequest(frame envelope.HTTPRequest) (*http.Request, error) {
	parsed, err := url.Parse(frame.URL)
	if err != nil {
		return nil, errors.Wrap(err, errors.BadRequest, "failed to parse request url")
	}

	var bodyReader io.Reader
	var rawBody string
	if frame.Body != nil {
		rawBody = *frame.Body
		bodyReader = strings.NewReader(rawBody)
	}

	req, err := http.NewRequest(frame.Method, parsed.String(), bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, errors.BadRequest, "failed to construct synthetic request")
	}
	for k, v := range frame.Headers {
		req.Header.Set(k, v)
	}

	decodeBodyByContentType(req, rawBody)
	gate.MarkTunneled(req)
	return req, nil
}

// decodeBodyByContentType parses the raw body according to
// Content-Type and stashes the decoded value on the request context,
// where application code that expects JSON/form-decoded bodies can
// retrieve it via gate.DecodedBody.
func decodeBodyByContentType(req *http.Request, rawBody string) {
	if rawBody == "" {
		return
	}
	contentType := req.Header.Get("Content-Type")

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var decoded interface{}
		if err := json.Unmarshal([]byte(rawBody), &decoded); err == nil {
			gate.AttachDecodedBody(req, decoded)
			return
		}
		gate.AttachDecodedBody(req, rawBody)
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(rawBody)
		if err != nil {
			gate.AttachDecodedBody(req, rawBody)
			return
		}
		out := make(map[string]string, len(values))
		for k, v := range values {
			if len(v) > 0 {
				out[k] = v[0]
			}
		}
		gate.AttachDecodedBody(req, out)
	default:
		gate.AttachDecodedBody(req, rawBody)
	}
}

// responseRecorder captures a handler's response the way
// httptest.ResponseRecorder does, joining multi-valued headers with
// ", " for the outer frame.
type responseRecorder struct {
	header http.Header
	status int
	body   bytes.Buffer
	err    *string
	wrote  bool
}

func newResponseRecorder() *responseRecorder {
	return &responseRecorder{header: make(http.Header), status: 200}
}

func (r *responseRecorder) Header() http.Header { return r.header }

func (r *responseRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.wrote = true
	}
	return r.body.Write(b)
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.wrote = true
}

func (r *responseRecorder) collapsedHeaders() map[string]string {
	out := make(map[string]string, len(r.header))
	for k, values := range r.header {
		out[k] = strings.Join(values, ", ")
	}
	return out
}

// pendingResult carries either a resolved response or a terminal
// error (e.g. tunnel disconnection) to an awaiting caller.
type pendingResult struct {
	resp envelope.HTTPResponse
	err  error
}

// PendingRequests is the client-side book of in-flight http_request
// calls, keyed by request_id.
type PendingRequests struct {
	mu      sync.Mutex
	pending map[string]chan pendingResult
	timeout time.Duration
}

// NewPendingRequests creates a pending-request book with the given
// per-request timeout (default 30s).
func NewPendingRequests(timeout time.Duration) *PendingRequests {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PendingRequests{pending: make(map[string]chan pendingResult), timeout: timeout}
}

// Await registers requestID and blocks until a matching response
// arrives, the tunnel is disconnected, or the timeout elapses.
func (p *PendingRequests) Await(requestID string) (envelope.HTTPResponse, error) {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-time.After(p.timeout):
		return envelope.HTTPResponse{}, errors.New(errors.RequestTimeout, "request timeout")
	}
}

// AwaitAfter registers requestID for a pending response, then invokes
// send (expected to transmit the outbound request) before blocking.
// Registering before send closes the race where a reply arrives before
// the caller would otherwise have started waiting.
func (p *PendingRequests) AwaitAfter(requestID string, send func() error) (envelope.HTTPResponse, error) {
	ch := make(chan pendingResult, 1)
	p.mu.Lock()
	p.pending[requestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, requestID)
		p.mu.Unlock()
	}()

	if err := send(); err != nil {
		return envelope.HTTPResponse{}, err
	}

	select {
	case result := <-ch:
		return result.resp, result.err
	case <-time.After(p.timeout):
		return envelope.HTTPResponse{}, errors.New(errors.RequestTimeout, "request timeout")
	}
}

// Resolve delivers a response to its awaiting caller, if any is still
// pending.
func (p *PendingRequests) Resolve(resp envelope.HTTPResponse) {
	p.mu.Lock()
	ch, ok := p.pending[resp.RequestID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- pendingResult{resp: resp}:
	default:
	}
}

// RejectAll fails every pending request with TunnelDisconnected, used
// when the outer control socket closes.
func (p *PendingRequests) RejectAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := errors.New(errors.TunnelDisconnected, "tunnel disconnected")
	for id, ch := range p.pending {
		select {
		case ch <- pendingResult{err: err}:
		default:
		}
		delete(p.pending, id)
	}
}
