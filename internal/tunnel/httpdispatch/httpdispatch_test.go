package httpdispatch

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/gate"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	if !gate.IsTunneled(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("X-Echo", "a")
	w.Header().Add("X-Echo", "b")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write([]byte("ok"))
}

func TestDispatchMarksRequestTunneled(t *testing.T) {
	frame := envelope.HTTPRequest{
		Type:      envelope.TypeHTTPRequest,
		RequestID: "r1",
		Method:    "GET",
		URL:       "/foo",
	}
	resp := Dispatch(frame, http.HandlerFunc(echoHandler))

	assert.Equal(t, uint16(201), resp.Status)
	assert.Equal(t, "Created", resp.StatusText)
	require.NotNil(t, resp.Body)
	assert.Equal(t, "ok", *resp.Body)
	assert.Equal(t, "a, b", resp.Headers["X-Echo"])
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	frame := envelope.HTTPRequest{Type: envelope.TypeHTTPRequest, RequestID: "r2", Method: "GET", URL: "/boom"}
	resp := Dispatch(frame, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	assert.Equal(t, uint16(500), resp.Status)
	require.NotNil(t, resp.Error)
}

func TestDispatchOmitsBodyOnNoContent(t *testing.T) {
	frame := envelope.HTTPRequest{Type: envelope.TypeHTTPRequest, RequestID: "r3", Method: "GET", URL: "/empty"}
	resp := Dispatch(frame, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	assert.Equal(t, uint16(204), resp.Status)
	assert.Nil(t, resp.Body)
}

func TestDecodeBodyByContentTypeJSON(t *testing.T) {
	body := `{"a":1}`
	frame := envelope.HTTPRequest{
		Type: envelope.TypeHTTPRequest, RequestID: "r4", Method: "POST", URL: "/json",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    &body,
	}
	var captured interface{}
	resp := Dispatch(frame, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = gate.DecodedBody(r)
		w.WriteHeader(http.StatusOK)
	}))
	assert.Equal(t, uint16(200), resp.Status)
	decoded, ok := captured.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), decoded["a"])
}

func TestPendingRequestsResolve(t *testing.T) {
	pending := NewPendingRequests(time.Second)
	done := make(chan struct{})
	var got envelope.HTTPResponse
	var gotErr error
	go func() {
		got, gotErr = pending.Await("req-1")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	pending.Resolve(envelope.HTTPResponse{RequestID: "req-1", Status: 200})
	<-done

	require.NoError(t, gotErr)
	assert.Equal(t, uint16(200), got.Status)
}

func TestPendingRequestsTimeout(t *testing.T) {
	pending := NewPendingRequests(10 * time.Millisecond)
	_, err := pending.Await("missing")
	assert.Error(t, err)
}

func TestPendingRequestsRejectAll(t *testing.T) {
	pending := NewPendingRequests(time.Second)
	done := make(chan struct{})
	var gotErr error
	go func() {
		_, gotErr = pending.Await("req-1")
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	pending.RejectAll()
	<-done

	assert.Error(t, gotErr)
}
