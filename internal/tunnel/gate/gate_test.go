package gate

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncryptedOnlyRejectsUntaggedRequests(t *testing.T) {
	handler := EncryptedOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/foo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEncryptedOnlyAllowsTaggedRequests(t *testing.T) {
	handler := EncryptedOnly(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/foo", nil)
	MarkTunneled(req)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAttachAndReadDecodedBody(t *testing.T) {
	req := httptest.NewRequest("POST", "/foo", nil)
	AttachDecodedBody(req, map[string]string{"a": "b"})

	value, ok := DecodedBody(req)
	assert.True(t, ok)
	assert.Equal(t, map[string]string{"a": "b"}, value)
}
