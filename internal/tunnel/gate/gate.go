// Package gate implements the encrypted-only middleware: requests
// synthesized by the HTTP dispatcher from a tunneled frame carry a
// context flag; direct outer requests never do, and the middleware
// rejects them with 403.
package gate

import (
	"context"
	"net/http"
)

type contextKey int

const (
	tunneledKey contextKey = iota
	decodedBodyKey
)

// MarkTunneled marks req as having arrived via the encrypted tunnel
// dispatcher. Only httpdispatch.Dispatch calls this; it must never be
// reachable from a direct outer HTTP handler.
func MarkTunneled(req *http.Request) {
	*req = *req.WithContext(context.WithValue(req.Context(), tunneledKey, true))
}

// IsTunneled reports whether req was marked by MarkTunneled.
func IsTunneled(req *http.Request) bool {
	v, _ := req.Context().Value(tunneledKey).(bool)
	return v
}

// AttachDecodedBody stashes the content-type-decoded body value
// on the request context for handlers to retrieve via
// DecodedBody instead of re-reading/re-parsing the raw body.
func AttachDecodedBody(req *http.Request, value interface{}) {
	*req = *req.WithContext(context.WithValue(req.Context(), decodedBodyKey, value))
}

// DecodedBody retrieves the value AttachDecodedBody stored, if any.
func DecodedBody(req *http.Request) (interface{}, bool) {
	v := req.Context().Value(decodedBodyKey)
	return v, v != nil
}

// EncryptedOnly is the middleware that rejects requests not marked as
// arrived-via-tunnel with 403 and an empty body.
func EncryptedOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsTunneled(r) {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
