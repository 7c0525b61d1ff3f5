// Package envelope defines the CBOR-encoded wire frames: the outer
// handshake/encrypted envelopes, and the inner plaintext frames
// carried inside an `enc` envelope's ciphertext.
package envelope

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Outer frame type discriminants.
const (
	TypeServerKX = "server_kx"
	TypeClientKX = "client_kx"
	TypeEnc      = "enc"
)

// Inner frame type discriminants, carried inside an enc envelope's
// decrypted ciphertext.
const (
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
	TypeWSConnect    = "ws_connect"
	TypeWSClose      = "ws_close"
	TypeWSMessage    = "ws_message"
	TypeWSEvent      = "ws_event"
)

// ServerKX is the server's handshake-opening frame.
type ServerKX struct {
	Type            string `cbor:"type"`
	X25519PublicKey []byte `cbor:"x25519PublicKey"`
	Quote           []byte `cbor:"quote"`
	RuntimeData     []byte `cbor:"runtime_data,omitempty"`
	VerifierData    []byte `cbor:"verifier_data,omitempty"`
}

// ClientKX is the client's handshake-confirming frame.
type ClientKX struct {
	Type               string `cbor:"type"`
	SealedSymmetricKey []byte `cbor:"sealedSymmetricKey"`
}

// Enc wraps an encrypted inner frame.
type Enc struct {
	Type       string `cbor:"type"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// HTTPRequest is the inner frame describing a dispatched HTTP request
//.
type HTTPRequest struct {
	Type      string            `cbor:"type"`
	RequestID string            `cbor:"requestId"`
	Method    string            `cbor:"method"`
	URL       string            `cbor:"url"`
	Headers   map[string]string `cbor:"headers"`
	Body      *string           `cbor:"body,omitempty"`
}

// HTTPResponse is the inner frame carrying a dispatched request's
// outcome.
type HTTPResponse struct {
	Type       string            `cbor:"type"`
	RequestID  string            `cbor:"requestId"`
	Status     uint16            `cbor:"status"`
	StatusText string            `cbor:"statusText"`
	Headers    map[string]string `cbor:"headers"`
	Body       *string           `cbor:"body,omitempty"`
	Error      *string           `cbor:"error,omitempty"`
}

// WSConnect opens a logical WebSocket stream.
type WSConnect struct {
	Type         string   `cbor:"type"`
	ConnectionID string   `cbor:"connectionId"`
	URL          string   `cbor:"url"`
	Protocols    []string `cbor:"protocols,omitempty"`
}

// WSClose closes a logical WebSocket stream.
type WSClose struct {
	Type         string  `cbor:"type"`
	ConnectionID string  `cbor:"connectionId"`
	Code         *uint16 `cbor:"code,omitempty"`
	Reason       *string `cbor:"reason,omitempty"`
}

// WSMessage carries one payload on a logical WebSocket stream.
type WSMessage struct {
	Type         string `cbor:"type"`
	ConnectionID string `cbor:"connectionId"`
	Data         []byte `cbor:"data"`
	DataType     string `cbor:"dataType"` // "string" | "arraybuffer"
}

// WSEvent notifies the peer of a lifecycle event on a logical stream.
type WSEvent struct {
	Type         string  `cbor:"type"`
	ConnectionID string  `cbor:"connectionId"`
	EventType    string  `cbor:"eventType"` // "open" | "close" | "error"
	Code         *uint16 `cbor:"code,omitempty"`
	Reason       *string `cbor:"reason,omitempty"`
	Error        *string `cbor:"error,omitempty"`
}

// typeProbe decodes just enough of a CBOR map to read its "type" field,
// used to dispatch before decoding into a concrete frame struct.
type typeProbe struct {
	Type string `cbor:"type"`
}

// PeekType returns the "type" discriminant of a CBOR-encoded frame
// without fully decoding it.
func PeekType(data []byte) (string, error) {
	var probe typeProbe
	if err := cbor.Unmarshal(data, &probe); err != nil {
		return "", fmt.Errorf("envelope: peek type: %w", err)
	}
	return probe.Type, nil
}

// Marshal encodes any frame struct to CBOR.
func Marshal(frame interface{}) ([]byte, error) {
	data, err := cbor.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes CBOR bytes into the given frame struct pointer.
func Unmarshal(data []byte, frame interface{}) error {
	if err := cbor.Unmarshal(data, frame); err != nil {
		return fmt.Errorf("envelope: unmarshal: %w", err)
	}
	return nil
}
