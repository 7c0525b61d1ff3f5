// Package wsmux implements the server-side logical WebSocket
// multiplexer: one registry of mock endpoints keyed by connection_id,
// each backed by the single outer control socket.
package wsmux

import (
	"sync"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/tunnelmetrics"
)

// ReadyState mirrors the client endpoint lifecycle (WebSocket's own
// readyState values).
type ReadyState int

const (
	Connecting ReadyState = 0
	Open       ReadyState = 1
	Closing    ReadyState = 2
	Closed     ReadyState = 3
)

// textHeuristicWindow is the prefix length inspected when deciding
// whether a byte payload should be treated as text.
const textHeuristicWindow = 1024

// LooksLikeText applies the text/binary heuristic: no NUL byte and no
// byte in [128,160) within the first 1 KiB.
func LooksLikeText(data []byte) bool {
	n := len(data)
	if n > textHeuristicWindow {
		n = textHeuristicWindow
	}
	for i := 0; i < n; i++ {
		b := data[i]
		if b == 0x00 {
			return false
		}
		if b >= 128 && b < 160 {
			return false
		}
	}
	return true
}

// sender is the minimal surface wsmux needs on the control channel to
// emit frames; control.ServerChannel satisfies it.
type sender interface {
	SendEncrypted(plaintext []byte) error
}

// Endpoint is a server-side mock WebSocket endpoint bound to one
// logical stream.
type Endpoint struct {
	ConnectionID string
	URL          string
	Protocols    []string

	mu              sync.Mutex
	state           ReadyState
	bufferedAmount  int
	channel         sender
	onMessage       func(data []byte, dataType string)
	onClose         func(code int, reason string)
}

// OnMessage registers the application handler's message callback.
func (e *Endpoint) OnMessage(fn func(data []byte, dataType string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessage = fn
}

// OnClose registers the application handler's close callback.
func (e *Endpoint) OnClose(fn func(code int, reason string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onClose = fn
}

// DeliverMessage hands an inbound ws_message frame's payload to
// whichever application code registered OnMessage, if any. Called by
// the gateway's dispatcher when it receives a ws_message for this
// endpoint's connection_id.
func (e *Endpoint) DeliverMessage(data []byte, dataType string) {
	e.mu.Lock()
	onMessage := e.onMessage
	e.mu.Unlock()
	if onMessage != nil {
		onMessage(data, dataType)
	}
}

// Send transmits payload to the peer, choosing dataType via the
// text/binary heuristic when payload did not originate as a Go
// string (callers with a string value should prefer SendText).
func (e *Endpoint) Send(payload []byte) error {
	dataType := "arraybuffer"
	if LooksLikeText(payload) {
		dataType = "string"
	}
	return e.sendTyped(payload, dataType)
}

// SendText transmits a string payload verbatim, tagged dataType: string.
func (e *Endpoint) SendText(payload string) error {
	return e.sendTyped([]byte(payload), "string")
}

func (e *Endpoint) sendTyped(payload []byte, dataType string) error {
	e.mu.Lock()
	if e.state != Open {
		e.mu.Unlock()
		return errors.New(errors.NotConnected, "logical stream is not open")
	}
	e.bufferedAmount += len(payload)
	e.mu.Unlock()

	frame := envelope.WSMessage{
		Type:         envelope.TypeWSMessage,
		ConnectionID: e.ConnectionID,
		Data:         payload,
		DataType:     dataType,
	}
	data, err := envelope.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to marshal ws_message")
	}
	return e.channel.SendEncrypted(data)
}

// BufferedAmount returns the monotonic counter of bytes sent during
// this connection's lifetime.
func (e *Endpoint) BufferedAmount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bufferedAmount
}

// State returns the endpoint's current lifecycle stage.
func (e *Endpoint) State() ReadyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close transitions the endpoint CLOSING then CLOSED and emits
// ws_close to the peer.
func (e *Endpoint) Close(code int, reason string) error {
	e.mu.Lock()
	if e.state == Closed {
		e.mu.Unlock()
		return nil
	}
	e.state = Closing
	e.mu.Unlock()

	u16code := uint16(code)
	frame := envelope.WSClose{Type: envelope.TypeWSClose, ConnectionID: e.ConnectionID, Code: &u16code, Reason: &reason}
	data, err := envelope.Marshal(frame)
	if err == nil {
		_ = e.channel.SendEncrypted(data)
	}

	e.mu.Lock()
	e.state = Closed
	onClose := e.onClose
	e.mu.Unlock()

	if onClose != nil {
		onClose(code, reason)
	}
	return nil
}

// Registry tracks every logical stream currently open on one control
// channel, keyed by connection_id.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{endpoints: make(map[string]*Endpoint)}
}

// Connect registers a new endpoint for an inbound ws_connect frame and
// emits ws_event{open} to the peer.
func (r *Registry) Connect(frame envelope.WSConnect, channel sender) (*Endpoint, error) {
	ep := &Endpoint{
		ConnectionID: frame.ConnectionID,
		URL:          frame.URL,
		Protocols:    frame.Protocols,
		state:        Open,
		channel:      channel,
	}

	r.mu.Lock()
	r.endpoints[frame.ConnectionID] = ep
	r.mu.Unlock()
	tunnelmetrics.SetActiveStreams(r.Count())

	event := envelope.WSEvent{Type: envelope.TypeWSEvent, ConnectionID: frame.ConnectionID, EventType: "open"}
	data, err := envelope.Marshal(event)
	if err != nil {
		return nil, errors.Wrap(err, errors.Internal, "failed to marshal ws_event")
	}
	if err := channel.SendEncrypted(data); err != nil {
		return nil, err
	}
	return ep, nil
}

// Get returns the endpoint for connectionID, if registered.
func (r *Registry) Get(connectionID string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[connectionID]
	return ep, ok
}

// Remove deregisters an endpoint, e.g. after it closes.
func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	delete(r.endpoints, connectionID)
	r.mu.Unlock()
	tunnelmetrics.SetActiveStreams(r.Count())
}

// Count returns the number of currently registered endpoints.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}

// Broadcast folds Send over every currently registered endpoint.
func (r *Registry) Broadcast(payload []byte) {
	r.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	r.mu.RUnlock()

	for _, ep := range endpoints {
		_ = ep.Send(payload)
	}
}

// CloseAll closes every registered endpoint with code 1006, used on
// outer-socket teardown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	endpoints := make([]*Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		endpoints = append(endpoints, ep)
	}
	r.mu.RUnlock()

	for _, ep := range endpoints {
		_ = ep.Close(1006, "tunnel closed")
	}

	r.mu.Lock()
	r.endpoints = make(map[string]*Endpoint)
	r.mu.Unlock()
}
