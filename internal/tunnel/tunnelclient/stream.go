package tunnelclient

import (
	"sync"

	"github.com/r3e-network/ra-tunnel/internal/common/errors"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/envelope"
	"github.com/r3e-network/ra-tunnel/internal/tunnel/wsmux"
)

// Stream is the client-side logical WebSocket endpoint returned by
// Client.OpenStream: a CONNECTING/OPEN/CLOSING/CLOSED lifecycle object
// mirroring wsmux.Endpoint on the server side, with FIFO send buffering
// while CONNECTING and the port-mismatch guard from spec §4.H.
type Stream struct {
	ConnectionID string
	URL          string

	channel *clientChannel

	mu             sync.Mutex
	state          wsmux.ReadyState
	bufferedAmount int
	sendQueue      []queuedSend
	portMismatch   bool
	errorFired     bool

	onOpen    func()
	onMessage func(data []byte, dataType string)
	onClose   func(code int, reason string)
	onError   func(err error)
}

type queuedSend struct {
	data     []byte
	dataType string
}

// OnOpen registers the callback fired when the server confirms the
// logical stream.
func (s *Stream) OnOpen(fn func()) {
	s.mu.Lock()
	s.onOpen = fn
	s.mu.Unlock()
}

// OnMessage registers the callback fired for each inbound ws_message.
func (s *Stream) OnMessage(fn func(data []byte, dataType string)) {
	s.mu.Lock()
	s.onMessage = fn
	s.mu.Unlock()
}

// OnClose registers the callback fired when the stream closes, from
// either side.
func (s *Stream) OnClose(fn func(code int, reason string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// OnError registers the callback fired on a port mismatch (the stream
// never leaves CONNECTING in that case) or other stream-level failure.
// If the mismatch already happened before this call, fn fires
// immediately.
func (s *Stream) OnError(fn func(err error)) {
	s.mu.Lock()
	s.onError = fn
	fireNow := s.portMismatch && !s.errorFired
	if fireNow {
		s.errorFired = true
	}
	s.mu.Unlock()
	if fireNow {
		fn(errors.New(errors.PortMismatch, "port mismatch"))
	}
}

// State returns the stream's current lifecycle stage.
func (s *Stream) State() wsmux.ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BufferedAmount returns the monotonic counter of bytes queued/sent
// during this connection's lifetime.
func (s *Stream) BufferedAmount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bufferedAmount
}

// Send transmits payload, choosing dataType via the text/binary
// heuristic. While CONNECTING, sends are enqueued and flushed in FIFO
// order once the stream opens. Send after CLOSED/CLOSING errors.
func (s *Stream) Send(payload []byte) error {
	dataType := "arraybuffer"
	if wsmux.LooksLikeText(payload) {
		dataType = "string"
	}
	return s.sendTyped(payload, dataType)
}

// SendText transmits a string payload verbatim, tagged dataType: string.
func (s *Stream) SendText(payload string) error {
	return s.sendTyped([]byte(payload), "string")
}

func (s *Stream) sendTyped(payload []byte, dataType string) error {
	s.mu.Lock()
	switch s.state {
	case wsmux.Closed, wsmux.Closing:
		s.mu.Unlock()
		return errors.New(errors.NotConnected, "logical stream is not open")
	case wsmux.Connecting:
		s.sendQueue = append(s.sendQueue, queuedSend{data: payload, dataType: dataType})
		s.bufferedAmount += len(payload)
		s.mu.Unlock()
		return nil
	}
	s.bufferedAmount += len(payload)
	s.mu.Unlock()

	return s.transmit(payload, dataType)
}

func (s *Stream) transmit(payload []byte, dataType string) error {
	frame := envelope.WSMessage{Type: envelope.TypeWSMessage, ConnectionID: s.ConnectionID, Data: payload, DataType: dataType}
	data, err := envelope.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, errors.Internal, "failed to marshal ws_message")
	}
	return s.channel.sendEncrypted(data)
}

// Close initiates closing the stream, transitioning CLOSING then
// CLOSED and emitting ws_close to the peer.
func (s *Stream) Close(code int, reason string) error {
	s.mu.Lock()
	if s.state == wsmux.Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = wsmux.Closing
	s.mu.Unlock()

	u16code := uint16(code)
	frame := envelope.WSClose{Type: envelope.TypeWSClose, ConnectionID: s.ConnectionID, Code: &u16code, Reason: &reason}
	data, err := envelope.Marshal(frame)
	if err == nil {
		_ = s.channel.sendEncrypted(data)
	}
	s.channel.removeStream(s.ConnectionID)
	s.transitionClosed(code, reason)
	return nil
}

// handleEvent applies an inbound ws_event from the server: "open"
// transitions CONNECTING to OPEN and flushes queued sends in FIFO
// order; "close"/"error" tear the stream down.
func (s *Stream) handleEvent(ev envelope.WSEvent) {
	switch ev.EventType {
	case "open":
		s.mu.Lock()
		if s.state != wsmux.Connecting {
			s.mu.Unlock()
			return
		}
		s.state = wsmux.Open
		queued := s.sendQueue
		s.sendQueue = nil
		onOpen := s.onOpen
		s.mu.Unlock()

		for _, q := range queued {
			_ = s.transmit(q.data, q.dataType)
		}
		if onOpen != nil {
			onOpen()
		}

	case "close":
		code := 1000
		if ev.Code != nil {
			code = int(*ev.Code)
		}
		reason := ""
		if ev.Reason != nil {
			reason = *ev.Reason
		}
		s.transitionClosed(code, reason)
		s.channel.removeStream(s.ConnectionID)

	case "error":
		s.mu.Lock()
		onError := s.onError
		s.errorFired = true
		s.mu.Unlock()
		if onError != nil {
			msg := "stream error"
			if ev.Error != nil {
				msg = *ev.Error
			}
			onError(errors.New(errors.Internal, msg))
		}
	}
}

func (s *Stream) deliverMessage(data []byte, dataType string) {
	s.mu.Lock()
	onMessage := s.onMessage
	s.mu.Unlock()
	if onMessage != nil {
		onMessage(data, dataType)
	}
}

func (s *Stream) transitionClosed(code int, reason string) {
	s.mu.Lock()
	if s.state == wsmux.Closed {
		s.mu.Unlock()
		return
	}
	s.state = wsmux.Closed
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose(code, reason)
	}
}
