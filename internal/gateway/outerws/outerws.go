// Package outerws adapts a real gorilla/websocket connection to the
// control.OuterConn interface: the outer transport carrying the
// tunnel's control channel frames.
package outerws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pingWriteTimeout bounds how long a control-frame ping write may block
// before it's treated as a dead socket.
const pingWriteTimeout = 5 * time.Second

// Conn wraps *websocket.Conn, serializing writes with a mutex the way
// gorilla's own docs require (concurrent writers are not safe on a
// single connection).
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// New wraps an established *websocket.Conn.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteMessage sends data as a single binary WebSocket message (CBOR
// frames are binary on the wire).
func (c *Conn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// ReadMessage blocks for the next inbound message.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Ping sends a WebSocket ping control frame, actually probing the
// socket rather than relying solely on read-side inactivity timeouts
// (a half-open TCP connection can go silent without ever erroring a
// read until the OS-level keepalive gives up, much later).
func (c *Conn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
}

// Close sends a close frame with the given code/reason and closes the
// underlying connection.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	closeMsg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteMessage(websocket.CloseMessage, closeMsg)
	c.mu.Unlock()
	return c.ws.Close()
}
