// Package wsconn wraps gorilla/websocket connections with a per-connection
// write lock. gorilla/websocket requires callers to serialize writes to a
// single connection; this bridge has many goroutines writing onto the same
// Agent/Browser link (fan-in from every CDP/native client), so every
// outbound socket is wrapped once here instead of re-synchronizing at
// every call site, generalizing the single-writer-goroutine shape the
// teacher's proxyWebSocketMessages relies on (internal/cdpproxy/proxy.go)
// to the N:1 fan-in this router needs.
package wsconn

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// Conn is a write-serialized wrapper around *websocket.Conn. Reads are not
// serialized — each connection has exactly one reader goroutine, per the
// concurrency model in spec.md §5.
type Conn struct {
	raw      *websocket.Conn
	writeMu  sync.Mutex
	closeMu  sync.Mutex
	closed   bool
}

// Wrap adapts an established *websocket.Conn.
func Wrap(raw *websocket.Conn) *Conn {
	return &Conn{raw: raw}
}

// WriteJSON marshals v and writes it as a text frame, serialized against
// any other concurrent writer on this connection.
func (c *Conn) WriteJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, b)
}

// WriteMessage writes a single frame, serialized against concurrent writers.
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.raw.WriteMessage(messageType, data)
}

// ReadMessage reads the next frame. Only the owning reader goroutine should
// call this.
func (c *Conn) ReadMessage() (messageType int, p []byte, err error) {
	return c.raw.ReadMessage()
}

// Close closes the underlying connection exactly once.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.raw.Close()
}

// WriteClose writes a close control frame with the given code and reason,
// best-effort (errors are not actionable once a peer is going away).
func (c *Conn) WriteClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.raw.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}
