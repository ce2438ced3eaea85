// Package ws carries game sessions over WebSocket as JSON text frames, one
// message per frame.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	gamev1 "github.com/cory-johannsen/vrserver/internal/gameserver/gamev1"
)

// Conn adapts a WebSocket connection to a game session stream. Send is safe
// for concurrent use; Recv must be called from one goroutine.
type Conn struct {
	ws           *websocket.Conn
	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	writeTimeout time.Duration
}

// NewConn wraps ws. The connection's context is derived from ctx and is
// cancelled when Recv fails or Close is called.
func NewConn(ctx context.Context, ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(ctx)
	return &Conn{ws: ws, ctx: ctx, cancel: cancel, writeTimeout: writeTimeout}
}

// Context returns the connection's context.
func (c *Conn) Context() context.Context { return c.ctx }

// Send writes ev as one JSON text frame.
func (c *Conn) Send(ev *gamev1.ServerEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

// Recv reads the next ClientMessage. A normal close from the peer is
// reported as io.EOF.
func (c *Conn) Recv() (*gamev1.ClientMessage, error) {
	msg := &gamev1.ClientMessage{}
	if err := c.ws.ReadJSON(msg); err != nil {
		c.cancel()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, io.EOF
		}
		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) {
			return nil, fmt.Errorf("peer closed: %w", err)
		}
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return msg, nil
}

// CloseWith sends a close frame carrying code and reason, then closes the
// connection.
func (c *Conn) CloseWith(code int, reason string) error {
	c.mu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.mu.Unlock()
	return c.Close()
}

// Close cancels the connection's context and closes the socket.
func (c *Conn) Close() error {
	c.cancel()
	return c.ws.Close()
}
