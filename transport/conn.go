// Package transport adapts a websocket connection to the broker's packet
// framing: one wire frame (type-key + payload) per binary WS message.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omuhub/broker/wire"
)

// Conn wraps a gorilla/websocket connection with context-aware
// read/write and the broker's frame encoding.
type Conn struct {
	c *websocket.Conn
}

// UpgraderOptions exposes the websocket upgrader controls the broker cares
// about.
type UpgraderOptions struct {
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// Upgrade upgrades an HTTP request to a websocket connection.
func Upgrade(w http.ResponseWriter, r *http.Request, opts UpgraderOptions) (*Conn, error) {
	up := websocket.Upgrader{
		ReadBufferSize:  opts.ReadBufferSize,
		WriteBufferSize: opts.WriteBufferSize,
		CheckOrigin:     opts.CheckOrigin,
	}
	c, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Conn{c: c}, nil
}

// DialOptions provides optional headers for websocket dialing.
type DialOptions struct {
	Header http.Header
	Dialer *websocket.Dialer
}

// Dial opens a websocket connection with deadline-aware handshake.
func Dial(ctx context.Context, urlStr string, opts DialOptions) (*Conn, *http.Response, error) {
	var d websocket.Dialer
	if opts.Dialer != nil {
		d = *opts.Dialer
	}
	if deadline, ok := ctx.Deadline(); ok {
		dl := time.Until(deadline)
		if d.HandshakeTimeout == 0 || d.HandshakeTimeout > dl {
			d.HandshakeTimeout = dl
		}
	}
	c, resp, err := d.DialContext(ctx, urlStr, opts.Header)
	if err != nil {
		return nil, resp, err
	}
	return &Conn{c: c}, resp, nil
}

// SetReadLimit forwards the read limit to the underlying websocket, bounding
// the maximum frame size the broker will accept.
func (c *Conn) SetReadLimit(n int64) {
	c.c.SetReadLimit(n)
}

// readMessage reads a raw websocket frame, respecting ctx's deadline and
// cancellation by force-waking a blocked read via a synthetic deadline.
func (c *Conn) readMessage(ctx context.Context) (int, []byte, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetReadDeadline(deadline)
	} else {
		_ = c.c.SetReadDeadline(time.Time{})
	}
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if !active.Load() {
				return
			}
			_ = c.c.SetReadDeadline(time.Now())
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	mt, b, err := c.c.ReadMessage()
	if err == nil {
		return mt, b, nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if cerr := ctx.Err(); cerr != nil {
			return 0, nil, cerr
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return 0, nil, context.DeadlineExceeded
		}
	}
	return 0, nil, err
}

// writeMessage writes a raw websocket frame, respecting ctx the same way
// readMessage does.
func (c *Conn) writeMessage(ctx context.Context, messageType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		_ = c.c.SetWriteDeadline(deadline)
	} else {
		_ = c.c.SetWriteDeadline(time.Time{})
	}
	if ctx.Done() != nil {
		var active atomic.Bool
		active.Store(true)
		stop := context.AfterFunc(ctx, func() {
			if !active.Load() {
				return
			}
			_ = c.c.SetWriteDeadline(time.Now())
		})
		defer func() {
			active.Store(false)
			stop()
		}()
	}
	err := c.c.WriteMessage(messageType, data)
	if err == nil {
		return nil
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if hasDeadline && !time.Now().Before(deadline) {
			return context.DeadlineExceeded
		}
	}
	return err
}

// ReadFrame reads one binary WS message and decodes it as a wire frame,
// returning the type-key and payload. Non-binary messages (ping/pong are
// already handled by gorilla internally; text messages are rejected) return
// an error.
func (c *Conn) ReadFrame(ctx context.Context) (typeKey string, payload []byte, err error) {
	mt, b, err := c.readMessage(ctx)
	if err != nil {
		return "", nil, err
	}
	if mt != websocket.BinaryMessage {
		return "", nil, fmt.Errorf("transport: expected binary message, got type %d", mt)
	}
	return wire.ReadFrame(b)
}

// WriteFrame encodes typeKey/payload as a wire frame and sends it as one
// binary WS message.
func (c *Conn) WriteFrame(ctx context.Context, typeKey string, payload []byte) error {
	w := wire.NewWriter()
	w.WriteString(typeKey)
	w.WriteBytes(payload)
	return c.writeMessage(ctx, websocket.BinaryMessage, w.Bytes())
}

// Close closes the underlying connection without a close handshake.
func (c *Conn) Close() error {
	return c.c.Close()
}

// CloseWithStatus sends a close control frame carrying code/text before
// closing, used to report the broker's disconnect-reason taxonomy to
// clients.
func (c *Conn) CloseWithStatus(code int, text string) error {
	_ = c.c.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(2*time.Second))
	return c.c.Close()
}

// RemoteAddr returns the peer address, used for logging and rate limiting.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}

// Underlying exposes the raw gorilla/websocket connection for callers that
// need lower-level control (e.g. setting pong handlers for keepalive).
func (c *Conn) Underlying() *websocket.Conn {
	return c.c
}
