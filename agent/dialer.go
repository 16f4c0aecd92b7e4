package agent

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established connection to the hub.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(frame []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer connects to the hub's /ws endpoint with a bearer token.
type WebsocketDialer struct {
	URL       string
	Token     string
	WriteWait time.Duration
	Dialer    *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}
	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	wait := d.WriteWait
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &wsConn{ws: ws, writeWait: wait}, nil
}

// wsConn is written by a single writer goroutine; gorilla's default ping
// handler answers server pings through WriteControl, which is safe alongside it.
type wsConn struct {
	ws        *websocket.Conn
	writeWait time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := c.ws.ReadMessage()
	return b, err
}

func (c *wsConn) WriteMessage(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error { return c.ws.Close() }
