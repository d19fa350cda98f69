package stream

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical transport connection. ReadMessage blocks until a
// message arrives or the connection fails.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a new Conn. It is called for the initial connect and for
// every reconnect attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// HeaderFunc builds handshake headers. It is evaluated on every dial so
// venues with timestamped signatures re-sign each reconnect.
type HeaderFunc func() (http.Header, error)

// WSDialer dials a WebSocket endpoint with TCP_NODELAY enabled.
type WSDialer struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// ReadTimeout is the maximum silence before a read fails and the
	// supervisor treats the connection as dead. Zero disables it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Headers HeaderFunc
}

// NewWSDialer returns a dialer with defaults tuned for market data.
func NewWSDialer(url string) *WSDialer {
	return &WSDialer{
		URL:             url,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	var headers http.Header
	if d.Headers != nil {
		h, err := d.Headers()
		if err != nil {
			return nil, fmt.Errorf("stream: build headers: %w", err)
		}
		headers = h
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
		HandshakeTimeout: 15 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			nd := net.Dialer{}
			conn, err := nd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	c, _, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		return nil, fmt.Errorf("stream: dial %s: %w", d.URL, err)
	}
	return &wsConn{c: c, readTimeout: d.ReadTimeout, writeTimeout: d.WriteTimeout}, nil
}

// wsConn adapts *websocket.Conn to Conn and applies per-message deadlines.
type wsConn struct {
	c            *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	if w.readTimeout > 0 {
		w.c.SetReadDeadline(time.Now().Add(w.readTimeout))
	}
	_, msg, err := w.c.ReadMessage()
	return msg, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	if w.writeTimeout > 0 {
		w.c.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
