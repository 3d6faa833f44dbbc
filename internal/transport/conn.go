package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message-oriented connection carrying STOMP frames
type Conn interface {
	// ReadMessage blocks until the next message arrives
	ReadMessage() ([]byte, error)
	// WriteMessage sends one message; it is safe for concurrent use
	WriteMessage(data []byte) error
	// Close tears the connection down and unblocks readers
	Close() error
}

// Dialer opens broker connections
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// STOMP-over-WebSocket subprotocols in order of preference
var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

const writeWait = 10 * time.Second

// WebSocketDialer dials STOMP endpoints over plain WebSocket
type WebSocketDialer struct {
	Dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer with the STOMP subprotocols set
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     stompSubprotocols,
		},
	}
}

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to WebSocket (%d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	return newWSConn(conn), nil
}

// wsConn adapts a gorilla connection to Conn
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}
