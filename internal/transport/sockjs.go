package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrWebSocketUnavailable is returned when the SockJS endpoint does not offer
// the websocket transport
var ErrWebSocketUnavailable = errors.New("sockjs: websocket transport disabled by server")

// SockJSCloseError carries the code and reason of a SockJS close frame
type SockJSCloseError struct {
	Code   int
	Reason string
}

func (e *SockJSCloseError) Error() string {
	return fmt.Sprintf("sockjs: closed by server (%d): %s", e.Code, e.Reason)
}

// sockJSInfo is the body of GET {base}/info
type sockJSInfo struct {
	WebSocket    bool     `json:"websocket"`
	CookieNeeded bool     `json:"cookie_needed"`
	Origins      []string `json:"origins"`
	Entropy      int64    `json:"entropy"`
}

// SockJSDialer speaks the SockJS websocket transport: it probes {base}/info
// and then dials {base}/{server}/{session}/websocket, unwrapping the SockJS
// o/h/a/c framing so callers see plain STOMP messages.
type SockJSDialer struct {
	HTTPClient *http.Client
	WebSocket  *websocket.Dialer
}

// NewSockJSDialer creates a SockJS dialer with default clients
func NewSockJSDialer() *SockJSDialer {
	return &SockJSDialer{
		HTTPClient: &http.Client{},
		WebSocket:  NewWebSocketDialer().Dialer,
	}
}

// Dial implements Dialer. rawURL is the http(s) SockJS base endpoint.
func (d *SockJSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	base, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SockJS URL: %w", err)
	}

	info, err := d.info(ctx, base, header)
	if err != nil {
		return nil, err
	}
	if !info.WebSocket {
		return nil, ErrWebSocketUnavailable
	}

	wsURL := *base
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}
	serverID := fmt.Sprintf("%03d", rand.IntN(1000))
	sessionID := strings.ReplaceAll(uuid.NewString(), "-", "")
	wsURL.Path = strings.TrimSuffix(wsURL.Path, "/") + "/" + serverID + "/" + sessionID + "/websocket"

	dialer := d.WebSocket
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SockJS websocket: %w", err)
	}

	sc := &sockJSConn{ws: newWSConn(conn)}
	if err := sc.awaitOpen(ctx); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

func (d *SockJSDialer) info(ctx context.Context, base *url.URL, header http.Header) (*sockJSInfo, error) {
	infoURL := *base
	infoURL.Path = strings.TrimSuffix(infoURL.Path, "/") + "/info"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, infoURL.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}

	client := d.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sockjs info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sockjs info request failed (%d): %s", resp.StatusCode, resp.Status)
	}

	var info sockJSInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode sockjs info: %w", err)
	}
	return &info, nil
}

// sockJSConn unwraps SockJS frames. One "a" frame can carry several messages,
// so they are queued and handed out one per ReadMessage call.
type sockJSConn struct {
	ws      *wsConn
	mu      sync.Mutex
	pending [][]byte
}

// awaitOpen reads the "o" frame. The wait ends when ctx does: the socket is
// closed to unblock the read.
func (c *sockJSConn) awaitOpen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = c.ws.conn.Close() })
	data, err := c.ws.ReadMessage()
	if !stop() {
		return fmt.Errorf("sockjs: waiting for open frame: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("sockjs: waiting for open frame: %w", err)
	}
	switch {
	case len(data) == 1 && data[0] == 'o':
		return nil
	case len(data) > 0 && data[0] == 'c':
		return parseSockJSClose(data[1:])
	default:
		return fmt.Errorf("sockjs: unexpected frame %q before open", truncate(data, 32))
	}
}

func (c *sockJSConn) ReadMessage() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for len(c.pending) == 0 {
		data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			continue
		}
		switch data[0] {
		case 'o':
			continue
		case 'h':
			// SockJS heartbeat counts as inbound traffic for the STOMP watchdog
			return []byte("\n"), nil
		case 'a':
			var msgs []string
			if err := json.Unmarshal(data[1:], &msgs); err != nil {
				return nil, fmt.Errorf("sockjs: malformed message frame: %w", err)
			}
			for _, m := range msgs {
				c.pending = append(c.pending, []byte(m))
			}
		case 'm':
			var msg string
			if err := json.Unmarshal(data[1:], &msg); err != nil {
				return nil, fmt.Errorf("sockjs: malformed message frame: %w", err)
			}
			c.pending = append(c.pending, []byte(msg))
		case 'c':
			return nil, parseSockJSClose(data[1:])
		default:
			return nil, fmt.Errorf("sockjs: unknown frame type %q", data[0])
		}
	}

	msg := c.pending[0]
	c.pending = c.pending[1:]
	return msg, nil
}

func (c *sockJSConn) WriteMessage(data []byte) error {
	payload, err := json.Marshal([]string{string(data)})
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(payload)
}

func (c *sockJSConn) Close() error {
	return c.ws.Close()
}

func parseSockJSClose(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
		return &SockJSCloseError{Reason: string(data)}
	}
	closeErr := &SockJSCloseError{}
	_ = json.Unmarshal(parts[0], &closeErr.Code)
	_ = json.Unmarshal(parts[1], &closeErr.Reason)
	return closeErr
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
