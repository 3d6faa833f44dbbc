package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/clubpulse/internal/stomp"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory broker connection. Frames written by the client are
// recorded; CONNECT is answered according to the owning dialer's settings.
type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	reject    bool
	heartBeat string

	mu   sync.Mutex
	sent []*stomp.Frame
}

func newFakeConn(reject bool, heartBeat string) *fakeConn {
	return &fakeConn{
		in:        make(chan []byte, 64),
		closed:    make(chan struct{}),
		reject:    reject,
		heartBeat: heartBeat,
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("use of closed connection")
	default:
	}

	frames, err := stomp.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, frames...)
	c.mu.Unlock()

	for _, f := range frames {
		if f.Command != stomp.CmdConnect {
			continue
		}
		if c.reject {
			reply := stomp.New(stomp.CmdError, stomp.HdrMessage, "Bad credentials")
			c.in <- stomp.Encode(reply)
			continue
		}
		reply := stomp.New(stomp.CmdConnected, stomp.HdrVersion, "1.2", stomp.HdrHeartBeat, c.heartBeat)
		c.in <- stomp.Encode(reply)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// frames returns the recorded client frames with the given command
func (c *fakeConn) frames(command string) []*stomp.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*stomp.Frame
	for _, f := range c.sent {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// deliver pushes a MESSAGE frame for subscription id
func (c *fakeConn) deliver(id, destination string, body string) {
	f := stomp.New(stomp.CmdMessage,
		stomp.HdrSubscription, id,
		stomp.HdrDestination, destination,
		stomp.HdrMessageID, "m-1",
	)
	f.Body = []byte(body)
	c.in <- stomp.Encode(f)
}

type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	fail      bool
	reject    bool
	heartBeat string
	conns     []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	hb := d.heartBeat
	if hb == "" {
		hb = "0,0"
	}
	conn := newFakeConn(d.reject, hb)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func testConfig() Config {
	return Config{
		URL:               "ws://broker.test/ws",
		HeartbeatOutgoing: 0,
		HeartbeatIncoming: 0,
		ReconnectDelay:    5 * time.Millisecond,
		MaxRetries:        10,
		ConnectTimeout:    time.Second,
	}
}

// waitConnected waits until the client is connected on a fresh socket and
// returns that socket
func waitConnected(t *testing.T, c *Client, d *fakeDialer) *fakeConn {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.State() == StateConnected
	}, 2*time.Second, time.Millisecond)
	conn := d.last()
	require.NotNil(t, conn)
	return conn
}

func waitFrames(t *testing.T, conn *fakeConn, command string, n int) []*stomp.Frame {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.frames(command)) >= n
	}, 2*time.Second, time.Millisecond)
	return conn.frames(command)
}
