package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/clubpulse/internal/stomp"
)

// session is one live socket between CONNECTED and disconnect
type session struct {
	client *Client
	conn   Conn
	hbOut  time.Duration
	hbIn   time.Duration

	writeMu   sync.Mutex
	lastRead  atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(c *Client, conn Conn, hbOut, hbIn time.Duration) *session {
	s := &session{
		client: c,
		conn:   conn,
		hbOut:  hbOut,
		hbIn:   hbIn,
		done:   make(chan struct{}),
	}
	s.lastRead.Store(time.Now().UnixNano())
	return s
}

func (s *session) send(f *stomp.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.WriteMessage(stomp.Encode(f)); err != nil {
		return err
	}
	s.client.metrics.FramesSentTotal.WithLabelValues(f.Command).Inc()
	return nil
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// readLoop decodes inbound frames until the socket fails
func (s *session) readLoop() {
	defer s.client.wg.Done()

	logger := s.client.logger
	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			s.close()
			s.client.handleDisconnect(s, err)
			return
		}
		s.lastRead.Store(time.Now().UnixNano())

		frames, err := stomp.Decode(data)
		if err != nil {
			logger.Warn().Err(err).Msg("Discarding malformed STOMP data")
		}
		for _, f := range frames {
			s.client.metrics.FramesReceivedTotal.WithLabelValues(f.Command).Inc()
			switch f.Command {
			case stomp.CmdMessage:
				s.client.dispatch(f)
			case stomp.CmdReceipt:
				logger.Debug().Str("receipt", f.Header.Get(stomp.HdrReceiptID)).Msg("Receipt received")
			case stomp.CmdError:
				brokerErr := &BrokerError{Message: f.Header.Get(stomp.HdrMessage), Body: string(f.Body)}
				logger.Error().Err(brokerErr).Msg("Broker reported an error, dropping connection")
				s.close()
				s.client.handleDisconnect(s, brokerErr)
				return
			default:
				logger.Debug().Str("command", f.Command).Msg("Ignoring unexpected frame")
			}
		}
	}
}

// heartbeatLoop writes EOLs every outgoing interval and closes the socket
// when nothing has been read for twice the incoming interval
func (s *session) heartbeatLoop() {
	defer s.client.wg.Done()

	if s.hbOut <= 0 && s.hbIn <= 0 {
		<-s.done
		return
	}

	var sendC, checkC <-chan time.Time
	if s.hbOut > 0 {
		t := time.NewTicker(s.hbOut)
		defer t.Stop()
		sendC = t.C
	}
	if s.hbIn > 0 {
		t := time.NewTicker(s.hbIn)
		defer t.Stop()
		checkC = t.C
	}

	for {
		select {
		case <-sendC:
			s.writeMu.Lock()
			err := s.conn.WriteMessage(stomp.EOL)
			s.writeMu.Unlock()
			if err != nil {
				s.client.logger.Debug().Err(err).Msg("Heart-beat write failed")
			}

		case <-checkC:
			idle := time.Since(time.Unix(0, s.lastRead.Load()))
			if idle > 2*s.hbIn {
				s.client.metrics.HeartbeatTimeoutTotal.Inc()
				s.client.logger.Warn().Dur("idle", idle).Msg("No data from broker within heart-beat window, closing")
				// readLoop sees the closed socket and handles the disconnect
				s.close()
				return
			}

		case <-s.done:
			return
		}
	}
}
