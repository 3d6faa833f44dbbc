package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nkkko/clubpulse/internal/metrics"
	"github.com/nkkko/clubpulse/internal/stomp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrClosed is returned by operations on a closed client
	ErrClosed = errors.New("transport: client closed")
	// ErrNotStarted is returned by Reconnect before Start
	ErrNotStarted = errors.New("transport: client not started")
)

// State is the broker connection state
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// BrokerError is an ERROR frame received from the broker
type BrokerError struct {
	Message string
	Body    string
}

func (e *BrokerError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("broker error: %s: %s", e.Message, e.Body)
	}
	return "broker error: " + e.Message
}

// Message is a MESSAGE frame delivered to a subscription handler
type Message struct {
	Topic  string
	Header *stomp.Header
	Body   []byte
}

// Handler receives messages for a subscribed topic. Handlers run on the
// connection's read loop, one at a time.
type Handler func(msg *Message)

// HeaderProvider returns extra CONNECT headers (credentials) for each attempt
type HeaderProvider func() map[string]string

// Config contains transport configuration
type Config struct {
	// Broker endpoint (ws/wss for WebSocket, http/https for SockJS)
	URL string

	// Virtual host sent in CONNECT; defaults to the URL host
	Host string

	// Heart-beat intervals requested from the broker
	HeartbeatOutgoing time.Duration
	HeartbeatIncoming time.Duration

	// Fixed delay between reconnect attempts
	ReconnectDelay time.Duration

	// Consecutive disconnects tolerated before giving up
	MaxRetries int

	// Upper bound for dial plus STOMP handshake
	ConnectTimeout time.Duration
}

// DefaultConfig returns a default transport configuration
func DefaultConfig() Config {
	return Config{
		URL:               "http://localhost:8080/ws",
		HeartbeatOutgoing: 4 * time.Second,
		HeartbeatIncoming: 4 * time.Second,
		ReconnectDelay:    5 * time.Second,
		MaxRetries:        10,
		ConnectTimeout:    10 * time.Second,
	}
}

// Option configures a Client
type Option func(*Client)

// WithHeaderProvider sets the source of CONNECT credentials
func WithHeaderProvider(p HeaderProvider) Option {
	return func(c *Client) {
		c.headers = p
	}
}

// Client owns one logical broker connection. It reconnects after a fixed
// delay, gives up once more than MaxRetries consecutive disconnects occurred,
// and re-attaches every registered subscription whenever it connects.
type Client struct {
	config   Config
	dialer   Dialer
	headers  HeaderProvider
	registry *Registry
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	state      atomic.Int32
	retryCount atomic.Int32
	sess       *session
	timer      *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	closed     bool
	listeners  []func(State)
	wg         sync.WaitGroup
}

// New creates a transport client. No connection is made until Start.
func New(config Config, dialer Dialer, opts ...Option) *Client {
	defaults := DefaultConfig()
	if config.URL == "" {
		config.URL = defaults.URL
	}
	if config.HeartbeatOutgoing < 0 {
		config.HeartbeatOutgoing = 0
	}
	if config.HeartbeatIncoming < 0 {
		config.HeartbeatIncoming = 0
	}
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaults.MaxRetries
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.Host == "" {
		if u, err := url.Parse(config.URL); err == nil {
			config.Host = u.Hostname()
		}
	}

	c := &Client{
		config:   config,
		dialer:   dialer,
		registry: NewRegistry(),
		logger:   log.With().Str("component", "transport").Logger(),
		metrics:  metrics.GetMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins connecting in the background. The connection lives until
// Close, independent of ctx's deadline but not of its cancellation.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ctx != nil {
		c.mu.Unlock()
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	c.logger.Info().Str("url", c.config.URL).Msg("Starting broker connection")
	go c.connect()
	return nil
}

// State returns the current connection state
func (c *Client) State() State {
	return State(c.state.Load())
}

// RetryCount returns the number of consecutive disconnects since the last
// successful connect
func (c *Client) RetryCount() int {
	return int(c.retryCount.Load())
}

// Registry exposes the subscription registry
func (c *Client) Registry() *Registry {
	return c.registry
}

// OnStateChange registers a listener for state transitions. Listeners are
// called synchronously while the client is locked; they may read State and
// RetryCount but must not call Subscribe, Publish, Reconnect or Close.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Publish sends payload to topic. When the client is not connected the
// payload is dropped and logged; there is no error and no queueing.
func (c *Client) Publish(topic string, payload []byte) {
	c.mu.Lock()
	sess := c.sess
	connected := c.State() == StateConnected
	c.mu.Unlock()

	if !connected || sess == nil {
		c.metrics.PublishDroppedTotal.Inc()
		c.logger.Warn().
			Str("topic", topic).
			Str("state", c.State().String()).
			Int("bytes", len(payload)).
			Msg("Broker not connected, dropping publish")
		return
	}

	f := stomp.New(stomp.CmdSend, stomp.HdrDestination, topic)
	f.Body = payload
	if err := sess.send(f); err != nil {
		c.metrics.PublishDroppedTotal.Inc()
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish, dropping")
	}
}

// Subscribe registers handler for topic and attaches it to the live
// connection if there is one; otherwise it is attached on the next connect.
// The returned function is idempotent and only removes this registration:
// once the topic has been registered again it leaves the newer one alone.
func (c *Client) Subscribe(topic string, handler Handler) func() {
	c.mu.Lock()
	gen := c.registry.Register(topic, handler)
	if c.sess != nil && c.State() == StateConnected && c.registry.LiveID(topic) == "" {
		c.attachLocked(c.sess, topic)
	}
	c.updateSubscriptionGauges()
	c.mu.Unlock()

	c.logger.Debug().Str("topic", topic).Uint64("generation", gen).Msg("Subscription registered")

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(topic, gen) })
	}
}

func (c *Client) unsubscribe(topic string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	liveID, removed := c.registry.Remove(topic, gen)
	if !removed {
		return
	}
	if liveID != "" && c.sess != nil {
		if err := c.sess.send(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, liveID)); err != nil {
			c.logger.Debug().Err(err).Str("topic", topic).Msg("Failed to send UNSUBSCRIBE")
		}
	}
	c.updateSubscriptionGauges()
	c.logger.Debug().Str("topic", topic).Msg("Subscription removed")
}

// Reconnect re-initiates connecting after the circuit breaker tripped. It
// resets the retry count. It is a no-op while connected or connecting.
func (c *Client) Reconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ctx == nil {
		c.mu.Unlock()
		return ErrNotStarted
	}
	if s := c.State(); s == StateConnected || s == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.retryCount.Store(0)
	c.mu.Unlock()

	c.logger.Info().Msg("Manual reconnect requested")
	go c.connect()
	return nil
}

// Close disconnects, cancels the reconnect timer and detaches every live
// subscription. Registered topics are kept. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	sess := c.sess
	c.sess = nil
	liveIDs := c.registry.ClearLive()
	c.setStateLocked(StateDisconnected)
	c.updateSubscriptionGauges()
	c.mu.Unlock()

	if sess != nil {
		sort.Strings(liveIDs)
		for _, id := range liveIDs {
			_ = sess.send(stomp.New(stomp.CmdUnsubscribe, stomp.HdrID, id))
		}
		_ = sess.send(stomp.New(stomp.CmdDisconnect))
		sess.close()
	}

	c.wg.Wait()
	c.logger.Info().Msg("Broker connection closed")
	return nil
}

// connect performs one connection attempt
func (c *Client) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if s := c.State(); s == StateConnecting || s == StateConnected {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	ctx := c.ctx
	c.setStateLocked(StateConnecting)
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.metrics.ConnectAttemptsTotal.Inc()
	c.logger.Debug().Int("retry", c.RetryCount()).Msg("Connecting to broker")

	sess, err := c.handshake(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Int("retry", c.RetryCount()).Msg("Broker connection attempt failed")
		c.handleDisconnect(nil, err)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sess.close()
		return
	}
	c.sess = sess
	c.retryCount.Store(0)
	c.setStateLocked(StateConnected)
	for _, topic := range c.registry.Topics() {
		c.attachLocked(sess, topic)
	}
	c.updateSubscriptionGauges()
	c.wg.Add(2)
	c.mu.Unlock()

	c.logger.Info().
		Dur("heartbeat_out", sess.hbOut).
		Dur("heartbeat_in", sess.hbIn).
		Int("subscriptions", c.registry.LiveCount()).
		Msg("Connected to broker")

	go sess.readLoop()
	go sess.heartbeatLoop()
}

// handshake dials and completes the STOMP CONNECT exchange
func (c *Client) handshake(ctx context.Context) (*session, error) {
	dctx, cancel := context.WithTimeout(ctx, c.config.ConnectTimeout)
	defer cancel()

	conn, err := c.dialer.Dial(dctx, c.config.URL, nil)
	if err != nil {
		return nil, err
	}

	connect := stomp.New(stomp.CmdConnect,
		stomp.HdrAcceptVersion, stomp.SupportedVersions,
		stomp.HdrHost, c.config.Host,
		stomp.HdrHeartBeat, stomp.FormatHeartBeat(c.config.HeartbeatOutgoing, c.config.HeartbeatIncoming),
	)
	if c.headers != nil {
		extra := c.headers()
		keys := make([]string, 0, len(extra))
		for k := range extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			connect.Header.Set(k, extra[k])
		}
	}

	// Unblock the read below when the attempt times out
	stop := context.AfterFunc(dctx, func() { _ = conn.Close() })

	if err := conn.WriteMessage(stomp.Encode(connect)); err != nil {
		stop()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send CONNECT: %w", err)
	}
	c.metrics.FramesSentTotal.WithLabelValues(stomp.CmdConnect).Inc()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			stop()
			_ = conn.Close()
			if dctx.Err() != nil {
				return nil, fmt.Errorf("stomp handshake: %w", dctx.Err())
			}
			return nil, fmt.Errorf("stomp handshake: %w", err)
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			stop()
			_ = conn.Close()
			return nil, fmt.Errorf("stomp handshake: %w", err)
		}
		for _, f := range frames {
			c.metrics.FramesReceivedTotal.WithLabelValues(f.Command).Inc()
			switch f.Command {
			case stomp.CmdConnected:
				if !stop() {
					return nil, fmt.Errorf("stomp handshake: %w", dctx.Err())
				}
				serverOut, serverIn, err := stomp.ParseHeartBeat(f.Header.Get(stomp.HdrHeartBeat))
				if err != nil {
					c.logger.Warn().Err(err).Msg("Ignoring invalid heart-beat header from broker")
					serverOut, serverIn = 0, 0
				}
				out, in := stomp.NegotiateHeartBeat(c.config.HeartbeatOutgoing, c.config.HeartbeatIncoming, serverOut, serverIn)
				return newSession(c, conn, out, in), nil
			case stomp.CmdError:
				stop()
				_ = conn.Close()
				return nil, &BrokerError{Message: f.Header.Get(stomp.HdrMessage), Body: string(f.Body)}
			}
		}
	}
}

// attachLocked sends SUBSCRIBE for topic on sess. Caller holds c.mu.
func (c *Client) attachLocked(sess *session, topic string) {
	id := "sub-" + generateID()
	f := stomp.New(stomp.CmdSubscribe,
		stomp.HdrID, id,
		stomp.HdrDestination, topic,
		stomp.HdrAck, "auto",
	)
	if err := sess.send(f); err != nil {
		// The read loop observes the broken socket and reconnects
		c.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to attach subscription")
		return
	}
	c.registry.BindLive(topic, id)
}

// handleDisconnect runs when sess ends or a connection attempt fails (sess nil)
func (c *Client) handleDisconnect(sess *session, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if sess != nil && c.sess != sess {
		return
	}
	c.sess = nil
	c.registry.ClearLive()
	c.updateSubscriptionGauges()
	c.metrics.DisconnectsTotal.Inc()

	retries := c.retryCount.Add(1)
	if int(retries) > c.config.MaxRetries {
		c.setStateLocked(StateFailed)
		c.metrics.BreakerTripsTotal.Inc()
		c.logger.Error().
			Err(cause).
			Int("retries", int(retries)).
			Int("max_retries", c.config.MaxRetries).
			Msg("Giving up on broker connection, reconnect required")
		return
	}

	c.setStateLocked(StateDisconnected)
	c.logger.Info().
		Err(cause).
		Int("retry", int(retries)).
		Dur("delay", c.config.ReconnectDelay).
		Msg("Broker disconnected, scheduling reconnect")
	c.timer = time.AfterFunc(c.config.ReconnectDelay, c.connect)
}

// dispatch routes a MESSAGE frame to the current handler of its subscription
func (c *Client) dispatch(f *stomp.Frame) {
	id := f.Header.Get(stomp.HdrSubscription)
	topic, handler, ok := c.registry.LiveByID(id)
	if !ok {
		c.logger.Debug().Str("subscription", id).Msg("Message for unknown subscription, ignoring")
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.metrics.HandlerPanicsTotal.Inc()
			c.logger.Error().Interface("panic", r).Str("topic", topic).Msg("Subscription handler panicked")
		}
	}()
	handler(&Message{Topic: topic, Header: f.Header, Body: f.Body})
}

func (c *Client) setStateLocked(s State) {
	prev := State(c.state.Swap(int32(s)))
	c.metrics.ConnectionState.Set(float64(s))
	if prev == s {
		return
	}
	for _, fn := range c.listeners {
		fn(s)
	}
}

func (c *Client) updateSubscriptionGauges() {
	c.metrics.SubscriptionsLive.Set(float64(c.registry.LiveCount()))
	c.metrics.SubscriptionsPending.Set(float64(c.registry.Len()))
}

// Variable for generating unique subscription IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
