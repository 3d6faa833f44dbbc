// Package notifier streams notification store changes to local clients as
// Server-Sent Events.
package notifier

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event types
const (
	EventSnapshot = "snapshot"
	EventChange   = "change"
)

// Event summarizes the store after a change
type Event struct {
	Type        string    `json:"type"`
	Total       int       `json:"total"`
	UnreadCount int       `json:"unreadCount"`
	Time        time.Time `json:"time"`
}

// Source reports the current store totals
type Source interface {
	Len() int
	UnreadCount() int
}

// Config contains notifier configuration
type Config struct {
	// Flush interval for the broadcast buffer
	FlushInterval time.Duration

	// Interval between SSE keep-alive comments
	HeartbeatInterval time.Duration

	// Per-subscriber event buffer
	SubscriberBuffer int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval:     50 * time.Millisecond,
		HeartbeatInterval: 15 * time.Second,
		SubscriberBuffer:  8,
	}
}

// Notifier fans store changes out to SSE clients
type Notifier struct {
	config    Config
	source    Source
	broadcast *BroadcastBuffer
	logger    zerolog.Logger
	now       func() time.Time

	shutdownOnce sync.Once
}

// NewNotifier creates a notifier reading totals from source
func NewNotifier(config Config, source Source) *Notifier {
	defaults := DefaultConfig()
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = defaults.SubscriberBuffer
	}

	return &Notifier{
		config:    config,
		source:    source,
		broadcast: NewBroadcastBuffer(config.FlushInterval),
		logger:    log.With().Str("component", "notifier").Logger(),
		now:       time.Now,
	}
}

// Notify publishes the current totals. It is meant to be registered as a
// store change listener.
func (n *Notifier) Notify() {
	n.broadcast.Publish(n.event(EventChange))
}

// Subscribers returns the number of connected stream clients
func (n *Notifier) Subscribers() int {
	return n.broadcast.Len()
}

func (n *Notifier) event(kind string) Event {
	return Event{
		Type:        kind,
		Total:       n.source.Len(),
		UnreadCount: n.source.UnreadCount(),
		Time:        n.now().UTC(),
	}
}

// ServeHTTP streams a snapshot followed by one event per coalesced change
// until the client goes away or the notifier shuts down
func (n *Notifier) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	clientID := uuid.NewString()
	events := n.broadcast.Subscribe(clientID, n.config.SubscriberBuffer)
	defer n.broadcast.Unsubscribe(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := n.logger.With().Str("client_id", clientID).Logger()
	logger.Debug().Msg("Stream client connected")
	defer logger.Debug().Msg("Stream client disconnected")

	if _, err := fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", clientID); err != nil {
		return
	}
	if err := writeEvent(w, n.event(EventSnapshot)); err != nil {
		return
	}
	if err := rc.Flush(); err != nil {
		logger.Warn().Err(err).Msg("Response writer does not support streaming")
		return
	}

	heartbeat := time.NewTicker(n.config.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return err
}

// Shutdown closes every open stream
func (n *Notifier) Shutdown() error {
	var err error
	n.shutdownOnce.Do(func() {
		n.logger.Info().Int("clients", n.broadcast.Len()).Msg("Shutting down notifier")
		err = n.broadcast.Close()
	})
	return err
}
