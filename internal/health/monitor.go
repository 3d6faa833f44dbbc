// Package health polls the backend health endpoint and drives the
// dismissible "server offline" indicator. It is independent of the push
// transport: a dead STOMP socket does not mark the server offline and a
// failing health check does not touch the socket.
package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nkkko/clubpulse/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config contains health monitor configuration
type Config struct {
	// Health endpoint, e.g. http://localhost:8080/actuator/health
	URL string

	// Poll interval while the server answers
	HealthyInterval time.Duration

	// Poll interval while the server is offline
	UnhealthyInterval time.Duration

	// Per-check timeout
	Timeout time.Duration
}

// DefaultConfig returns a default health monitor configuration
func DefaultConfig() Config {
	return Config{
		URL:               "http://localhost:8080/actuator/health",
		HealthyInterval:   30 * time.Second,
		UnhealthyInterval: 5 * time.Second,
		Timeout:           5 * time.Second,
	}
}

// Status is a snapshot of the monitor
type Status struct {
	Healthy             bool      `json:"healthy"`
	OfflineVisible      bool      `json:"offlineVisible"`
	Dismissed           bool      `json:"dismissed"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastChecked         time.Time `json:"lastChecked,omitempty"`
	LastError           string    `json:"lastError,omitempty"`
}

// Monitor polls the health endpoint
type Monitor struct {
	config     Config
	httpClient *http.Client
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu        sync.RWMutex
	status    Status
	listeners []func(Status)
}

// NewMonitor creates a monitor that assumes the server is healthy until a
// check says otherwise
func NewMonitor(config Config, httpClient *http.Client) *Monitor {
	defaults := DefaultConfig()
	if config.HealthyInterval <= 0 {
		config.HealthyInterval = defaults.HealthyInterval
	}
	if config.UnhealthyInterval <= 0 {
		config.UnhealthyInterval = defaults.UnhealthyInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	m := &Monitor{
		config:     config,
		httpClient: httpClient,
		logger:     log.With().Str("component", "health").Logger(),
		metrics:    metrics.GetMetrics(),
		now:        time.Now,
		status:     Status{Healthy: true},
	}
	m.metrics.ServerHealthy.Set(1)
	return m
}

// Run checks immediately and then on the interval matching the last result
// until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Str("url", m.config.URL).Msg("Starting health monitor")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Health monitor stopped")
			return nil
		case <-timer.C:
			m.Check(ctx)
			timer.Reset(m.Interval())
		}
	}
}

// Interval returns the delay before the next scheduled check
func (m *Monitor) Interval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status.Healthy {
		return m.config.HealthyInterval
	}
	return m.config.UnhealthyInterval
}

// Check performs one health request and applies the result
func (m *Monitor) Check(ctx context.Context) bool {
	err := m.probe(ctx)
	if ctx.Err() != nil {
		return m.Status().Healthy
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	m.metrics.HealthChecksTotal.WithLabelValues(result).Inc()

	m.mu.Lock()
	prev := m.status
	m.status.LastChecked = m.now()
	if err == nil {
		m.status.Healthy = true
		m.status.Dismissed = false
		m.status.ConsecutiveFailures = 0
		m.status.LastError = ""
	} else {
		if prev.Healthy {
			m.status.Dismissed = false
		}
		m.status.Healthy = false
		m.status.ConsecutiveFailures++
		m.status.LastError = err.Error()
	}
	m.status.OfflineVisible = !m.status.Healthy && !m.status.Dismissed
	current := m.status
	m.mu.Unlock()

	if prev.Healthy != current.Healthy {
		if current.Healthy {
			m.logger.Info().Msg("Server is back online")
			m.metrics.ServerHealthy.Set(1)
		} else {
			m.logger.Warn().Err(err).Msg("Server is offline")
			m.metrics.ServerHealthy.Set(0)
		}
	}
	if prev.OfflineVisible != current.OfflineVisible || prev.Healthy != current.Healthy {
		m.notify(current)
	}
	return current.Healthy
}

// Dismiss hides the offline indicator until the next outage
func (m *Monitor) Dismiss() {
	m.mu.Lock()
	if m.status.Healthy || m.status.Dismissed {
		m.mu.Unlock()
		return
	}
	m.status.Dismissed = true
	m.status.OfflineVisible = false
	current := m.status
	m.mu.Unlock()

	m.notify(current)
}

// Status returns the current snapshot
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// OnChange registers fn to be called when health or indicator visibility changes
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) notify(status Status) {
	m.mu.RLock()
	listeners := make([]func(Status), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(status)
	}
}

func (m *Monitor) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.config.URL, nil)
	if err != nil {
		return err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
