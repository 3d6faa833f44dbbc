package config

import (
	"time"

	"github.com/nkkko/clubpulse/internal/api"
	"github.com/nkkko/clubpulse/internal/gateway"
	"github.com/nkkko/clubpulse/internal/health"
	"github.com/nkkko/clubpulse/internal/logging"
	"github.com/nkkko/clubpulse/internal/notification"
	"github.com/nkkko/clubpulse/internal/notifier"
	"github.com/nkkko/clubpulse/internal/storage"
	"github.com/nkkko/clubpulse/internal/telemetry"
	"github.com/nkkko/clubpulse/internal/transport"
)

func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ToTransportConfig converts to transport client config
func (c *Config) ToTransportConfig() transport.Config {
	return transport.Config{
		URL:               c.Broker.URL,
		Host:              c.Broker.Host,
		HeartbeatOutgoing: millis(c.Broker.HeartbeatOutgoingMs),
		HeartbeatIncoming: millis(c.Broker.HeartbeatIncomingMs),
		ReconnectDelay:    millis(c.Broker.ReconnectDelayMs),
		MaxRetries:        c.Broker.MaxRetries,
		ConnectTimeout:    millis(c.Broker.ConnectTimeoutMs),
	}
}

// ToGatewayConfig converts to REST gateway config
func (c *Config) ToGatewayConfig() gateway.Config {
	return gateway.Config{
		BaseURL:           c.API.BaseURL,
		Timeout:           seconds(c.API.TimeoutSeconds),
		RequestsPerSecond: c.API.RequestsPerSecond,
		Burst:             c.API.Burst,
	}
}

// ToStorageConfig converts to storage config
func (c *Config) ToStorageConfig() storage.Config {
	return storage.Config{
		DataDir:    c.Storage.DataDir,
		InMemory:   c.Storage.InMemory,
		GCInterval: time.Duration(c.Storage.GCIntervalMinutes) * time.Minute,
	}
}

// ToStoreOptions converts to notification store options
func (c *Config) ToStoreOptions() notification.Options {
	opts := notification.DefaultOptions()
	opts.PageSize = c.Store.PageSize
	opts.TombstoneSize = c.Store.TombstoneSize
	opts.TombstoneTTL = seconds(c.Store.TombstoneTTLSeconds)
	opts.BulkConcurrency = c.Store.BulkConcurrency
	return opts
}

// ToHealthConfig converts to health monitor config
func (c *Config) ToHealthConfig() health.Config {
	return health.Config{
		URL:               c.Health.URL,
		HealthyInterval:   seconds(c.Health.HealthyIntervalSeconds),
		UnhealthyInterval: seconds(c.Health.UnhealthyIntervalSeconds),
		Timeout:           seconds(c.Health.TimeoutSeconds),
	}
}

// ToAPIConfig converts to local HTTP surface config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		AllowedOrigins: c.Server.AllowedOrigins,
		MetricsPath:    c.Metrics.Endpoint,
		DisableMetrics: !c.Metrics.Enabled,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	format := logging.FormatJSON
	if c.Logging.Format == "console" {
		format = logging.FormatConsole
	}

	return logging.Config{
		Level:             c.Logging.Level,
		Format:            format,
		IncludeCaller:     c.Logging.IncludeCaller,
		IncludeStacktrace: true,
		GlobalFields:      c.Logging.GlobalFields,
	}
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig() telemetry.Config {
	return telemetry.Config{
		Enabled:       c.Telemetry.Enabled,
		ServiceName:   c.Telemetry.ServiceName,
		Endpoint:      c.Telemetry.Endpoint,
		Insecure:      c.Telemetry.Insecure,
		SamplingRatio: c.Telemetry.SamplingRatio,
		Timeout:       5 * time.Second,
		Attributes:    c.Telemetry.Attributes,
	}
}

// ToNotifierConfig converts to change stream config
func (c *Config) ToNotifierConfig() notifier.Config {
	return notifier.Config{
		FlushInterval:     millis(c.Stream.FlushIntervalMs),
		HeartbeatInterval: seconds(c.Stream.HeartbeatSeconds),
		SubscriberBuffer:  c.Stream.SubscriberBuffer,
	}
}
