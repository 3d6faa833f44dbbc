package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CLUBPULSE_"

// Config represents the complete application configuration
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	API       APIConfig       `yaml:"api"`
	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Store     StoreConfig     `yaml:"store"`
	Stream    StreamConfig    `yaml:"stream"`
	Health    HealthConfig    `yaml:"health"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// BrokerConfig contains STOMP broker connection settings
type BrokerConfig struct {
	// http(s):// selects the SockJS handshake, ws(s):// a plain WebSocket
	URL                 string `yaml:"url"`
	Host                string `yaml:"host"`
	HeartbeatOutgoingMs int    `yaml:"heartbeat_outgoing_ms"`
	HeartbeatIncomingMs int    `yaml:"heartbeat_incoming_ms"`
	ReconnectDelayMs    int    `yaml:"reconnect_delay_ms"`
	MaxRetries          int    `yaml:"max_retries"`
	ConnectTimeoutMs    int    `yaml:"connect_timeout_ms"`
}

// APIConfig contains backend REST settings
type APIConfig struct {
	BaseURL           string  `yaml:"base_url"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// AuthConfig contains session settings
type AuthConfig struct {
	// Token stored at startup, replacing the persisted one
	Token string `yaml:"token"`
}

// StorageConfig contains local storage settings
type StorageConfig struct {
	DataDir           string `yaml:"data_dir"`
	InMemory          bool   `yaml:"in_memory"`
	GCIntervalMinutes int    `yaml:"gc_interval_minutes"`
}

// StoreConfig contains notification store settings
type StoreConfig struct {
	PageSize            int `yaml:"page_size"`
	TombstoneSize       int `yaml:"tombstone_size"`
	TombstoneTTLSeconds int `yaml:"tombstone_ttl_seconds"`
	BulkConcurrency     int `yaml:"bulk_concurrency"`
	ToastLimit          int `yaml:"toast_limit"`
}

// StreamConfig contains change stream settings
type StreamConfig struct {
	FlushIntervalMs  int `yaml:"flush_interval_ms"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// HealthConfig contains server health polling settings
type HealthConfig struct {
	URL                      string `yaml:"url"`
	HealthyIntervalSeconds   int    `yaml:"healthy_interval_seconds"`
	UnhealthyIntervalSeconds int    `yaml:"unhealthy_interval_seconds"`
	TimeoutSeconds           int    `yaml:"timeout_seconds"`
}

// ServerConfig contains local HTTP server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	ReadTimeout    int      `yaml:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level"`
	Format        string            `yaml:"format"`
	IncludeCaller bool              `yaml:"include_caller"`
	GlobalFields  map[string]string `yaml:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled"`
	ServiceName   string            `yaml:"service_name"`
	Endpoint      string            `yaml:"endpoint"`
	Insecure      bool              `yaml:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:                 "http://localhost:8080/ws",
			HeartbeatOutgoingMs: 4000,
			HeartbeatIncomingMs: 4000,
			ReconnectDelayMs:    5000,
			MaxRetries:          10,
			ConnectTimeoutMs:    10000,
		},
		API: APIConfig{
			BaseURL:           "http://localhost:8080/api",
			TimeoutSeconds:    10,
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Storage: StorageConfig{
			DataDir:           "./data",
			GCIntervalMinutes: 10,
		},
		Store: StoreConfig{
			PageSize:            20,
			TombstoneSize:       512,
			TombstoneTTLSeconds: 300,
			BulkConcurrency:     8,
			ToastLimit:          20,
		},
		Stream: StreamConfig{
			FlushIntervalMs:  50,
			HeartbeatSeconds: 15,
			SubscriberBuffer: 8,
		},
		Health: HealthConfig{
			URL:                      "http://localhost:8080/actuator/health",
			HealthyIntervalSeconds:   30,
			UnhealthyIntervalSeconds: 5,
			TimeoutSeconds:           5,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:8090",
			ReadTimeout:    5,
			WriteTimeout:   30,
			IdleTimeout:    120,
			AllowedOrigins: []string{"http://localhost:*"},
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "json",
			GlobalFields: map[string]string{"service": "clubpulse"},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "clubpulse",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file on top of the defaults
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration from file, then .env and the environment,
// then command line flags. Later sources win.
func LoadConfig(configFile string, dataDir string, serverAddr string, logLevel string) (*Config, error) {
	config := DefaultConfig()
	if configFile != "" {
		var err error
		if config, err = LoadConfigFromFile(configFile); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	if err := applyEnvOverrides(config); err != nil {
		return nil, err
	}

	if dataDir != "" {
		absDataDir, err := filepath.Abs(dataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if serverAddr != "" {
		config.Server.Addr = serverAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	return config, config.Validate()
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return errors.New("broker.url is required")
	}
	if c.API.BaseURL == "" {
		return errors.New("api.base_url is required")
	}
	if c.Broker.MaxRetries < 0 {
		return errors.New("broker.max_retries must not be negative")
	}
	if c.Broker.ReconnectDelayMs <= 0 {
		return errors.New("broker.reconnect_delay_ms must be positive")
	}
	if c.Store.PageSize <= 0 {
		return errors.New("store.page_size must be positive")
	}
	return nil
}

// applyEnvOverrides applies CLUBPULSE_* environment variables
func applyEnvOverrides(config *Config) error {
	envString(&config.Broker.URL, "BROKER_URL")
	envString(&config.Broker.Host, "BROKER_HOST")
	envString(&config.API.BaseURL, "API_BASE_URL")
	envString(&config.Auth.Token, "AUTH_TOKEN")
	envString(&config.Storage.DataDir, "STORAGE_DATA_DIR")
	envString(&config.Health.URL, "HEALTH_URL")
	envString(&config.Server.Addr, "SERVER_ADDR")
	envString(&config.Logging.Level, "LOG_LEVEL")
	envString(&config.Logging.Format, "LOG_FORMAT")
	envString(&config.Telemetry.Endpoint, "TELEMETRY_ENDPOINT")

	for _, apply := range []func() error{
		func() error { return envInt(&config.Broker.HeartbeatOutgoingMs, "BROKER_HEARTBEAT_OUTGOING_MS") },
		func() error { return envInt(&config.Broker.HeartbeatIncomingMs, "BROKER_HEARTBEAT_INCOMING_MS") },
		func() error { return envInt(&config.Broker.ReconnectDelayMs, "BROKER_RECONNECT_DELAY_MS") },
		func() error { return envInt(&config.Broker.MaxRetries, "BROKER_MAX_RETRIES") },
		func() error { return envInt(&config.Store.PageSize, "STORE_PAGE_SIZE") },
		func() error { return envBool(&config.Storage.InMemory, "STORAGE_IN_MEMORY") },
		func() error { return envBool(&config.Telemetry.Enabled, "TELEMETRY_ENABLED") },
		func() error { return envBool(&config.Metrics.Enabled, "METRICS_ENABLED") },
	} {
		if err := apply(); err != nil {
			return err
		}
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = n
	return nil
}

func envBool(dst *bool, key string) error {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
	}
	*dst = b
	return nil
}
