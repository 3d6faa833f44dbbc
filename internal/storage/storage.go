package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Get for keys that were never set or were deleted
var ErrNotFound = errors.New("storage: key not found")

// KV is a small persistent key/value store for client-side state such as the
// bearer token
type KV interface {
	// Get returns the value stored under key or ErrNotFound
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value
	Set(key string, value []byte) error

	// Delete removes key; deleting a missing key is not an error
	Delete(key string) error

	// Close releases the underlying resources
	Close() error
}

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep everything in memory, nothing is written to DataDir
	InMemory bool

	// Interval between value log garbage collection runs, 0 disables it
	GCInterval time.Duration
}

// DefaultConfig returns a default storage configuration
func DefaultConfig() Config {
	return Config{
		DataDir:    "./data",
		InMemory:   false,
		GCInterval: 10 * time.Minute,
	}
}

// NewKV opens the key/value store described by config
func NewKV(config Config) (KV, error) {
	return NewBadgerKV(config)
}
