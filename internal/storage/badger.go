package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ensure BadgerKV implements KV
var _ KV = (*BadgerKV)(nil)

// BadgerKV implements KV on top of BadgerDB
type BadgerKV struct {
	db     *badger.DB
	logger zerolog.Logger

	stopGC    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewBadgerKV opens a Badger database under config.DataDir, or an in-memory
// one when config.InMemory is set
func NewBadgerKV(config Config) (*BadgerKV, error) {
	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger data directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	kv := &BadgerKV{
		db:     db,
		logger: log.With().Str("component", "storage").Logger(),
		stopGC: make(chan struct{}),
	}

	if config.GCInterval > 0 && !config.InMemory {
		kv.wg.Add(1)
		go kv.runGC(config.GCInterval)
	}

	kv.logger.Debug().Bool("in_memory", config.InMemory).Str("data_dir", config.DataDir).Msg("Key/value store opened")
	return kv, nil
}

// Get implements KV
func (s *BadgerKV) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to retrieve %s: %w", key, err)
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set implements KV
func (s *BadgerKV) Set(key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Delete implements KV
func (s *BadgerKV) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// Close implements KV
func (s *BadgerKV) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopGC)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// runGC periodically reclaims value log space
func (s *BadgerKV) runGC(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Debug().Err(err).Msg("Value log GC skipped")
					}
					break
				}
			}
		case <-s.stopGC:
			return
		}
	}
}
