package storage

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ExpiringSet is a bounded set whose members expire after a fixed time. It is
// backed by a 2Q cache so frequently checked keys survive bursts of inserts.
type ExpiringSet struct {
	entries    *lru.TwoQueueCache
	mutex      sync.Mutex
	expiration time.Duration
	now        func() time.Time
}

// NewExpiringSet creates a set holding at most capacity keys. A zero
// expiration keeps keys until they are evicted.
func NewExpiringSet(capacity int, expiration time.Duration) (*ExpiringSet, error) {
	entries, err := lru.New2Q(capacity)
	if err != nil {
		return nil, err
	}
	return &ExpiringSet{
		entries:    entries,
		expiration: expiration,
		now:        time.Now,
	}, nil
}

// Add inserts key, refreshing its expiration if already present
func (s *ExpiringSet) Add(key interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var expires time.Time
	if s.expiration > 0 {
		expires = s.now().Add(s.expiration)
	}
	s.entries.Add(key, expires)
}

// Contains reports whether key is present and not expired
func (s *ExpiringSet) Contains(key interface{}) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	value, found := s.entries.Peek(key)
	if !found {
		return false
	}
	expires := value.(time.Time)
	if !expires.IsZero() && s.now().After(expires) {
		s.entries.Remove(key)
		return false
	}
	return true
}

// Remove deletes key
func (s *ExpiringSet) Remove(key interface{}) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries.Remove(key)
}

// Len returns the number of keys, including expired ones not yet evicted
func (s *ExpiringSet) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.entries.Len()
}

// Clear empties the set
func (s *ExpiringSet) Clear() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.entries.Purge()
}
