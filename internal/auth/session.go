package auth

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nkkko/clubpulse/internal/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TokenKey is the storage key of the persisted bearer token
const TokenKey = "auth.token"

var (
	// ErrInvalidToken is returned when a token carries no usable user id
	ErrInvalidToken = errors.New("auth: token does not identify a user")
)

// userIDClaims are checked in order before falling back to "sub"
var userIDClaims = []string{"userId", "user_id", "id", "uid"}

// Identity is the authenticated user, or nobody when UserID is nil
type Identity struct {
	UserID *int64
}

// Authenticated reports whether the identity names a user
func (i Identity) Authenticated() bool {
	return i.UserID != nil
}

func (i Identity) same(o Identity) bool {
	if i.UserID == nil || o.UserID == nil {
		return i.UserID == nil && o.UserID == nil
	}
	return *i.UserID == *o.UserID
}

// Session holds the bearer token and the identity derived from it. Identity
// changes are broadcast to subscribers; token rotation for the same user is not.
type Session struct {
	kv     storage.KV
	logger zerolog.Logger

	mu       sync.RWMutex
	token    string
	identity Identity
	subs     map[uint64]chan Identity
	nextID   uint64
}

// NewSession loads the persisted token from kv, if any
func NewSession(kv storage.KV) (*Session, error) {
	s := &Session{
		kv:     kv,
		logger: log.With().Str("component", "auth").Logger(),
		subs:   make(map[uint64]chan Identity),
	}

	raw, err := kv.Get(TokenKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to load token: %w", err)
	}

	token := string(raw)
	id, err := UserIDFromToken(token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Discarding persisted token")
		if err := kv.Delete(TokenKey); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to delete persisted token")
		}
		return s, nil
	}
	s.token = token
	s.identity = Identity{UserID: &id}
	s.logger.Info().Int64("user_id", id).Msg("Restored session")
	return s, nil
}

// Token returns the current bearer token, empty when signed out
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Identity returns the current identity
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// SetToken stores a new bearer token and derives the identity from it
func (s *Session) SetToken(token string) error {
	id, err := UserIDFromToken(token)
	if err != nil {
		return err
	}
	if err := s.kv.Set(TokenKey, []byte(token)); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.setIdentityLocked(Identity{UserID: &id})
	return nil
}

// Invalidate forgets the token, both in memory and in storage
func (s *Session) Invalidate() {
	if err := s.kv.Delete(TokenKey); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete persisted token")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.setIdentityLocked(Identity{})
}

// Subscribe returns a channel that receives the current identity immediately
// and every later change. Only the latest undelivered identity is kept.
func (s *Session) Subscribe() (<-chan Identity, func()) {
	ch := make(chan Identity, 1)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.identity
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *Session) setIdentityLocked(next Identity) {
	if s.identity.same(next) {
		return
	}
	s.identity = next

	if next.UserID != nil {
		s.logger.Info().Int64("user_id", *next.UserID).Msg("Identity changed")
	} else {
		s.logger.Info().Msg("Signed out")
	}

	for _, ch := range s.subs {
		// Replace a pending identity nobody has read yet
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

// UserIDFromToken extracts the numeric user id from a JWT without verifying
// its signature; the backend verifies every request.
func UserIDFromToken(token string) (int64, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	for _, name := range userIDClaims {
		if id, ok := numericClaim(claims[name]); ok {
			return id, nil
		}
	}
	if sub, err := claims.GetSubject(); err == nil {
		if id, ok := numericClaim(sub); ok {
			return id, nil
		}
	}
	return 0, ErrInvalidToken
}

func numericClaim(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case string:
		id, err := strconv.ParseInt(n, 10, 64)
		return id, err == nil
	default:
		return 0, false
	}
}
