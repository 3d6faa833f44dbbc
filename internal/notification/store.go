package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nkkko/clubpulse/internal/metrics"
	"github.com/nkkko/clubpulse/internal/storage"
	"github.com/nkkko/clubpulse/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoUser is returned by Refresh when nobody is signed in
var ErrNoUser = errors.New("notification: no authenticated user")

// Gateway is the REST boundary for notifications
type Gateway interface {
	FetchPage(ctx context.Context, userID int64, page, size int) (*Page, error)
	MarkAsRead(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// Subscriber attaches handlers to broker topics
type Subscriber interface {
	Subscribe(topic string, handler transport.Handler) func()
}

// TopicForUser returns the per-user push destination
func TopicForUser(userID int64) string {
	return "/topic/notification/user/" + strconv.FormatInt(userID, 10)
}

// Options tunes a Store
type Options struct {
	// Page size used by SetUser's initial refresh and by Refresh(ctx, 0, 0)
	PageSize int

	// Deleted ids remembered so an in-flight page fetch cannot bring them back
	TombstoneSize int
	TombstoneTTL  time.Duration

	// Upper bound on concurrent REST calls made by bulk operations
	BulkConcurrency int

	// Clock, replaceable in tests
	Now func() time.Time
}

// DefaultOptions returns default store options
func DefaultOptions() Options {
	return Options{
		PageSize:        20,
		TombstoneSize:   512,
		TombstoneTTL:    5 * time.Minute,
		BulkConcurrency: 8,
		Now:             time.Now,
	}
}

// Store is the in-memory notification set of the current user. It merges
// REST pages with live pushes, keeps records ordered newest first, and
// applies mark-read and delete only after the server confirmed them.
type Store struct {
	gateway    Gateway
	subscriber Subscriber
	reporter   Reporter
	options    Options
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	tombstones *storage.ExpiringSet

	// bindMu serializes identity changes
	bindMu sync.Mutex

	mu          sync.RWMutex
	records     []Record
	userID      *int64
	generation  uint64
	topic       string
	unsubscribe func()
	listeners   []func()
}

// NewStore creates an empty store. reporter may be nil.
func NewStore(gateway Gateway, subscriber Subscriber, reporter Reporter, options Options) (*Store, error) {
	defaults := DefaultOptions()
	if options.PageSize <= 0 {
		options.PageSize = defaults.PageSize
	}
	if options.TombstoneSize <= 0 {
		options.TombstoneSize = defaults.TombstoneSize
	}
	if options.TombstoneTTL <= 0 {
		options.TombstoneTTL = defaults.TombstoneTTL
	}
	if options.BulkConcurrency <= 0 {
		options.BulkConcurrency = defaults.BulkConcurrency
	}
	if options.Now == nil {
		options.Now = defaults.Now
	}

	tombstones, err := storage.NewExpiringSet(options.TombstoneSize, options.TombstoneTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create tombstone set: %w", err)
	}

	return &Store{
		gateway:    gateway,
		subscriber: subscriber,
		reporter:   reporter,
		options:    options,
		logger:     log.With().Str("component", "notification").Logger(),
		metrics:    metrics.GetMetrics(),
		tombstones: tombstones,
	}, nil
}

// OnChange registers a listener called after every change to the records
func (s *Store) OnChange(fn func()) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SetUser binds the store to userID. The previous topic is unsubscribed and
// the records cleared before the new user's topic is subscribed and its
// first page fetched. A nil userID leaves the store empty and unsubscribed.
// Setting the current user again does nothing.
func (s *Store) SetUser(ctx context.Context, userID *int64) error {
	changed := s.bind(userID)
	if !changed || userID == nil {
		return nil
	}
	err := s.Refresh(ctx, 0, s.options.PageSize)
	if errors.Is(err, ErrNoUser) {
		// Signed out again while the refresh was starting
		return nil
	}
	return err
}

func (s *Store) bind(userID *int64) bool {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	s.mu.Lock()
	if sameUser(s.userID, userID) {
		s.mu.Unlock()
		return false
	}
	previous := s.unsubscribe
	previousTopic := s.topic
	s.unsubscribe = nil
	s.topic = ""
	s.generation++
	gen := s.generation
	s.userID = nil
	if userID != nil {
		id := *userID
		s.userID = &id
	}
	s.records = nil
	s.tombstones.Clear()
	s.mu.Unlock()

	if previous != nil {
		previous()
		s.logger.Debug().Str("topic", previousTopic).Msg("Unsubscribed previous user topic")
	}
	s.changed()

	if userID == nil {
		s.logger.Info().Msg("Notification store cleared, no user")
		return true
	}

	topic := TopicForUser(*userID)
	unsubscribe := s.subscriber.Subscribe(topic, func(msg *transport.Message) {
		s.handleMessage(gen, msg)
	})

	s.mu.Lock()
	s.unsubscribe = unsubscribe
	s.topic = topic
	s.mu.Unlock()

	s.logger.Info().Int64("user_id", *userID).Str("topic", topic).Msg("Notification store bound to user")
	return true
}

// Close unsubscribes and forgets the current user
func (s *Store) Close() {
	s.bind(nil)
}

// UserID returns the bound user, if any
func (s *Store) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.userID == nil {
		return 0, false
	}
	return *s.userID, true
}

// Topic returns the subscribed push topic, empty when unbound
func (s *Store) Topic() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topic
}

// Refresh fetches one page for the current user and merges it by id, the
// fetched records replacing local ones. A page < 0 is treated as 0 and a
// size <= 0 as the configured page size. Without a user the collection is
// cleared and ErrNoUser returned. A page that arrives after the user changed
// is discarded.
func (s *Store) Refresh(ctx context.Context, page, size int) error {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = s.options.PageSize
	}

	s.mu.Lock()
	if s.userID == nil {
		cleared := len(s.records) > 0
		s.records = nil
		s.mu.Unlock()
		if cleared {
			s.changed()
		}
		return ErrNoUser
	}
	userID := *s.userID
	gen := s.generation
	s.mu.Unlock()

	result, err := s.gateway.FetchPage(ctx, userID, page, size)
	if err != nil {
		s.recordMutation("refresh", false)
		s.report("refresh", err)
		return fmt.Errorf("refresh notifications: %w", err)
	}

	fetched := make([]Record, 0, len(result.Content))
	for _, dto := range result.Content {
		rec, err := dto.Record()
		if err != nil {
			s.logger.Warn().Err(err).Int64("id", dto.ID).Msg("Skipping malformed notification in page")
			continue
		}
		fetched = append(fetched, rec)
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug().Int64("user_id", userID).Msg("Discarding page fetched for a previous user")
		return nil
	}
	for _, rec := range fetched {
		if s.tombstones.Contains(rec.ID) {
			continue
		}
		s.normalize(&rec)
		if i := s.indexLocked(rec.ID); i >= 0 {
			s.records[i] = rec
		} else {
			s.records = append(s.records, rec)
		}
	}
	sortRecords(s.records)
	s.mu.Unlock()

	s.recordMutation("refresh", true)
	s.logger.Debug().
		Int64("user_id", userID).
		Int("page", page).
		Int("fetched", len(fetched)).
		Int64("total", result.TotalElements).
		Msg("Notifications refreshed")
	s.changed()
	return nil
}

func (s *Store) handleMessage(gen uint64, msg *transport.Message) {
	s.mu.RLock()
	current := s.generation == gen
	s.mu.RUnlock()
	if !current {
		return
	}
	s.HandlePush(msg.Body)
}

// HandlePush merges one live push. A known id is shallow-merged with the
// fields present in the payload; an unknown id is inserted. Malformed
// payloads are logged and discarded.
func (s *Store) HandlePush(body []byte) {
	patch, err := ParsePatch(body)
	if err != nil {
		s.metrics.PushParseErrorsTotal.Inc()
		s.logger.Warn().Err(err).Int("bytes", len(body)).Msg("Discarding unparseable notification push")
		return
	}

	s.mu.Lock()
	result := "merged"
	if i := s.indexLocked(patch.ID); i >= 0 {
		rec := s.records[i]
		if err := patch.Apply(&rec); err != nil {
			s.mu.Unlock()
			s.metrics.PushParseErrorsTotal.Inc()
			s.logger.Warn().Err(err).Msg("Discarding notification push")
			return
		}
		s.normalize(&rec)
		s.records[i] = rec
	} else {
		rec, err := patch.Record()
		if err != nil {
			s.mu.Unlock()
			s.metrics.PushParseErrorsTotal.Inc()
			s.logger.Warn().Err(err).Msg("Discarding notification push")
			return
		}
		s.normalize(&rec)
		s.records = append(s.records, rec)
		// The server announced it again, so it is no longer deleted
		s.tombstones.Remove(rec.ID)
		result = "inserted"
	}
	sortRecords(s.records)
	s.mu.Unlock()

	s.metrics.PushesMergedTotal.WithLabelValues(result).Inc()
	s.logger.Debug().Int64("id", patch.ID).Str("result", result).Msg("Notification push merged")
	s.changed()
}

// MarkAsRead marks id as read on the server and, once confirmed, locally.
// A record that is already read keeps its original seen time.
func (s *Store) MarkAsRead(ctx context.Context, id int64) error {
	gen := s.currentGeneration()
	if err := s.gateway.MarkAsRead(ctx, id); err != nil {
		s.recordMutation("mark_as_read", false)
		s.report("mark_as_read", err)
		return fmt.Errorf("mark notification %d as read: %w", id, err)
	}
	s.recordMutation("mark_as_read", true)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug().Int64("id", id).Msg("User changed during mark as read, not applying locally")
		return nil
	}
	if i := s.indexLocked(id); i >= 0 {
		rec := &s.records[i]
		if !rec.Seen || rec.SeenAt == nil {
			now := s.options.Now()
			rec.Seen = true
			rec.SeenAt = &now
		}
	}
	s.mu.Unlock()

	s.changed()
	return nil
}

// MarkManyAsRead marks every distinct id concurrently. Failures are reported
// but do not abort the batch; the number of confirmed ids is returned.
func (s *Store) MarkManyAsRead(ctx context.Context, ids []int64) int {
	return s.bulk(ctx, ids, s.MarkAsRead)
}

// MarkAllAsRead marks every unread record as read
func (s *Store) MarkAllAsRead(ctx context.Context) int {
	s.mu.RLock()
	var ids []int64
	for _, rec := range s.records {
		if !rec.Seen {
			ids = append(ids, rec.ID)
		}
	}
	s.mu.RUnlock()
	return s.MarkManyAsRead(ctx, ids)
}

// Delete deletes id on the server and, once confirmed, removes it locally
func (s *Store) Delete(ctx context.Context, id int64) error {
	gen := s.currentGeneration()
	if err := s.gateway.Delete(ctx, id); err != nil {
		s.recordMutation("delete", false)
		s.report("delete", err)
		return fmt.Errorf("delete notification %d: %w", id, err)
	}
	s.recordMutation("delete", true)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		s.logger.Debug().Int64("id", id).Msg("User changed during delete, not applying locally")
		return nil
	}
	if i := s.indexLocked(id); i >= 0 {
		s.records = append(s.records[:i], s.records[i+1:]...)
	}
	s.tombstones.Add(id)
	s.mu.Unlock()

	s.changed()
	return nil
}

// currentGeneration identifies the bound user; it changes on every SetUser
// that switches users
func (s *Store) currentGeneration() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// DeleteMany deletes every distinct id concurrently with the same best-effort
// semantics as MarkManyAsRead
func (s *Store) DeleteMany(ctx context.Context, ids []int64) int {
	return s.bulk(ctx, ids, s.Delete)
}

func (s *Store) bulk(ctx context.Context, ids []int64, op func(context.Context, int64) error) int {
	var succeeded atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.options.BulkConcurrency)

	for _, id := range dedupe(ids) {
		g.Go(func() error {
			if err := op(ctx, id); err != nil {
				// Already reported; one bad id must not stop the rest
				return nil
			}
			succeeded.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(succeeded.Load())
}

// Records returns a copy of the records, newest first
func (s *Store) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Get returns the record with id
func (s *Store) Get(id int64) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.records[i], true
	}
	return Record{}, false
}

// UnreadCount counts unread records on every call
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countUnread(s.records)
}

// Len returns the number of records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) indexLocked(id int64) int {
	for i := range s.records {
		if s.records[i].ID == id {
			return i
		}
	}
	return -1
}

// normalize keeps seen records stamped with a seen time
func (s *Store) normalize(rec *Record) {
	if rec.Seen && rec.SeenAt == nil {
		now := s.options.Now()
		rec.SeenAt = &now
	}
}

func (s *Store) changed() {
	s.mu.RLock()
	total := len(s.records)
	unread := countUnread(s.records)
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	s.metrics.StoreRecords.Set(float64(total))
	s.metrics.StoreUnread.Set(float64(unread))
	for _, fn := range listeners {
		fn()
	}
}

func (s *Store) report(operation string, err error) {
	if s.reporter != nil {
		s.reporter.Report(operation, err)
	}
}

func (s *Store) recordMutation(operation string, success bool) {
	s.metrics.StoreMutationsTotal.WithLabelValues(operation, strconv.FormatBool(success)).Inc()
}

// sortRecords orders newest first, ties by id descending
func sortRecords(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func countUnread(records []Record) int {
	n := 0
	for _, rec := range records {
		if !rec.Seen {
			n++
		}
	}
	return n
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sameUser(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
