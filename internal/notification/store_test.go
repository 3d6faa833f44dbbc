package notification

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/nkkko/clubpulse/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockGateway mocks the Gateway interface
type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) FetchPage(ctx context.Context, userID int64, page, size int) (*Page, error) {
	args := m.Called(ctx, userID, page, size)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Page), args.Error(1)
}

func (m *MockGateway) MarkAsRead(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockGateway) Delete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// fakeSubscriber records handlers per topic like the transport registry does
type fakeSubscriber struct {
	mu           sync.Mutex
	handlers     map[string]transport.Handler
	subscribed   []string
	unsubscribed []string
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{handlers: make(map[string]transport.Handler)}
}

func (f *fakeSubscriber) Subscribe(topic string, handler transport.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	f.subscribed = append(f.subscribed, topic)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, topic)
		f.unsubscribed = append(f.unsubscribed, topic)
	}
}

func (f *fakeSubscriber) handler(topic string) transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[topic]
}

func (f *fakeSubscriber) deliver(t *testing.T, topic, body string) {
	t.Helper()
	h := f.handler(topic)
	require.NotNil(t, h, "no handler for %s", topic)
	h(&transport.Message{Topic: topic, Body: []byte(body)})
}

type recordingReporter struct {
	mu         sync.Mutex
	operations []string
}

func (r *recordingReporter) Report(operation string, err error) {
	r.mu.Lock()
	r.operations = append(r.operations, operation)
	r.mu.Unlock()
}

func (r *recordingReporter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.operations)
}

func userPtr(id int64) *int64 { return &id }

func dto(id int64, createdAt string, seen bool) DTO {
	return DTO{ID: id, Title: fmt.Sprintf("n%d", id), Type: "INFO", Seen: seen, CreatedAt: createdAt}
}

func page(dtos ...DTO) *Page {
	return &Page{Content: dtos, TotalElements: int64(len(dtos)), TotalPages: 1, First: true, Last: true, Empty: len(dtos) == 0}
}

type fixture struct {
	store    *Store
	gateway  *MockGateway
	sub      *fakeSubscriber
	reporter *recordingReporter
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gateway:  new(MockGateway),
		sub:      newFakeSubscriber(),
		reporter: &recordingReporter{},
		now:      time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC),
	}
	store, err := NewStore(f.gateway, f.sub, f.reporter, Options{
		Now: func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.store = store
	return f
}

// bind signs in user 5 with the given first page
func (f *fixture) bind(t *testing.T, first *Page) {
	t.Helper()
	f.gateway.On("FetchPage", mock.Anything, int64(5), 0, 20).Return(first, nil).Once()
	require.NoError(t, f.store.SetUser(context.Background(), userPtr(5)))
}

func ids(records []Record) []int64 {
	out := make([]int64, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}

func assertInvariants(t *testing.T, s *Store) {
	t.Helper()
	records := s.Records()

	seen := make(map[int64]bool)
	unread := 0
	for i, rec := range records {
		assert.False(t, seen[rec.ID], "duplicate id %d", rec.ID)
		seen[rec.ID] = true
		if !rec.Seen {
			unread++
		} else {
			assert.NotNil(t, rec.SeenAt, "seen record %d without seenAt", rec.ID)
		}
		if i > 0 {
			prev := records[i-1]
			assert.False(t, rec.CreatedAt.After(prev.CreatedAt), "records %d and %d out of order", prev.ID, rec.ID)
		}
	}
	assert.Equal(t, unread, s.UnreadCount())
}

func TestTopicForUser(t *testing.T) {
	assert.Equal(t, "/topic/notification/user/5", TopicForUser(5))
}

func TestRefreshIntoEmptyStore(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(DTO{ID: 1, Title: "Welcome", Seen: false, CreatedAt: "2024-01-01T00:00:00Z"}))

	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1, f.store.UnreadCount())
	rec, ok := f.store.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Welcome", rec.Title)
	f.gateway.AssertExpectations(t)
}

func TestPushMarksExistingRecordSeen(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))

	f.sub.deliver(t, TopicForUser(5), `{"id":1,"seen":true,"seenAt":"2024-01-02T00:00:00Z"}`)

	rec, ok := f.store.Get(1)
	require.True(t, ok)
	assert.True(t, rec.Seen)
	require.NotNil(t, rec.SeenAt)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *rec.SeenAt)
	assert.Equal(t, "n1", rec.Title)
	assert.Equal(t, 0, f.store.UnreadCount())
}

func TestPushInsertsInCreatedAtOrder(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(2, "2024-01-03", false), dto(1, "2024-01-01", false)))

	f.sub.deliver(t, TopicForUser(5), `{"id":3,"title":"New","type":"INFO","seen":false,"createdAt":"2024-01-02"}`)

	assert.Equal(t, []int64{2, 3, 1}, ids(f.store.Records()))
	assert.Equal(t, 3, f.store.UnreadCount())
}

func TestRefreshSortsPage(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(
		dto(1, "2024-01-01T00:00:00Z", false),
		dto(3, "2024-01-03T00:00:00Z", true),
		dto(2, "2024-01-02T00:00:00Z", false),
		dto(4, "2024-01-02T00:00:00Z", false),
	))

	assert.Equal(t, []int64{3, 4, 2, 1}, ids(f.store.Records()))
	assertInvariants(t, f.store)
}

func TestRefreshOverwritesExistingRecords(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))

	updated := dto(1, "2024-01-01T00:00:00Z", true)
	updated.Title = "Updated"
	f.gateway.On("FetchPage", mock.Anything, int64(5), 1, 10).Return(page(updated, dto(2, "2024-01-02T00:00:00Z", false)), nil).Once()

	require.NoError(t, f.store.Refresh(context.Background(), 1, 10))

	assert.Equal(t, []int64{2, 1}, ids(f.store.Records()))
	rec, _ := f.store.Get(1)
	assert.Equal(t, "Updated", rec.Title)
	assert.True(t, rec.Seen)
	assert.Equal(t, f.now, *rec.SeenAt)
	assertInvariants(t, f.store)
}

func TestRefreshDefaultsPageAndSize(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page())

	f.gateway.On("FetchPage", mock.Anything, int64(5), 0, 20).Return(page(), nil).Once()
	require.NoError(t, f.store.Refresh(context.Background(), -3, 0))
	f.gateway.AssertExpectations(t)
}

func TestRefreshWithoutUser(t *testing.T) {
	f := newFixture(t)

	err := f.store.Refresh(context.Background(), 0, 20)
	assert.ErrorIs(t, err, ErrNoUser)
	assert.Equal(t, 0, f.store.Len())
	f.gateway.AssertNotCalled(t, "FetchPage", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefreshFailureIsReported(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))

	f.gateway.On("FetchPage", mock.Anything, int64(5), 0, 20).Return(nil, errors.New("502 bad gateway")).Once()
	err := f.store.Refresh(context.Background(), 0, 20)

	require.Error(t, err)
	assert.Equal(t, 1, f.reporter.count())
	assert.Equal(t, 1, f.store.Len())
}

func TestRefreshSkipsMalformedRecords(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false), dto(2, "bogus", false)))

	assert.Equal(t, []int64{1}, ids(f.store.Records()))
}

func TestMalformedPushIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))

	topic := TopicForUser(5)
	f.sub.deliver(t, topic, `not json`)
	f.sub.deliver(t, topic, `{"title":"no id"}`)
	f.sub.deliver(t, topic, `{"id":1,"createdAt":"never"}`)
	f.sub.deliver(t, topic, `{"id":9,"createdAt":"never"}`)

	assert.Equal(t, []int64{1}, ids(f.store.Records()))
	assert.Equal(t, "n1", f.store.Records()[0].Title)

	// The subscription keeps working
	f.sub.deliver(t, topic, `{"id":2,"createdAt":"2024-01-02T00:00:00Z"}`)
	assert.Equal(t, []int64{2, 1}, ids(f.store.Records()))
}

func TestPushAndRefreshNeverDuplicate(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page())

	rng := rand.New(rand.NewPCG(1, 2))
	topic := TopicForUser(5)
	for step := 0; step < 200; step++ {
		id := rng.Int64N(15) + 1
		day := rng.IntN(28) + 1
		seen := rng.IntN(2) == 0
		createdAt := fmt.Sprintf("2024-03-%02dT00:00:00Z", day)

		if rng.IntN(3) == 0 {
			p := page(dto(id, createdAt, seen), dto(rng.Int64N(15)+1, createdAt, !seen))
			f.gateway.On("FetchPage", mock.Anything, int64(5), 0, 20).Return(p, nil).Once()
			require.NoError(t, f.store.Refresh(context.Background(), 0, 20))
		} else {
			f.sub.deliver(t, topic, fmt.Sprintf(`{"id":%d,"seen":%t,"createdAt":%q}`, id, seen, createdAt))
		}
		assertInvariants(t, f.store)
	}
	assert.LessOrEqual(t, f.store.Len(), 15)
}

func TestMarkAsReadTwice(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))
	f.gateway.On("MarkAsRead", mock.Anything, int64(1)).Return(nil).Twice()

	require.NoError(t, f.store.MarkAsRead(context.Background(), 1))
	first, _ := f.store.Get(1)

	f.now = f.now.Add(time.Hour)
	require.NoError(t, f.store.MarkAsRead(context.Background(), 1))
	second, _ := f.store.Get(1)

	assert.True(t, second.Seen)
	require.NotNil(t, second.SeenAt)
	assert.Equal(t, *first.SeenAt, *second.SeenAt)
	assert.Equal(t, 0, f.store.UnreadCount())
	f.gateway.AssertExpectations(t)
}

func TestMarkAsReadFailureLeavesRecord(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))
	f.gateway.On("MarkAsRead", mock.Anything, int64(1)).Return(errors.New("boom"))

	err := f.store.MarkAsRead(context.Background(), 1)
	require.Error(t, err)

	rec, _ := f.store.Get(1)
	assert.False(t, rec.Seen)
	assert.Nil(t, rec.SeenAt)
	assert.Equal(t, 1, f.reporter.count())
}

func TestMarkManyAsReadIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(
		dto(1, "2024-01-01T00:00:00Z", false),
		dto(2, "2024-01-02T00:00:00Z", false),
		dto(3, "2024-01-03T00:00:00Z", false),
	))
	f.gateway.On("MarkAsRead", mock.Anything, int64(1)).Return(nil)
	f.gateway.On("MarkAsRead", mock.Anything, int64(2)).Return(errors.New("500 internal"))
	f.gateway.On("MarkAsRead", mock.Anything, int64(3)).Return(nil)

	var n int
	assert.NotPanics(t, func() {
		n = f.store.MarkManyAsRead(context.Background(), []int64{1, 2, 3, 2, 1})
	})

	assert.Equal(t, 2, n)
	for _, id := range []int64{1, 3} {
		rec, _ := f.store.Get(id)
		assert.True(t, rec.Seen, "record %d", id)
	}
	rec2, _ := f.store.Get(2)
	assert.False(t, rec2.Seen)
	assert.Nil(t, rec2.SeenAt)
	assert.Equal(t, 1, f.store.UnreadCount())
	f.gateway.AssertNumberOfCalls(t, "MarkAsRead", 3)
	assert.Equal(t, 1, f.reporter.count())
}

func TestMarkAllAsRead(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(
		dto(1, "2024-01-01T00:00:00Z", false),
		dto(2, "2024-01-02T00:00:00Z", true),
		dto(3, "2024-01-03T00:00:00Z", false),
	))
	f.gateway.On("MarkAsRead", mock.Anything, int64(1)).Return(nil)
	f.gateway.On("MarkAsRead", mock.Anything, int64(3)).Return(nil)

	assert.Equal(t, 2, f.store.MarkAllAsRead(context.Background()))
	assert.Equal(t, 0, f.store.UnreadCount())
	f.gateway.AssertNotCalled(t, "MarkAsRead", mock.Anything, int64(2))
}

func TestDeleteRemovesAfterConfirmation(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false), dto(2, "2024-01-02T00:00:00Z", false)))
	f.gateway.On("Delete", mock.Anything, int64(1)).Return(nil).Once()
	f.gateway.On("Delete", mock.Anything, int64(2)).Return(errors.New("403 forbidden")).Once()

	require.NoError(t, f.store.Delete(context.Background(), 1))
	require.Error(t, f.store.Delete(context.Background(), 2))

	assert.Equal(t, []int64{2}, ids(f.store.Records()))
	assert.Equal(t, 1, f.reporter.count())
}

func TestDeletedRecordNotResurrectedByRefresh(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))
	f.gateway.On("Delete", mock.Anything, int64(1)).Return(nil).Once()
	require.NoError(t, f.store.Delete(context.Background(), 1))

	// A page that was computed before the delete still contains id 1
	f.gateway.On("FetchPage", mock.Anything, int64(5), 0, 20).Return(page(dto(1, "2024-01-01T00:00:00Z", false)), nil).Once()
	require.NoError(t, f.store.Refresh(context.Background(), 0, 20))
	assert.Equal(t, 0, f.store.Len())

	// A live push for the id is authoritative
	f.sub.deliver(t, TopicForUser(5), `{"id":1,"title":"Back","createdAt":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, 1, f.store.Len())
}

func TestDeleteManyIsBestEffort(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(
		dto(1, "2024-01-01T00:00:00Z", false),
		dto(2, "2024-01-02T00:00:00Z", false),
		dto(3, "2024-01-03T00:00:00Z", false),
	))
	f.gateway.On("Delete", mock.Anything, int64(1)).Return(nil)
	f.gateway.On("Delete", mock.Anything, int64(2)).Return(errors.New("404 not found"))
	f.gateway.On("Delete", mock.Anything, int64(3)).Return(nil)

	assert.Equal(t, 2, f.store.DeleteMany(context.Background(), []int64{3, 2, 1, 3}))
	assert.Equal(t, []int64{2}, ids(f.store.Records()))
	f.gateway.AssertNumberOfCalls(t, "Delete", 3)
}

func TestSetUserSwitchesSubscription(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))

	// Same user again is a no-op
	require.NoError(t, f.store.SetUser(context.Background(), userPtr(5)))
	f.gateway.AssertNumberOfCalls(t, "FetchPage", 1)

	oldHandler := f.sub.handler(TopicForUser(5))
	require.NotNil(t, oldHandler)

	f.gateway.On("FetchPage", mock.Anything, int64(7), 0, 20).Return(page(dto(70, "2024-01-05T00:00:00Z", false)), nil).Once()
	require.NoError(t, f.store.SetUser(context.Background(), userPtr(7)))

	assert.Equal(t, []string{TopicForUser(5), TopicForUser(7)}, f.sub.subscribed)
	assert.Equal(t, []string{TopicForUser(5)}, f.sub.unsubscribed)
	assert.Equal(t, TopicForUser(7), f.store.Topic())
	assert.Equal(t, []int64{70}, ids(f.store.Records()))

	// A push that raced in on the old subscription is ignored
	oldHandler(&transport.Message{Topic: TopicForUser(5), Body: []byte(`{"id":2,"createdAt":"2024-01-02T00:00:00Z"}`)})
	assert.Equal(t, []int64{70}, ids(f.store.Records()))

	require.NoError(t, f.store.SetUser(context.Background(), nil))
	assert.Equal(t, 0, f.store.Len())
	assert.Empty(t, f.store.Topic())
	assert.Equal(t, []string{TopicForUser(5), TopicForUser(7)}, f.sub.unsubscribed)
	_, ok := f.store.UserID()
	assert.False(t, ok)
}

func TestRefreshForPreviousUserIsDiscarded(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page())

	release := make(chan struct{})
	started := make(chan struct{})
	f.gateway.On("FetchPage", mock.Anything, int64(5), 0, 20).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(page(dto(99, "2024-01-01T00:00:00Z", false)), nil).Once()

	done := make(chan error, 1)
	go func() { done <- f.store.Refresh(context.Background(), 0, 20) }()
	<-started

	f.gateway.On("FetchPage", mock.Anything, int64(7), 0, 20).Return(page(dto(70, "2024-01-05T00:00:00Z", false)), nil).Once()
	require.NoError(t, f.store.SetUser(context.Background(), userPtr(7)))

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []int64{70}, ids(f.store.Records()))
}

// switchUserDuring blocks op inside the gateway while the store switches from
// user 5 to user 9, whose first page holds an unread record with the same id
func switchUserDuring(t *testing.T, f *fixture, method string, op func() error) {
	t.Helper()
	release := make(chan struct{})
	started := make(chan struct{})
	f.gateway.On(method, mock.Anything, int64(7)).
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(nil).Once()

	done := make(chan error, 1)
	go func() { done <- op() }()
	<-started

	f.gateway.On("FetchPage", mock.Anything, int64(9), 0, 20).Return(page(dto(7, "2024-01-05T00:00:00Z", false)), nil).Once()
	require.NoError(t, f.store.SetUser(context.Background(), userPtr(9)))

	close(release)
	require.NoError(t, <-done)
}

func TestMarkAsReadForPreviousUserIsNotApplied(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(7, "2024-01-01T00:00:00Z", false)))

	switchUserDuring(t, f, "MarkAsRead", func() error {
		return f.store.MarkAsRead(context.Background(), 7)
	})

	rec, ok := f.store.Get(7)
	require.True(t, ok)
	assert.False(t, rec.Seen)
	assert.Nil(t, rec.SeenAt)
	assert.Equal(t, 1, f.store.UnreadCount())
	f.gateway.AssertExpectations(t)
}

func TestDeleteForPreviousUserIsNotApplied(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(7, "2024-01-01T00:00:00Z", false)))

	switchUserDuring(t, f, "Delete", func() error {
		return f.store.Delete(context.Background(), 7)
	})

	assert.Equal(t, []int64{7}, ids(f.store.Records()))

	// No tombstone was left for user 9's record
	f.gateway.On("FetchPage", mock.Anything, int64(9), 0, 20).Return(page(dto(7, "2024-01-05T00:00:00Z", false)), nil).Once()
	require.NoError(t, f.store.Refresh(context.Background(), 0, 20))
	assert.Equal(t, []int64{7}, ids(f.store.Records()))
	f.gateway.AssertExpectations(t)
}

func TestOnChangeFires(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	calls := 0
	f.store.OnChange(func() {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))
	f.sub.deliver(t, TopicForUser(5), `{"id":2,"createdAt":"2024-01-02T00:00:00Z"}`)

	mu.Lock()
	defer mu.Unlock()
	// bind, refresh, push
	assert.Equal(t, 3, calls)
}

func TestCloseUnsubscribes(t *testing.T) {
	f := newFixture(t)
	f.bind(t, page(dto(1, "2024-01-01T00:00:00Z", false)))

	f.store.Close()

	assert.Equal(t, 0, f.store.Len())
	assert.Nil(t, f.sub.handler(TopicForUser(5)))
}
