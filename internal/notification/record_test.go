package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	cases := map[string]time.Time{
		"2024-01-01T00:00:00Z":          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-01T02:00:00+02:00":     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		"2024-01-02T10:30:15.123456":    time.Date(2024, 1, 2, 10, 30, 15, 123456000, time.UTC),
		"2024-01-02T10:30:15":           time.Date(2024, 1, 2, 10, 30, 15, 0, time.UTC),
		"2024-01-03":                    time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		" 2024-01-03T00:00:00.5Z ":      time.Date(2024, 1, 3, 0, 0, 0, 500000000, time.UTC),
	}
	for in, want := range cases {
		got, err := ParseTime(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%s: got %s", in, got)
	}

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}

func TestDTORecord(t *testing.T) {
	link := "/clubs/3"
	seenAt := "2024-01-02T00:00:00Z"
	dto := DTO{
		ID:        4,
		Title:     "Join request",
		Type:      "JOIN_REQUEST",
		Link:      &link,
		Seen:      true,
		CreatedAt: "2024-01-01T00:00:00Z",
		SeenAt:    &seenAt,
		User:      &UserRef{ID: 5},
	}

	rec, err := dto.Record()
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.ID)
	assert.Equal(t, "", rec.Message)
	assert.Equal(t, &link, rec.Link)
	assert.Nil(t, rec.Event)
	require.NotNil(t, rec.SeenAt)
	assert.Equal(t, 2, rec.SeenAt.Day())
	require.NotNil(t, rec.UserID)
	assert.Equal(t, int64(5), *rec.UserID)

	dto.CreatedAt = "garbage"
	_, err = dto.Record()
	assert.Error(t, err)
}

func TestParsePatchRequiresID(t *testing.T) {
	_, err := ParsePatch([]byte(`{"title":"x"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = ParsePatch([]byte(`{"id":null}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = ParsePatch([]byte(`not json`))
	assert.Error(t, err)

	_, err = ParsePatch([]byte(`{"id":"seven"}`))
	assert.Error(t, err)
}

func TestPatchApplyOnlyPresentFields(t *testing.T) {
	event := "CLUB_UPDATED"
	rec := Record{
		ID:        1,
		Title:     "Old title",
		Message:   "Old message",
		Type:      "INFO",
		Event:     &event,
		CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	patch, err := ParsePatch([]byte(`{"id":1,"seen":true,"seenAt":"2024-01-02T00:00:00Z","event":null}`))
	require.NoError(t, err)
	require.NoError(t, patch.Apply(&rec))

	assert.Equal(t, "Old title", rec.Title)
	assert.Equal(t, "Old message", rec.Message)
	assert.Equal(t, "INFO", rec.Type)
	assert.Nil(t, rec.Event)
	assert.True(t, rec.Seen)
	require.NotNil(t, rec.SeenAt)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), *rec.SeenAt)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), rec.CreatedAt)
}

func TestPatchApplyBadTimestampLeavesRecord(t *testing.T) {
	rec := Record{ID: 1, Title: "Keep"}

	patch, err := ParsePatch([]byte(`{"id":1,"title":"Changed","createdAt":"not a date"}`))
	require.NoError(t, err)
	assert.Error(t, patch.Apply(&rec))
	assert.Equal(t, "Keep", rec.Title)
}
