package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBadgerKV_InMemory(t *testing.T) {
	kv, err := NewBadgerKV(Config{InMemory: true})
	require.NoError(t, err)
	defer kv.Close()

	_, err = kv.Get("auth.token")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, kv.Set("auth.token", []byte("abc")))
	value, err := kv.Get("auth.token")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), value)

	require.NoError(t, kv.Set("auth.token", []byte("def")))
	value, err = kv.Get("auth.token")
	require.NoError(t, err)
	assert.Equal(t, []byte("def"), value)

	require.NoError(t, kv.Delete("auth.token"))
	_, err = kv.Get("auth.token")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is fine
	assert.NoError(t, kv.Delete("missing"))
}

func TestBadgerKV_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{DataDir: dir}

	kv, err := NewKV(cfg)
	require.NoError(t, err)
	require.NoError(t, kv.Set("auth.token", []byte("persisted")))
	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close())

	kv, err = NewKV(cfg)
	require.NoError(t, err)
	defer kv.Close()

	value, err := kv.Get("auth.token")
	require.NoError(t, err)
	assert.Equal(t, "persisted", string(value))
}

func TestExpiringSet(t *testing.T) {
	set, err := NewExpiringSet(2, time.Minute)
	require.NoError(t, err)

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	set.now = func() time.Time { return now }

	set.Add(int64(1))
	assert.True(t, set.Contains(int64(1)))
	assert.False(t, set.Contains(int64(2)))

	now = now.Add(2 * time.Minute)
	assert.False(t, set.Contains(int64(1)))
	assert.Equal(t, 0, set.Len())

	set.Add(int64(1))
	set.Add(int64(2))
	set.Add(int64(3))
	assert.Equal(t, 2, set.Len())

	set.Remove(int64(3))
	assert.False(t, set.Contains(int64(3)))

	set.Clear()
	assert.Equal(t, 0, set.Len())
}

func TestExpiringSet_NoExpiration(t *testing.T) {
	set, err := NewExpiringSet(4, 0)
	require.NoError(t, err)

	set.Add("a")
	set.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	assert.True(t, set.Contains("a"))
}

func TestNewExpiringSet_InvalidCapacity(t *testing.T) {
	_, err := NewExpiringSet(0, time.Minute)
	assert.Error(t, err)
}
