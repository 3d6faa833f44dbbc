package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLastWriterWins(t *testing.T) {
	r := NewRegistry()

	var got string
	r.Register("/topic/a", func(*Message) { got = "first" })
	r.Register("/topic/a", func(*Message) { got = "second" })

	require.True(t, r.BindLive("/topic/a", "sub-1"))
	topic, h, ok := r.LiveByID("sub-1")
	require.True(t, ok)
	assert.Equal(t, "/topic/a", topic)
	h(&Message{})
	assert.Equal(t, "second", got)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryRemoveChecksGeneration(t *testing.T) {
	r := NewRegistry()

	gen1 := r.Register("/topic/a", func(*Message) {})
	gen2 := r.Register("/topic/a", func(*Message) {})
	assert.NotEqual(t, gen1, gen2)

	_, removed := r.Remove("/topic/a", gen1)
	assert.False(t, removed)
	assert.Equal(t, 1, r.Len())

	_, removed = r.Remove("/topic/a", gen2)
	assert.True(t, removed)
	assert.Equal(t, 0, r.Len())

	_, removed = r.Remove("/topic/a", gen2)
	assert.False(t, removed)
}

func TestRegistryLiveBindings(t *testing.T) {
	r := NewRegistry()
	gen := r.Register("/topic/b", func(*Message) {})
	r.Register("/topic/a", func(*Message) {})

	assert.False(t, r.BindLive("/topic/missing", "sub-x"))
	assert.True(t, r.BindLive("/topic/b", "sub-1"))
	assert.Equal(t, "sub-1", r.LiveID("/topic/b"))

	topic, h, ok := r.LiveByID("sub-1")
	require.True(t, ok)
	assert.Equal(t, "/topic/b", topic)
	assert.NotNil(t, h)

	// Rebinding replaces the old id
	r.BindLive("/topic/b", "sub-2")
	_, _, ok = r.LiveByID("sub-1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.LiveCount())

	assert.Equal(t, []string{"/topic/a", "/topic/b"}, r.Topics())

	ids := r.ClearLive()
	assert.Equal(t, []string{"sub-2"}, ids)
	assert.Equal(t, "", r.LiveID("/topic/b"))
	assert.Equal(t, 2, r.Len())

	r.BindLive("/topic/b", "sub-3")
	liveID, removed := r.Remove("/topic/b", gen)
	assert.True(t, removed)
	assert.Equal(t, "sub-3", liveID)
	_, _, ok = r.LiveByID("sub-3")
	assert.False(t, ok)
}
