package oil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/oil/codec"
)

type user struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestTypedIndex(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("users")
	require.NoError(t, err)

	users := NewTypedIndex[user](ix, nil)
	assert.Same(t, ix, users.Index())

	require.NoError(t, users.Put("bob", user{Name: "Bob", Age: 31}))
	require.NoError(t, users.Put("alice", user{Name: "Alice", Age: 42}))

	u, ok, err := users.Get("alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, user{Name: "Alice", Age: 42}, u)

	_, ok, err = users.Get("carol")
	require.NoError(t, err)
	assert.False(t, ok)

	var names []string
	require.NoError(t, users.Range(func(key string, u user) bool {
		names = append(names, key)
		return true
	}))
	assert.Equal(t, []string{"alice", "bob"}, names)

	u, ok, err = users.Remove("bob")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Bob", u.Name)

	// A value the codec cannot decode is reported, not skipped.
	_, err = ix.Put("broken", []byte("{"))
	require.NoError(t, err)
	_, _, err = users.Get("broken")
	assert.Error(t, err)
}

func TestTypedQueue(t *testing.T) {
	db := openDB(t, tempPath(t))
	q, err := db.Queue("events")
	require.NoError(t, err)

	events := NewTypedQueue[user](q, codec.JSON{})
	assert.Same(t, q, events.Queue())

	first, err := events.Push(user{Name: "a"})
	require.NoError(t, err)
	_, err = events.Push(user{Name: "b"})
	require.NoError(t, err)

	u, ok, err := events.Get(first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", u.Name)

	_, ok, err = events.Remove(first)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = events.Get(first)
	require.NoError(t, err)
	assert.False(t, ok)

	var got []string
	require.NoError(t, events.Range(func(_ Reference, u user) bool {
		got = append(got, u.Name)
		return true
	}))
	assert.Equal(t, []string{"b"}, got)

	_, err = events.Push(user{})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	_, err = events.Push(user{})
	assert.ErrorIs(t, err, ErrClosed)
}
