package oil

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndex_RoundTrip(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	const n = 1024
	want := make(map[string][]byte, n)
	for i := range n {
		k := fmt.Sprintf("key-%04d", (i*7919)%n)
		v := []byte(fmt.Sprintf("value-%d", i))
		prev, err := ix.Put(k, v)
		require.NoError(t, err)
		assert.Nil(t, prev)
		want[k] = v
	}

	reopen(t, db)
	ix, err = db.Index("ix")
	require.NoError(t, err)

	size, err := ix.Size()
	require.NoError(t, err)
	assert.Equal(t, n, size)

	var keys []string
	for k, v := range ix.All() {
		assert.Equal(t, want[k], v)
		keys = append(keys, k)
	}
	assert.Len(t, keys, n)
	assert.True(t, sort.StringsAreSorted(keys))
}

func TestIndex_PutPutRemoveReopen(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	prev, err := ix.Put("k", []byte("v1"))
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = ix.Put("k", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), prev)

	prev, err = ix.Remove("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), prev)

	prev, err = ix.Remove("k")
	require.NoError(t, err)
	assert.Nil(t, prev)

	reopen(t, db)
	ix, err = db.Index("ix")
	require.NoError(t, err)

	v, err := ix.Get("k")
	require.NoError(t, err)
	assert.Nil(t, v)
	ok, err := ix.ContainsKey("k")
	require.NoError(t, err)
	assert.False(t, ok)
	empty, err := ix.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestIndex_EmptyValue(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	_, err = ix.Put("k", []byte{})
	require.NoError(t, err)

	reopen(t, db)
	ix, err = db.Index("ix")
	require.NoError(t, err)

	v, err := ix.Get("k")
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
}

func TestIndex_EqualValueIsNotLogged(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	_, err = ix.Put("k", []byte("same"))
	require.NoError(t, err)
	before, err := db.LogSize()
	require.NoError(t, err)

	prev, err := ix.Put("k", []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), prev)

	// Removing an absent key is not logged either.
	_, err = ix.Remove("absent")
	require.NoError(t, err)

	after, err := db.LogSize()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestIndex_ValuesAreCopied(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	v := []byte("abc")
	_, err = ix.Put("k", v)
	require.NoError(t, err)
	v[0] = 'x'

	got, err := ix.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'y'

	got, err = ix.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
}

func TestIndex_Clear(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	for i := range 10 {
		_, err := ix.Put(fmt.Sprint(i), []byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, ix.Clear())
	_, err = ix.Put("after", []byte("1"))
	require.NoError(t, err)

	reopen(t, db)
	ix, err = db.Index("ix")
	require.NoError(t, err)

	size, err := ix.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

func TestIndexIterator(t *testing.T) {
	db := openDB(t, tempPath(t))
	ix, err := db.Index("ix")
	require.NoError(t, err)

	for _, k := range []string{"c", "a", "d", "b"} {
		_, err := ix.Put(k, []byte(k))
		require.NoError(t, err)
	}

	t.Run("NoCurrentEntry", func(t *testing.T) {
		it := ix.Iterator()
		_, err := it.Key()
		assert.ErrorIs(t, err, ErrIllegalIteratorState)
		_, err = it.Value()
		assert.ErrorIs(t, err, ErrIllegalIteratorState)
		assert.ErrorIs(t, it.Remove(), ErrIllegalIteratorState)
		assert.ErrorIs(t, it.SetValue([]byte("x")), ErrIllegalIteratorState)
		assert.True(t, it.IsRemoved())
	})

	t.Run("SetValueAndRemove", func(t *testing.T) {
		it := ix.Iterator()
		var seen []string
		for {
			ok, err := it.Next()
			require.NoError(t, err)
			if !ok {
				break
			}
			k, err := it.Key()
			require.NoError(t, err)
			seen = append(seen, k)

			switch k {
			case "b":
				require.NoError(t, it.SetValue([]byte("B")))
			case "c":
				require.NoError(t, it.Remove())
				assert.True(t, it.IsRemoved())
				_, err := it.Key()
				assert.ErrorIs(t, err, ErrIllegalIteratorState)
			}
		}
		assert.Equal(t, []string{"a", "b", "c", "d"}, seen)

		_, err := it.Key()
		assert.ErrorIs(t, err, ErrIllegalIteratorState, "exhausted iterator has no entry")

		v, err := ix.Get("b")
		require.NoError(t, err)
		assert.Equal(t, []byte("B"), v)
		ok, err := ix.ContainsKey("c")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("ConcurrentRemoval", func(t *testing.T) {
		it := ix.Iterator()
		ok, err := it.Next()
		require.NoError(t, err)
		require.True(t, ok)
		k, err := it.Key()
		require.NoError(t, err)
		require.Equal(t, "a", k)

		_, err = ix.Remove("a")
		require.NoError(t, err)

		_, err = it.Value()
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, it.SetValue([]byte("x")), ErrNotFound)
		assert.ErrorIs(t, it.Remove(), ErrNotFound)

		// The iterator continues after the removed key.
		ok, err = it.Next()
		require.NoError(t, err)
		require.True(t, ok)
		k, err = it.Key()
		require.NoError(t, err)
		assert.Equal(t, "b", k)
	})

	t.Run("SetValueNil", func(t *testing.T) {
		it := ix.Iterator()
		ok, err := it.Next()
		require.NoError(t, err)
		require.True(t, ok)
		assert.ErrorIs(t, it.SetValue(nil), ErrInvalidArgument)
	})
}
