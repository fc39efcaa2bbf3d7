// Package cachetest holds a behavioural test suite shared by every
// cache.Store backend.
package cachetest

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhome/vigil-agent/internal/cache"
)

// NewEntry builds an entry for key with a small body.
func NewEntry(key, body string) *cache.Entry {
	return &cache.Entry{
		Key:      key,
		URL:      "http://vigil.test" + key,
		Status:   http.StatusOK,
		Header:   http.Header{"Content-Type": []string{"text/plain"}},
		Body:     []byte(body),
		StoredAt: time.Unix(1700000000, 0).UTC(),
	}
}

// RunStoreSuite exercises the Store and Cache contracts against stores
// returned by newStore. Each subtest gets a fresh store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) cache.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("OpenCreatesAndReuses", func(t *testing.T) {
		s := newStore(t)

		has, err := s.Has(ctx, "gen-a")
		require.NoError(t, err)
		assert.False(t, has)

		c, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)
		assert.Equal(t, "gen-a", c.Name())
		require.NoError(t, c.Put(ctx, NewEntry("GET /a", "a")))

		has, err = s.Has(ctx, "gen-a")
		require.NoError(t, err)
		assert.True(t, has)

		again, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)
		_, ok, err := again.Match(ctx, "GET /a")
		require.NoError(t, err)
		assert.True(t, ok, "reopened cache must see existing entries")
	})

	t.Run("MatchMiss", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)

		entry, ok, err := c.Match(ctx, "GET /missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, entry)
	})

	t.Run("PutOverwrites", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)

		require.NoError(t, c.Put(ctx, NewEntry("GET /a", "old")))
		require.NoError(t, c.Put(ctx, NewEntry("GET /a", "new")))

		entry, ok, err := c.Match(ctx, "GET /a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "new", string(entry.Body))
		assert.Equal(t, http.StatusOK, entry.Status)
		assert.Equal(t, "text/plain", entry.Header.Get("Content-Type"))
		assert.Equal(t, "http://vigil.test/a", entry.URL)

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"GET /a"}, keys)
	})

	t.Run("PutAll", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)

		require.NoError(t, c.PutAll(ctx, []*cache.Entry{
			NewEntry("GET /", "root"),
			NewEntry("GET /index.html", "index"),
			NewEntry("GET /app.js", "js"),
		}))

		keys, err := c.Keys(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"GET /", "GET /index.html", "GET /app.js"}, keys)
	})

	t.Run("NamesAndDelete", func(t *testing.T) {
		s := newStore(t)
		for _, name := range []string{"gen-a", "gen-b", "gen-c"} {
			c, err := s.Open(ctx, name)
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, NewEntry("GET /", name)))
		}

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"gen-a", "gen-b", "gen-c"}, names)

		removed, err := s.Delete(ctx, "gen-b")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Delete(ctx, "gen-b")
		require.NoError(t, err)
		assert.False(t, removed)

		names, err = s.Names(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"gen-a", "gen-c"}, names)

		reopened, err := s.Open(ctx, "gen-b")
		require.NoError(t, err)
		_, ok, err := reopened.Match(ctx, "GET /")
		require.NoError(t, err)
		assert.False(t, ok, "deleted generation must not keep entries")
	})

	t.Run("PutAfterDeleteIsRejected", func(t *testing.T) {
		s := newStore(t)
		old, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)
		require.NoError(t, old.Put(ctx, NewEntry("GET /", "root")))

		removed, err := s.Delete(ctx, "gen-a")
		require.NoError(t, err)
		require.True(t, removed)

		err = old.Put(ctx, NewEntry("GET /stale.js", "stale"))
		require.ErrorIs(t, err, cache.ErrStoreDeleted)
		err = old.PutAll(ctx, []*cache.Entry{NewEntry("GET /stale.css", "stale")})
		require.ErrorIs(t, err, cache.ErrStoreDeleted)

		names, err := s.Names(ctx)
		require.NoError(t, err)
		assert.Empty(t, names, "a late write must not bring the store back")

		reopened, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)
		keys, err := reopened.Keys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys, "a reinstalled generation starts empty")
	})

	t.Run("EntriesAreIsolated", func(t *testing.T) {
		s := newStore(t)
		c, err := s.Open(ctx, "gen-a")
		require.NoError(t, err)

		e := NewEntry("GET /a", "abc")
		require.NoError(t, c.Put(ctx, e))
		e.Body[0] = 'z'
		e.Header.Set("Content-Type", "changed")

		got, ok, err := c.Match(ctx, "GET /a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "abc", string(got.Body))
		assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	})
}
