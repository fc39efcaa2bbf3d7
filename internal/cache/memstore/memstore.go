// Package memstore is an in-process cache.Store backed by go-cache.
// Contents do not survive a restart.
package memstore

import (
	"context"
	"slices"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/vigilhome/vigil-agent/internal/cache"
)

// Store keeps one go-cache instance per generation. Entries never expire.
type Store struct {
	mu     sync.Mutex
	caches *gocache.Cache
}

var _ cache.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{caches: gocache.New(gocache.NoExpiration, 0)}
}

func (s *Store) Open(_ context.Context, name string) (cache.Cache, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches.Get(name); ok {
		return c.(*Cache), nil
	}
	c := &Cache{name: name, entries: gocache.New(gocache.NoExpiration, 0)}
	s.caches.Set(name, c, gocache.NoExpiration)
	return c, nil
}

func (s *Store) Has(_ context.Context, name string) (bool, error) {
	_, ok := s.caches.Get(name)
	return ok, nil
}

func (s *Store) Names(_ context.Context) ([]string, error) {
	items := s.caches.Items()
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches.Get(name)
	if !ok {
		return false, nil
	}
	c.(*Cache).retire()
	s.caches.Delete(name)
	return true, nil
}

func (s *Store) Close() error { return nil }

// Cache is one generation's entries.
type Cache struct {
	name string
	// batch makes PutAll visible to readers all at once.
	batch   sync.RWMutex
	entries *gocache.Cache
	deleted bool
}

func (c *Cache) retire() {
	c.batch.Lock()
	defer c.batch.Unlock()
	c.deleted = true
	c.entries.Flush()
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(_ context.Context, key string) (*cache.Entry, bool, error) {
	c.batch.RLock()
	defer c.batch.RUnlock()
	v, ok := c.entries.Get(key)
	if !ok {
		return nil, false, nil
	}
	return copyEntry(v.(*cache.Entry)), true, nil
}

func (c *Cache) Put(_ context.Context, entry *cache.Entry) error {
	c.batch.RLock()
	defer c.batch.RUnlock()
	if c.deleted {
		return cache.ErrStoreDeleted
	}
	c.entries.Set(entry.Key, copyEntry(entry), gocache.NoExpiration)
	return nil
}

func (c *Cache) PutAll(_ context.Context, entries []*cache.Entry) error {
	c.batch.Lock()
	defer c.batch.Unlock()
	if c.deleted {
		return cache.ErrStoreDeleted
	}
	for _, e := range entries {
		c.entries.Set(e.Key, copyEntry(e), gocache.NoExpiration)
	}
	return nil
}

func (c *Cache) Keys(_ context.Context) ([]string, error) {
	items := c.entries.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

func copyEntry(e *cache.Entry) *cache.Entry {
	cp := *e
	cp.Header = e.Header.Clone()
	cp.Body = slices.Clone(e.Body)
	return &cp
}
