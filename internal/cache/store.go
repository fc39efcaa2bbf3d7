package cache

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// Store holds named caches, one per generation.
// Implementations must be safe for concurrent use.
type Store interface {
	// Open returns the named cache, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether the named cache exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names lists every existing cache.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named cache and all of its entries. It reports
	// whether a cache was removed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Cache is a single named request→response map.
type Cache interface {
	Name() string
	// Match returns the entry stored under key. ok is false on a miss.
	Match(ctx context.Context, key string) (entry *Entry, ok bool, err error)
	// Put stores entry, replacing any entry with the same key.
	Put(ctx context.Context, entry *Entry) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []*Entry) error
	// Keys lists the stored keys.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is the persisted form of a cached response.
type Entry struct {
	Key      string      `json:"key"`
	URL      string      `json:"url"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"body"`
	StoredAt time.Time   `json:"storedAt"`
}

// Response rebuilds a fresh, unconsumed response from the entry.
func (e *Entry) Response() *Response {
	resp := NewBytesResponse(e.Status, e.Header.Clone(), e.Body)
	resp.URL = e.URL
	return resp
}

// Key returns the cache identity of a GET for u. Fragments are not part of
// the identity.
func Key(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return http.MethodGet + " " + c.String()
}
