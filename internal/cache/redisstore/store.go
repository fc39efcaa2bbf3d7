// Package redisstore is a cache.Store on Redis, for agents that share one
// cache.
//
// Keys:
//   - {prefix}:stores          SET of generation names
//   - {prefix}:store:{name}    HASH request key -> JSON entry
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
)

// Config holds connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
}

// Store implements cache.Store over a Redis client.
type Store struct {
	cli    redis.UniversalClient
	prefix string
}

var _ cache.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	cli := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return NewWithClient(cli, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(cli redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "vigil:cache"
	}
	return &Store{cli: cli, prefix: prefix}
}

func (s *Store) storesKey() string {
	return s.prefix + ":stores"
}

func (s *Store) storeKey(name string) string {
	return fmt.Sprintf("%s:store:%s", s.prefix, name)
}

func (s *Store) Open(ctx context.Context, name string) (cache.Cache, error) {
	if err := s.cli.SAdd(ctx, s.storesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("redis: open %s: %w", name, err)
	}
	return &Cache{store: s, name: name}, nil
}

func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	ok, err := s.cli.SIsMember(ctx, s.storesKey(), name).Result()
	if err != nil {
		return false, fmt.Errorf("redis: has %s: %w", name, err)
	}
	return ok, nil
}

func (s *Store) Names(ctx context.Context) ([]string, error) {
	names, err := s.cli.SMembers(ctx, s.storesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list stores: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Delete drops the entry hash and the registry membership in one MULTI/EXEC.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	var srem *redis.IntCmd
	_, err := s.cli.TxPipelined(ctx, func(p redis.Pipeliner) error {
		srem = p.SRem(ctx, s.storesKey(), name)
		p.Del(ctx, s.storeKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis: delete %s: %w", name, err)
	}
	return srem.Val() > 0, nil
}

func (s *Store) Close() error { return s.cli.Close() }

// Cache is one generation's hash.
type Cache struct {
	store *Store
	name  string
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	raw, err := c.store.cli.HGet(ctx, c.store.storeKey(c.name), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: match %s: %w", key, err)
	}
	var e cache.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("redis: decode %s: %w", key, err)
	}
	return &e, true, nil
}

func (c *Cache) Put(ctx context.Context, entry *cache.Entry) error {
	return c.PutAll(ctx, []*cache.Entry{entry})
}

// maxWatchRetries bounds optimistic retries when the registry changes
// between WATCH and EXEC.
const maxWatchRetries = 5

// PutAll writes every entry inside one MULTI/EXEC. The registry is watched,
// so the write aborts with cache.ErrStoreDeleted when the store was deleted
// and is retried when another store changed the registry meanwhile.
func (c *Cache) PutAll(ctx context.Context, entries []*cache.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	values := make([]any, 0, len(entries)*2)
	for _, e := range entries {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("redis: encode %s: %w", e.Key, err)
		}
		values = append(values, e.Key, raw)
	}

	write := func(tx *redis.Tx) error {
		ok, err := tx.SIsMember(ctx, c.store.storesKey(), c.name).Result()
		if err != nil {
			return err
		}
		if !ok {
			return cache.ErrStoreDeleted
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, c.store.storeKey(c.name), values...)
			return nil
		})
		return err
	}

	var err error
	for range maxWatchRetries {
		err = c.store.cli.Watch(ctx, write, c.store.storesKey())
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("redis: store %d entries in %s: %w", len(entries), c.name, err)
	}
	return nil
}

func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.store.cli.HKeys(ctx, c.store.storeKey(c.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: keys of %s: %w", c.name, err)
	}
	slices.Sort(keys)
	return keys, nil
}
