package cmd

import (
	"context"
	"net/url"
	"strconv"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/cache/memstore"
	"github.com/vigilhome/vigil-agent/internal/cache/redisstore"
	"github.com/vigilhome/vigil-agent/internal/cache/sqlstore"
	"github.com/vigilhome/vigil-agent/internal/conf"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/fetch"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/notification"
)

// openStore opens the configured cache backend.
func openStore(ctx context.Context, s *conf.Settings) (cache.Store, error) {
	switch s.Cache.Backend {
	case "memory":
		return memstore.New(), nil
	case "sqlite":
		st, err := sqlstore.OpenSQLite(s.Cache.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "mysql":
		st, err := sqlstore.OpenMySQL(s.Cache.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "redis":
		st, err := redisstore.New(ctx, redisstore.Config{
			Addr:     s.Cache.Redis.Addr,
			Password: s.Cache.Redis.Password,
			DB:       s.Cache.Redis.DB,
			Prefix:   s.Cache.Redis.Prefix,
			Timeout:  s.Cache.Redis.Timeout.Std(),
		})
		if err != nil {
			return nil, errors.New(err).
				Component("cmd").
				Category(errors.CategoryStorage).
				Context("backend", "redis").
				Build()
		}
		return st, nil
	default:
		return nil, errors.Newf("unknown cache backend %q", s.Cache.Backend).
			Component("cmd").
			Category(errors.CategoryConfig).
			Build()
	}
}

// origins parses the agent origin and the upstream. Both were validated by
// conf.Load.
func origins(s *conf.Settings) (origin, upstream *url.URL, err error) {
	if origin, err = url.Parse(s.Agent.Origin); err != nil {
		return nil, nil, err
	}
	if upstream, err = url.Parse(s.Network.Upstream); err != nil {
		return nil, nil, err
	}
	return origin, upstream, nil
}

// generation is the configured generation.
func generation(s *conf.Settings) cache.Generation {
	return cache.Generation{
		ID:       s.Cache.Generation,
		Manifest: append([]string(nil), s.Cache.Manifest...),
	}
}

// newManager builds the generation manager over store.
func newManager(s *conf.Settings, store cache.Store, log logger.Logger) (*cache.Manager, *fetch.Upstream, error) {
	origin, upstream, err := origins(s)
	if err != nil {
		return nil, nil, err
	}
	fetcher := fetch.New(upstream, nil, s.Network.Timeout.Std(), log)
	return cache.NewManager(store, fetcher, origin, log), fetcher, nil
}

// forwarders builds one shoutrrr forwarder per configured URL so a broken
// service does not hold up the others.
func forwarders(urls []string) ([]notification.Forwarder, error) {
	out := make([]notification.Forwarder, 0, len(urls))
	for i, u := range urls {
		f, err := notification.NewShoutrrrForwarder(forwarderName(i, u), []string{u})
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func forwarderName(i int, raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return u.Scheme
	}
	return "forwarder-" + strconv.Itoa(i)
}
