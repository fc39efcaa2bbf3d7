// Package router decides, per intercepted request, whether the answer comes
// from the active cache generation or from the network.
package router

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// ErrNetwork is returned when the network failed and no cached answer exists.
var ErrNetwork = errors.NewStd("router: network unavailable")

// Strategy is the routing decision for a request.
type Strategy string

const (
	// StrategyIgnore leaves the request to the network untouched.
	StrategyIgnore Strategy = "ignore"
	// StrategyNavigation is network first with a cached document fallback.
	StrategyNavigation Strategy = "navigation"
	// StrategyAsset is cache first with fill on miss.
	StrategyAsset Strategy = "asset"
)

// Source tells where a routed response came from.
type Source string

const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
)

// Fetcher is the network.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*cache.Response, error)
}

// Cache is the subset of the generation manager the router uses.
type Cache interface {
	Lookup(ctx context.Context, key string) (*cache.Response, bool)
	Put(ctx context.Context, key string, resp *cache.Response) cache.PutResult
}

// Lifetime extends the owning event until background work settles.
type Lifetime interface {
	WaitUntil(fn func(ctx context.Context) error)
}

// Recorder receives routing outcomes, e.g. for metrics.
type Recorder interface {
	RecordRoute(strategy, source string)
	RecordCacheWrite(result string)
	RecordNetworkFailure(strategy string)
}

// Config holds the router's fixed inputs.
type Config struct {
	// Origin is the agent's own origin; other origins are ignored.
	Origin *url.URL
	// APIPrefix paths always go to the network.
	APIPrefix string
	// DocumentKeys are the paths the navigation fallback consults, in order.
	// The first one is also refreshed after every successful navigation.
	DocumentKeys []string
}

// DefaultDocumentKeys is the application shell document under both names.
var DefaultDocumentKeys = []string{"/", "/index.html"}

// Result is a routed response.
type Result struct {
	Response *cache.Response
	Strategy Strategy
	Source   Source
}

// Router applies the ignore gate and the two caching strategies.
type Router struct {
	cfg      Config
	cache    Cache
	fetcher  Fetcher
	log      logger.Logger
	recorder Recorder
}

// Option configures a Router.
type Option func(*Router)

// WithRecorder attaches an outcome recorder.
func WithRecorder(rec Recorder) Option {
	return func(r *Router) { r.recorder = rec }
}

// New returns a router.
func New(cfg Config, c Cache, fetcher Fetcher, log logger.Logger, opts ...Option) *Router {
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	if len(cfg.DocumentKeys) == 0 {
		cfg.DocumentKeys = DefaultDocumentKeys
	}
	if log == nil {
		log = logger.Nop()
	}
	r := &Router{
		cfg:      cfg,
		cache:    c,
		fetcher:  fetcher,
		log:      log.Module("router"),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Classify returns the strategy for req without side effects.
func (r *Router) Classify(req *http.Request) Strategy {
	u := RequestURL(req)
	switch {
	case r.ignored(req, u):
		return StrategyIgnore
	case IsNavigation(req):
		return StrategyNavigation
	default:
		return StrategyAsset
	}
}

func (r *Router) ignored(req *http.Request, u *url.URL) bool {
	if req.Method != http.MethodGet {
		return true
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return true
	}
	if !strings.EqualFold(u.Scheme, r.cfg.Origin.Scheme) || !strings.EqualFold(u.Host, r.cfg.Origin.Host) {
		return true
	}
	return strings.HasPrefix(u.Path, r.cfg.APIPrefix)
}

// Handle routes req. For ignored requests it returns a Result with a nil
// Response and StrategyIgnore; the caller forwards those itself. Deferred
// cache refreshes are registered on life; a nil life runs them inline.
func (r *Router) Handle(ctx context.Context, req *http.Request, life Lifetime) (*Result, error) {
	strategy := r.Classify(req)
	switch strategy {
	case StrategyNavigation:
		return r.navigate(ctx, req, life)
	case StrategyAsset:
		return r.asset(ctx, req)
	default:
		r.recorder.RecordRoute(string(StrategyIgnore), string(SourceNetwork))
		return &Result{Strategy: StrategyIgnore}, nil
	}
}

func (r *Router) navigate(ctx context.Context, req *http.Request, life Lifetime) (*Result, error) {
	resp, err := r.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.Eligible() {
			r.refreshDocument(ctx, resp, life)
		}
		r.recorder.RecordRoute(string(StrategyNavigation), string(SourceNetwork))
		return &Result{Response: resp, Strategy: StrategyNavigation, Source: SourceNetwork}, nil
	}

	r.recorder.RecordNetworkFailure(string(StrategyNavigation))
	for _, path := range r.cfg.DocumentKeys {
		if cached, ok := r.cache.Lookup(ctx, r.documentKey(path)); ok {
			r.log.Debug("navigation served from cache",
				logger.String("url", req.URL.String()),
				logger.String("document", path),
				logger.Error(err))
			r.recorder.RecordRoute(string(StrategyNavigation), string(SourceCache))
			return &Result{Response: cached, Strategy: StrategyNavigation, Source: SourceCache}, nil
		}
	}

	r.log.Warn("navigation failed with no cached document",
		logger.String("url", req.URL.String()),
		logger.Error(err))
	return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
}

// refreshDocument stores a copy of a fresh navigation response as the shell
// document. The write is extended work of the fetch event.
func (r *Router) refreshDocument(ctx context.Context, resp *cache.Response, life Lifetime) {
	clone, err := resp.Clone()
	if err != nil {
		r.log.Debug("cannot clone navigation response", logger.Error(err))
		return
	}
	key := r.documentKey(r.cfg.DocumentKeys[0])
	write := func(ctx context.Context) error {
		res := r.cache.Put(ctx, key, clone)
		r.recorder.RecordCacheWrite(string(res.Reason))
		return res.Err
	}
	if life == nil {
		_ = write(context.WithoutCancel(ctx))
		return
	}
	life.WaitUntil(write)
}

func (r *Router) asset(ctx context.Context, req *http.Request) (*Result, error) {
	key := cache.Key(RequestURL(req))
	if cached, ok := r.cache.Lookup(ctx, key); ok {
		r.recorder.RecordRoute(string(StrategyAsset), string(SourceCache))
		return &Result{Response: cached, Strategy: StrategyAsset, Source: SourceCache}, nil
	}

	resp, err := r.fetcher.Fetch(ctx, req)
	if err != nil {
		r.recorder.RecordNetworkFailure(string(StrategyAsset))
		r.log.Debug("asset fetch failed",
			logger.String("url", req.URL.String()),
			logger.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	if resp.Eligible() {
		if clone, err := resp.Clone(); err == nil {
			// Stored before the original is returned, detached from the
			// client's cancellation.
			res := r.cache.Put(context.WithoutCancel(ctx), key, clone)
			r.recorder.RecordCacheWrite(string(res.Reason))
		}
	}
	r.recorder.RecordRoute(string(StrategyAsset), string(SourceNetwork))
	return &Result{Response: resp, Strategy: StrategyAsset, Source: SourceNetwork}, nil
}

func (r *Router) documentKey(path string) string {
	u := *r.cfg.Origin
	u.Path = path
	u.RawPath = ""
	u.RawQuery = ""
	return cache.Key(&u)
}

// IsNavigation reports whether req loads a top-level document. Fetch
// metadata wins when present; older clients are judged by Accept.
func IsNavigation(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// RequestURL returns the absolute URL of an inbound request. Server-side
// requests carry only a path, so scheme and host are taken from the
// connection.
func RequestURL(req *http.Request) *url.URL {
	if req.URL.IsAbs() {
		return req.URL
	}
	u := *req.URL
	u.Scheme = schemeOf(req.TLS)
	u.Host = req.Host
	return &u
}

func schemeOf(state *tls.ConnectionState) string {
	if state != nil {
		return "https"
	}
	return "http"
}

type nopRecorder struct{}

func (nopRecorder) RecordRoute(string, string)  {}
func (nopRecorder) RecordCacheWrite(string)     {}
func (nopRecorder) RecordNetworkFailure(string) {}
