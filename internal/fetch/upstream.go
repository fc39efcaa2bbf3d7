// Package fetch implements the agent's view of "the network": requests are
// re-targeted at the configured upstream origin and answered as
// cache.Response values.
package fetch

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// hopHeaders are connection-scoped and never forwarded (RFC 9110 §7.6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Upstream fetches from a single origin.
type Upstream struct {
	base   *url.URL
	follow *http.Client
	manual *http.Client
	log    logger.Logger
}

// New returns an Upstream for base. A zero timeout leaves timing to the
// transport. A nil transport uses http.DefaultTransport.
func New(base *url.URL, transport http.RoundTripper, timeout time.Duration, log logger.Logger) *Upstream {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Upstream{
		base:   base,
		follow: &http.Client{Transport: transport, Timeout: timeout},
		manual: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		log: log.Module("fetch"),
	}
}

// Base returns the upstream origin.
func (u *Upstream) Base() *url.URL { return u.base }

// Fetch sends req to the upstream. Navigations keep redirects visible to the
// browser; everything else follows them. The returned body is streamed and
// must be consumed or closed by the caller.
func (u *Upstream) Fetch(ctx context.Context, req *http.Request) (*cache.Response, error) {
	target := u.Target(req.URL)
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, networkError(err, target)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	out.ContentLength = req.ContentLength

	client := u.follow
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		client = u.manual
	}

	start := time.Now()
	resp, err := client.Do(out)
	if err != nil {
		u.log.Debug("upstream request failed",
			logger.String("url", target.String()),
			logger.Error(err))
		return nil, networkError(err, target)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}

	r := cache.NewResponse(resp.StatusCode, header, resp.Body)
	r.URL = final.String()
	r.Redirected = final.String() != target.String()
	if sameOrigin(final, u.base) {
		r.Type = cache.TypeBasic
	} else {
		r.Type = cache.TypeCORS
	}

	u.log.Debug("upstream response",
		logger.String("url", target.String()),
		logger.Int("status", resp.StatusCode),
		logger.Bool("redirected", r.Redirected),
		logger.Duration("elapsed", time.Since(start)))
	return r, nil
}

// Target maps a request URL onto the upstream origin, keeping path and query.
func (u *Upstream) Target(in *url.URL) *url.URL {
	t := *u.base
	t.Path = singleJoiningSlash(u.base.Path, in.Path)
	t.RawPath = ""
	t.RawQuery = in.RawQuery
	t.Fragment = ""
	return &t
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for sf := range strings.SplitSeq(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func networkError(err error, target *url.URL) error {
	return errors.New(err).
		Component("fetch").
		Category(errors.CategoryNetwork).
		Context("url", target.String()).
		Build()
}
