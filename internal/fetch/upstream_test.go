package fetch

import (
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

func newTestUpstream(t *testing.T) (*Upstream, *httpmock.MockTransport) {
	t.Helper()
	base, err := url.Parse("http://upstream.test")
	require.NoError(t, err)
	mt := httpmock.NewMockTransport()
	return New(base, mt, 0, logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)), mt
}

func agentRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, "http://vigil.test"+path, http.NoBody)
	require.NoError(t, err)
	return req
}

func TestFetch_BasicResponse(t *testing.T) {
	t.Parallel()
	u, mt := newTestUpstream(t)
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/assets/app.js?v=2",
		httpmock.NewStringResponder(http.StatusOK, "console.log(1)").
			HeaderSet(http.Header{"Content-Type": []string{"text/javascript"}, "Keep-Alive": []string{"timeout=5"}}))

	resp, err := u.Fetch(t.Context(), agentRequest(t, "/assets/app.js?v=2"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, cache.TypeBasic, resp.Type)
	assert.False(t, resp.Redirected)
	assert.True(t, resp.Eligible())
	assert.Equal(t, "text/javascript", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get("Keep-Alive"), "hop-by-hop headers are stripped")

	body, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", string(body))
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestFetch_RedirectIsMarked(t *testing.T) {
	t.Parallel()
	u, mt := newTestUpstream(t)
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/old.js", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", "/new.js")
		return resp, nil
	})
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/new.js", httpmock.NewStringResponder(http.StatusOK, "new"))

	resp, err := u.Fetch(t.Context(), agentRequest(t, "/old.js"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.True(t, resp.Redirected)
	assert.False(t, resp.Eligible())
	assert.Equal(t, "http://upstream.test/new.js", resp.URL)
}

func TestFetch_CrossOriginRedirectIsCORS(t *testing.T) {
	t.Parallel()
	u, mt := newTestUpstream(t)
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/cdn.js", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusMovedPermanently, "")
		resp.Header.Set("Location", "http://cdn.test/lib.js")
		return resp, nil
	})
	mt.RegisterResponder(http.MethodGet, "http://cdn.test/lib.js", httpmock.NewStringResponder(http.StatusOK, "lib"))

	resp, err := u.Fetch(t.Context(), agentRequest(t, "/cdn.js"))
	require.NoError(t, err)
	assert.Equal(t, cache.TypeCORS, resp.Type)
	assert.False(t, resp.Eligible())
}

func TestFetch_NavigationKeepsRedirect(t *testing.T) {
	t.Parallel()
	u, mt := newTestUpstream(t)
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/login", func(req *http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusFound, "")
		resp.Header.Set("Location", "/dashboard")
		return resp, nil
	})

	req := agentRequest(t, "/login")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	resp, err := u.Fetch(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.Status)
	assert.Equal(t, "/dashboard", resp.Header.Get("Location"))
	assert.Equal(t, 1, mt.GetTotalCallCount())
}

func TestFetch_TransportError(t *testing.T) {
	t.Parallel()
	u, mt := newTestUpstream(t)
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/", httpmock.NewErrorResponder(errors.NewStd("connection refused")))

	_, err := u.Fetch(t.Context(), agentRequest(t, "/"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryNetwork))
}

func TestFetch_ForwardsEndToEndHeaders(t *testing.T) {
	t.Parallel()
	u, mt := newTestUpstream(t)
	mt.RegisterResponder(http.MethodGet, "http://upstream.test/api/me", func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "Bearer token", req.Header.Get("Authorization"))
		assert.Empty(t, req.Header.Get("X-Drop"))
		assert.Empty(t, req.Header.Get("Connection"))
		return httpmock.NewStringResponse(http.StatusOK, "{}"), nil
	})

	req := agentRequest(t, "/api/me")
	req.Header.Set("Authorization", "Bearer token")
	req.Header.Set("Connection", "X-Drop")
	req.Header.Set("X-Drop", "1")
	resp, err := u.Fetch(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
}

func TestTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		base string
		in   string
		want string
	}{
		{"root", "http://upstream.test", "http://vigil.test/", "http://upstream.test/"},
		{"query kept", "http://upstream.test", "http://vigil.test/a.js?x=1", "http://upstream.test/a.js?x=1"},
		{"base path", "http://upstream.test/app/", "http://vigil.test/index.html", "http://upstream.test/app/index.html"},
		{"fragment dropped", "http://upstream.test", "http://vigil.test/#top", "http://upstream.test/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base, err := url.Parse(tt.base)
			require.NoError(t, err)
			in, err := url.Parse(tt.in)
			require.NoError(t, err)
			u := New(base, nil, 0, nil)
			assert.Equal(t, tt.want, u.Target(in).String())
		})
	}
}
