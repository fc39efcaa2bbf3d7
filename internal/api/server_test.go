package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilhome/vigil-agent/internal/agent"
	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/cache/memstore"
	"github.com/vigilhome/vigil-agent/internal/clients"
	"github.com/vigilhome/vigil-agent/internal/fetch"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/notification"
	"github.com/vigilhome/vigil-agent/internal/observability/metrics"
	"github.com/vigilhome/vigil-agent/internal/push"
	"github.com/vigilhome/vigil-agent/internal/router"
)

const testOrigin = "http://vigil.test"

var testGeneration = cache.Generation{ID: "vigil-pwa-v3", Manifest: []string{"/", "/index.html", "/app.js"}}

// upstream is the application server behind the agent.
type upstream struct {
	srv   *httptest.Server
	shell atomic.Value

	mu       sync.Mutex
	apiCalls []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.shell.Store("shell v3")
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/"):
			u.mu.Lock()
			u.apiCalls = append(u.apiCalls, r.Method+" "+r.URL.Path)
			u.mu.Unlock()
			body, _ := io.ReadAll(r.Body)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
		case r.URL.Path == "/app.js":
			w.Header().Set("Content-Type", "text/javascript")
			_, _ = io.WriteString(w, "console.log('vigil')")
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, u.shell.Load().(string))
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.apiCalls...)
}

type fixture struct {
	server   *Server
	agent    *agent.Agent
	manager  *cache.Manager
	notes    *notification.Service
	hub      *clients.Hub
	upstream *upstream
}

type fixtureOptions struct {
	withoutNotifications bool
	pushRateLimit        int
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelError, nil)
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	up := newUpstream(t)
	base, err := url.Parse(up.srv.URL)
	require.NoError(t, err)

	reg := metrics.New()
	fetcher := fetch.New(base, nil, 5*time.Second, log)
	m := cache.NewManager(memstore.New(), fetcher, origin, log)
	r := router.New(router.Config{Origin: origin, APIPrefix: "/api"}, m, fetcher, log, router.WithRecorder(reg))
	hub := clients.NewHub(log)
	notes := notification.NewService(&notification.ServiceConfig{Broadcaster: hub, Logger: log})
	p := push.NewAgent(push.Config{Icon: "/icons/icon-192.png"}, notes, hub, log)
	a := agent.New(agent.Config{Generation: testGeneration, InstallRetry: 10 * time.Millisecond}, m, r, p, hub, log)

	serverOpts := []Option{WithHub(hub), WithMetrics(reg.Handler())}
	if !opts.withoutNotifications {
		serverOpts = append(serverOpts, WithNotifications(notes))
	}
	srv := New(Config{Upstream: base, PushRateLimit: opts.pushRateLimit}, a, m, log, serverOpts...)

	t.Cleanup(func() {
		a.Stop()
		hub.Close()
		notes.Wait()
	})
	return &fixture{server: srv, agent: a, manager: m, notes: notes, hub: hub, upstream: up}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.agent.Start(t.Context()))
}

func (f *fixture) do(t *testing.T, method, target, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, testOrigin+target, r)
	for k, vv := range header {
		req.Header[k] = vv
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

var (
	navigate = http.Header{"Sec-Fetch-Mode": []string{"navigate"}, "Accept": []string{"text/html"}}
	jsonBody = http.Header{"Content-Type": []string{"application/json"}}
)

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHandleFetch_AssetServedFromCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.start(t)
	f.upstream.srv.Close()

	rec := f.do(t, http.MethodGet, "/app.js", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get(HeaderAgent))
	assert.Equal(t, "console.log('vigil')", rec.Body.String())
}

func TestHandleFetch_NavigationRefreshesShell(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.start(t)
	f.upstream.shell.Store("shell v3.1")

	rec := f.do(t, http.MethodGet, "/", "", navigate)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "network", rec.Header().Get(HeaderAgent))
	assert.Equal(t, "shell v3.1", rec.Body.String())

	// The refresh is complete once the handler has returned.
	resp, ok := f.manager.Lookup(t.Context(), "GET "+testOrigin+"/")
	require.True(t, ok)
	body, err := resp.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "shell v3.1", string(body))
}

func TestHandleFetch_OfflineNavigationUsesShell(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.start(t)
	f.upstream.srv.Close()

	rec := f.do(t, http.MethodGet, "/alerts/42", "", navigate)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cache", rec.Header().Get(HeaderAgent))
	assert.Equal(t, "shell v3", rec.Body.String())
}

func TestHandleFetch_NetworkErrorWithoutCache(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.upstream.srv.Close()

	tests := []struct {
		name   string
		target string
		header http.Header
	}{
		{"asset", "/app.js", nil},
		{"navigation", "/", navigate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, "", tt.header)
			assert.Equal(t, http.StatusBadGateway, rec.Code)
			assert.Equal(t, agentNetworkError, rec.Header().Get(HeaderAgent))
		})
	}
}

func TestHandleFetch_DeclinedRequestsPassThrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.start(t)

	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"api prefix", http.MethodGet, "/api/status", ""},
		{"non-GET", http.MethodPost, "/api/alerts", `{"id":7}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.target, tt.body, jsonBody)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, agentPassthrough, rec.Header().Get(HeaderAgent))
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
	assert.Equal(t, []string{"GET /api/status", "POST /api/alerts"}, f.upstream.calls())

	_, cached := f.manager.Lookup(t.Context(), "GET "+testOrigin+"/api/status")
	assert.False(t, cached, "declined requests are never cached")
}

func TestHandleFetch_PassthroughUpstreamDown(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.upstream.srv.Close()

	rec := f.do(t, http.MethodPost, "/api/alerts", `{}`, jsonBody)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, agentNetworkError, rec.Header().Get(HeaderAgent))
}

func TestHandlePush_ShowsNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/agent/push", `{"title":"Smoke detected","body":"Kitchen","url":"/alerts/1"}`, jsonBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	n := decode[push.Notification](t, rec)
	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "Smoke detected", n.Title)
	assert.Equal(t, "Kitchen", n.Body)
	assert.Equal(t, "/alerts/1", n.Data.URL)
	assert.Equal(t, "/icons/icon-192.png", n.Icon)

	listed := decode[struct {
		Notifications []push.Notification `json:"notifications"`
		Count         int                 `json:"count"`
	}](t, f.do(t, http.MethodGet, "/agent/notifications", "", nil))
	assert.Equal(t, 1, listed.Count)
	require.Len(t, listed.Notifications, 1)
	assert.Equal(t, n.ID, listed.Notifications[0].ID)

	got := f.do(t, http.MethodGet, "/agent/notifications/"+n.ID, "", nil)
	assert.Equal(t, http.StatusOK, got.Code)
	assert.Equal(t, n.ID, decode[push.Notification](t, got).ID)
}

func TestHandlePush_MalformedPayloadUsesDefaults(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/agent/push", `not json`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	n := decode[push.Notification](t, rec)
	assert.Equal(t, push.DefaultTitle, n.Title)
	assert.Equal(t, push.DefaultURL, n.Data.URL)
}

func TestHandlePush_RateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{pushRateLimit: 2})

	for range 2 {
		assert.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/agent/push", `{}`, jsonBody).Code)
	}
	rec := f.do(t, http.MethodPost, "/agent/push", `{}`, jsonBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Len(t, f.notes.List(), 2)
}

func TestClickNotification_OpensWindowWhenNoneConnected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	n := decode[push.Notification](t, f.do(t, http.MethodPost, "/agent/push", `{"url":"/alerts/9"}`, jsonBody))

	rec := f.do(t, http.MethodPost, "/agent/notifications/"+n.ID+"/click", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(push.ClickOpened), decode[map[string]string](t, rec)["outcome"])
	assert.Equal(t, 1, f.hub.PendingIntents())

	// The click dismissed the notification.
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/agent/notifications/"+n.ID, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/agent/notifications/"+n.ID+"/click", "", nil).Code)
}

func TestDeleteNotification(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	n := decode[push.Notification](t, f.do(t, http.MethodPost, "/agent/push", `{"title":"Door opened"}`, jsonBody))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/agent/notifications/"+n.ID, "", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/agent/notifications/"+n.ID, "", nil).Code)
	assert.Empty(t, f.notes.List())
}

func TestNotificationRoutes_Unavailable(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{withoutNotifications: true})

	tests := []struct {
		method string
		target string
	}{
		{http.MethodGet, "/agent/notifications"},
		{http.MethodGet, "/agent/notifications/abc"},
		{http.MethodPost, "/agent/notifications/abc/click"},
		{http.MethodDelete, "/agent/notifications/abc"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.target, "", nil)
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		})
	}
}

func TestGetReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodGet, "/agent/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, decode[map[string]any](t, rec)["ready"])

	f.start(t)
	rec = f.do(t, http.MethodGet, "/agent/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, true, body["ready"])
	assert.Equal(t, "vigil-pwa-v3", body["active"])
}

func TestLifecycleRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodPost, "/agent/lifecycle/activate", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "nothing installed yet")

	rec = f.do(t, http.MethodPost, "/agent/lifecycle/install", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "vigil-pwa-v3", decode[map[string]string](t, rec)["pending"])

	rec = f.do(t, http.MethodPost, "/agent/lifecycle/activate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vigil-pwa-v3", decode[map[string]string](t, rec)["active"])

	rec = f.do(t, http.MethodPost, "/agent/lifecycle/install", `{"id":"vigil-pwa-v4","manifest":["/"]}`, jsonBody)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[map[string]string](t, rec)
	assert.Equal(t, "vigil-pwa-v4", status["pending"])
	assert.Equal(t, "vigil-pwa-v3", status["active"])

	gens := decode[struct {
		Generations []string `json:"generations"`
		Active      string   `json:"active"`
		Pending     string   `json:"pending"`
	}](t, f.do(t, http.MethodGet, "/agent/generations", "", nil))
	assert.ElementsMatch(t, []string{"vigil-pwa-v3", "vigil-pwa-v4"}, gens.Generations)
	assert.Equal(t, "vigil-pwa-v3", gens.Active)
	assert.Equal(t, "vigil-pwa-v4", gens.Pending)

	rec = f.do(t, http.MethodPost, "/agent/lifecycle/activate", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "vigil-pwa-v4", f.manager.Active())
	assert.Equal(t, "vigil-pwa-v4", f.agent.Generation().ID)
}

func TestInstallGeneration_Rejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed body", `{"id":`, http.StatusBadRequest},
		{"empty manifest", `{"id":"vigil-pwa-v5","manifest":[]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/agent/lifecycle/install", tt.body, jsonBody)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Empty(t, f.manager.Pending())
}

func TestClientScript(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})

	rec := f.do(t, http.MethodGet, "/agent/client.js", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.Contains(t, rec.Body.String(), "/agent/clients/ws")
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	f.start(t)
	f.do(t, http.MethodGet, "/app.js", "", nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `vigil_agent_routes_total{source="cache",strategy="asset"} 1`)
}

func TestClientsWebSocket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixtureOptions{})
	ts := httptest.NewServer(f.server)
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/agent/clients/ws?url=/alerts&focused=true"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	windows := f.hub.Windows(true)
	require.Len(t, windows, 1)
	assert.Equal(t, "/alerts", windows[0].URL())
}
