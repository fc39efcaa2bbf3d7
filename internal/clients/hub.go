// Package clients tracks the pages connected to the agent over websockets
// and lets the push agent focus, navigate and open them.
package clients

import (
	"cmp"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/push"
)

// LaunchIntentTTL bounds how long an OpenWindow request waits for a page
// to connect and adopt it.
const LaunchIntentTTL = 2 * time.Minute

// Recorder observes the connected client count.
type Recorder interface {
	SetConnectedClients(n int)
}

type nopRecorder struct{}

func (nopRecorder) SetConnectedClients(int) {}

// Option configures a Hub.
type Option func(*Hub)

// WithRecorder reports client counts to r.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// WithClock overrides the hub's time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

type launchIntent struct {
	url string
	at  time.Time
}

// Hub is the registry of connected pages. It serves the websocket
// endpoint and implements push.Clients and push.WindowOpener.
type Hub struct {
	log      logger.Logger
	recorder Recorder
	now      func() time.Time
	upgrader websocket.Upgrader
	seq      atomic.Uint64
	wg       sync.WaitGroup

	mu      sync.RWMutex
	clients map[string]*WindowClient
	intents []launchIntent
	closed  bool
}

var (
	_ push.Clients      = (*Hub)(nil)
	_ push.WindowOpener = (*Hub)(nil)
)

// NewHub creates an empty hub.
func NewHub(log logger.Logger, opts ...Option) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	h := &Hub{
		log:      log.Module("clients"),
		recorder: nopRecorder{},
		now:      time.Now,
		clients:  make(map[string]*WindowClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// sameOrigin accepts requests without an Origin header and those whose
// Origin host matches the request host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// ServeHTTP upgrades the request and blocks until the page disconnects.
// The page reports its location with the url query parameter and may
// identify as a launcher with kind=launcher.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logger.Error(err))
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind != KindLauncher {
		kind = KindWindow
	}
	c := &WindowClient{
		id:          uuid.NewString(),
		kind:        kind,
		hub:         h,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		connectedAt: h.now(),
		url:         r.URL.Query().Get("url"),
		acks:        make(map[uint64]chan Message),
	}
	if r.URL.Query().Get("focused") == "true" {
		c.focusedAt = c.connectedAt
	}

	if !h.register(c) {
		_ = conn.Close()
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()

	h.adoptIntent(c)
	c.readPump()

	c.close()
	h.unregister(c)
}

func (h *Hub) register(c *WindowClient) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.recorder.SetConnectedClients(n)
	h.log.Info("client connected",
		logger.String("client_id", c.id),
		logger.String("kind", c.kind),
		logger.String("url", c.URL()))
	return true
}

func (h *Hub) unregister(c *WindowClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	n := len(h.clients)
	h.mu.Unlock()

	h.recorder.SetConnectedClients(n)
	h.log.Info("client disconnected", logger.String("client_id", c.id))
}

// adoptIntent points a newly connected window at the oldest unexpired
// launch intent, if any.
func (h *Hub) adoptIntent(c *WindowClient) {
	if c.kind != KindWindow {
		return
	}
	h.mu.Lock()
	h.pruneIntents()
	if len(h.intents) == 0 {
		h.mu.Unlock()
		return
	}
	intent := h.intents[0]
	h.intents = h.intents[1:]
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := c.Navigate(ctx, intent.url); err != nil {
			h.log.Warn("launched window did not navigate",
				logger.String("client_id", c.id),
				logger.String("url", intent.url),
				logger.Error(err))
		}
	}()
}

// pruneIntents drops expired intents. Callers hold h.mu.
func (h *Hub) pruneIntents() {
	cutoff := h.now().Add(-LaunchIntentTTL)
	h.intents = slices.DeleteFunc(h.intents, func(i launchIntent) bool {
		return i.at.Before(cutoff)
	})
}

// MatchAll returns connected windows, most recently focused first.
func (h *Hub) MatchAll(ctx context.Context, opts push.MatchOptions) ([]push.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	windows := h.windows(opts.IncludeUncontrolled)

	out := make([]push.Client, len(windows))
	for i, w := range windows {
		out[i] = w
	}
	return out, nil
}

// Windows is MatchAll with concrete types.
func (h *Hub) Windows(includeUncontrolled bool) []*WindowClient {
	return h.windows(includeUncontrolled)
}

func (h *Hub) windows(includeUncontrolled bool) []*WindowClient {
	h.mu.RLock()
	windows := make([]*WindowClient, 0, len(h.clients))
	for _, c := range h.clients {
		if c.kind != KindWindow {
			continue
		}
		if !includeUncontrolled && !c.Controlled() {
			continue
		}
		windows = append(windows, c)
	}
	h.mu.RUnlock()

	type ordered struct {
		c         *WindowClient
		focusedAt time.Time
	}
	sorted := make([]ordered, len(windows))
	for i, c := range windows {
		c.mu.Lock()
		sorted[i] = ordered{c, c.focusedAt}
		c.mu.Unlock()
	}
	slices.SortStableFunc(sorted, func(a, b ordered) int {
		if n := b.focusedAt.Compare(a.focusedAt); n != 0 {
			return n
		}
		if n := b.c.connectedAt.Compare(a.c.connectedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.c.id, b.c.id)
	})
	for i := range sorted {
		windows[i] = sorted[i].c
	}
	return windows
}

// OpenWindow records a launch intent for url that the next connecting
// window adopts, and asks every launcher to open it. The returned client
// is always nil since the window has not connected yet.
func (h *Hub) OpenWindow(ctx context.Context, target string) (push.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.pruneIntents()
	h.intents = append(h.intents, launchIntent{url: target, at: h.now()})
	launchers := make([]*WindowClient, 0)
	for _, c := range h.clients {
		if c.kind == KindLauncher {
			launchers = append(launchers, c)
		}
	}
	h.mu.Unlock()

	for _, l := range launchers {
		if err := l.enqueue(Message{Type: TypeOpen, URL: target}); err != nil {
			h.log.Debug("launcher unavailable", logger.String("client_id", l.id), logger.Error(err))
		}
	}
	h.log.Info("window open requested",
		logger.String("url", target),
		logger.Int("launchers", len(launchers)))
	return nil, nil
}

// PendingIntents returns the number of unexpired launch intents.
func (h *Hub) PendingIntents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruneIntents()
	return len(h.intents)
}

// Claim marks every connected window as controlled and tells it so.
// It returns the number of windows claimed.
func (h *Hub) Claim() int {
	h.mu.RLock()
	windows := make([]*WindowClient, 0, len(h.clients))
	for _, c := range h.clients {
		if c.kind == KindWindow {
			windows = append(windows, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range windows {
		c.mu.Lock()
		c.controlled = true
		c.mu.Unlock()
		_ = c.enqueue(Message{Type: TypeClaim})
	}
	h.log.Info("clients claimed", logger.Int("count", len(windows)))
	return len(windows)
}

// Broadcast sends an event frame to every connected page.
func (h *Hub) Broadcast(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("broadcast payload not encodable",
			logger.String("event", event),
			logger.Error(err))
		return
	}

	h.mu.RLock()
	targets := make([]*WindowClient, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		_ = c.enqueue(Message{Type: TypeEvent, Event: event, Payload: raw})
	}
}

// Count returns the number of connected pages of any kind.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every page and waits for their writers to exit.
// Later upgrades are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*WindowClient, 0, len(h.clients))
	for _, c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	h.wg.Wait()
}
