// Package api is the agent's HTTP surface: every page request passes through
// the fetch route, and the /agent routes expose push delivery, notifications,
// window registration and the generation lifecycle.
package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/vigilhome/vigil-agent/internal/agent"
	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/clients"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/notification"
)

// HeaderAgent tells the page how the agent answered a routed request.
const HeaderAgent = "X-Vigil-Agent"

const (
	// DefaultPushRateLimit is pushes per minute per remote address.
	DefaultPushRateLimit = 60
	maxPushBody          = "64K"
	shutdownTimeout      = 10 * time.Second
)

// Config holds the HTTP surface settings.
type Config struct {
	// Upstream receives requests the agent declines to handle.
	Upstream *url.URL
	// PushRateLimit is pushes per minute per remote address.
	PushRateLimit int
	// MetricsPath mounts the metrics handler when one is given.
	MetricsPath string
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics mounts h at Config.MetricsPath.
func WithMetrics(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithNotifications enables the notification routes.
func WithNotifications(n *notification.Service) Option {
	return func(s *Server) { s.notifications = n }
}

// WithHub enables window registration.
func WithHub(h *clients.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// Server routes HTTP traffic into the agent.
type Server struct {
	echo          *echo.Echo
	cfg           Config
	agent         *agent.Agent
	cache         *cache.Manager
	notifications *notification.Service
	hub           *clients.Hub
	metrics       http.Handler
	proxy         http.Handler
	log           logger.Logger
}

// New builds the server and registers its routes.
func New(cfg Config, a *agent.Agent, m *cache.Manager, log logger.Logger, opts ...Option) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.PushRateLimit <= 0 {
		cfg.PushRateLimit = DefaultPushRateLimit
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:  e,
		cfg:   cfg,
		agent: a,
		cache: m,
		log:   log.Module("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.proxy = newUpstreamProxy(cfg.Upstream, s.log)

	e.Use(middleware.Recover())
	e.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	g := s.echo.Group("/agent")
	s.initPushRoutes(g)
	s.initNotificationRoutes(g)
	s.initLifecycleRoutes(g)
	s.initClientRoutes(g)

	if s.metrics != nil {
		s.echo.GET(s.cfg.MetricsPath, echo.WrapHandler(s.metrics))
	}

	// Everything else is a page request for the router.
	s.echo.Any("/*", s.HandleFetch)
}

// requestLogger logs each request at debug level through the agent logger.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request",
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.Duration("latency", v.Latency),
				logger.String("remote_ip", v.RemoteIP))
			return nil
		},
	})
}

// ServeHTTP lets the server be mounted in tests and other muxes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("listening", logger.String("addr", addr))
	err := s.echo.Start(addr)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("addr", addr).
			Build()
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}

// errorJSON writes the standard {"error": msg} body.
func errorJSON(ctx echo.Context, status int, msg string) error {
	return ctx.JSON(status, map[string]string{"error": msg})
}
