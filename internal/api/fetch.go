package api

import (
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/router"
)

// Values of HeaderAgent.
const (
	agentNetworkError = "network-error"
	agentPassthrough  = "passthrough"
)

// HandleFetch answers a page request as a fetch event. Declined requests are
// forwarded to the upstream unchanged. Deferred cache writes finish before
// the handler returns, after the response has been flushed.
func (s *Server) HandleFetch(ctx echo.Context) error {
	req := ctx.Request()
	res, task := s.agent.Fetch(req.Context(), req)

	if err := task.Err(); err != nil {
		if errors.Is(err, router.ErrNetwork) {
			ctx.Response().Header().Set(HeaderAgent, agentNetworkError)
			return ctx.String(http.StatusBadGateway, "network unavailable")
		}
		s.log.Error("fetch event failed",
			logger.String("method", req.Method),
			logger.String("url", req.URL.String()),
			logger.Error(err))
		return errorJSON(ctx, http.StatusInternalServerError, "Failed to route request")
	}

	if res == nil || res.Strategy == router.StrategyIgnore {
		ctx.Response().Header().Set(HeaderAgent, agentPassthrough)
		s.proxy.ServeHTTP(ctx.Response(), req)
		return nil
	}

	ctx.Response().Header().Set(HeaderAgent, string(res.Source))
	if _, err := res.Response.Respond(ctx.Response()); err != nil {
		s.log.Debug("response write interrupted",
			logger.String("url", req.URL.String()),
			logger.Error(err))
	}
	ctx.Response().Flush()

	if err := task.Wait(); err != nil {
		s.log.Debug("deferred cache work failed",
			logger.String("url", req.URL.String()),
			logger.Error(err))
	}
	return nil
}

// newUpstreamProxy forwards declined requests to upstream. Without an
// upstream every declined request gets 502.
func newUpstreamProxy(upstream *url.URL, log logger.Logger) http.Handler {
	if upstream == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set(HeaderAgent, agentNetworkError)
			http.Error(w, "no upstream configured", http.StatusBadGateway)
		})
	}
	return &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(upstream)
			r.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Debug("passthrough request failed",
				logger.String("method", r.Method),
				logger.String("url", r.URL.String()),
				logger.Error(err))
			w.Header().Set(HeaderAgent, agentNetworkError)
			http.Error(w, "network unavailable", http.StatusBadGateway)
		},
	}
}
