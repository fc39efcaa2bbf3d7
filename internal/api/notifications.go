package api

import (
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/vigilhome/vigil-agent/internal/agent"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
	"github.com/vigilhome/vigil-agent/internal/notification"
	"github.com/vigilhome/vigil-agent/internal/push"
)

const rateLimitWindow = 1 * time.Minute

// initPushRoutes registers the push delivery endpoint.
func (s *Server) initPushRoutes(g *echo.Group) {
	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(float64(s.cfg.PushRateLimit) / rateLimitWindow.Seconds()),
				Burst:     s.cfg.PushRateLimit,
				ExpiresIn: rateLimitWindow,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, _ error) error {
			return errorJSON(ctx, http.StatusForbidden, "Unable to identify client")
		},
		DenyHandler: func(ctx echo.Context, _ string, _ error) error {
			return errorJSON(ctx, http.StatusTooManyRequests, "Too many push messages. Please try again later.")
		},
	}

	g.POST("/push", s.HandlePush,
		middleware.BodyLimit(maxPushBody),
		middleware.RateLimiterWithConfig(rateLimiterConfig))
}

// initNotificationRoutes registers the live notification endpoints.
func (s *Server) initNotificationRoutes(g *echo.Group) {
	notifications := g.Group("/notifications")
	notifications.GET("", s.GetNotifications)
	notifications.GET("/:id", s.GetNotification)
	notifications.POST("/:id/click", s.ClickNotification)
	notifications.DELETE("/:id", s.DeleteNotification)
}

// HandlePush dispatches the request body as a push event and returns the
// notification it produced.
func (s *Server) HandlePush(ctx echo.Context) error {
	data, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return errorJSON(ctx, http.StatusBadRequest, "Failed to read push payload")
	}

	task := s.agent.Dispatch(ctx.Request().Context(), &agent.Event{Kind: agent.KindPush, Data: data})
	if err := task.Wait(); err != nil {
		s.log.Error("push event failed", logger.Error(err))
		return errorJSON(ctx, http.StatusBadGateway, "Failed to show notification")
	}

	n, _ := task.Result().(*push.Notification)
	return ctx.JSON(http.StatusCreated, n)
}

// GetNotifications lists live notifications, newest first.
func (s *Server) GetNotifications(ctx echo.Context) error {
	if s.notifications == nil {
		return errorJSON(ctx, http.StatusServiceUnavailable, "Notification service not available")
	}
	list := s.notifications.List()
	return ctx.JSON(http.StatusOK, map[string]any{
		"notifications": list,
		"count":         len(list),
	})
}

// GetNotification returns a single live notification.
func (s *Server) GetNotification(ctx echo.Context) error {
	n, status, msg := s.lookupNotification(ctx)
	if n == nil {
		return errorJSON(ctx, status, msg)
	}
	return ctx.JSON(http.StatusOK, n)
}

// ClickNotification dispatches a click on a live notification.
func (s *Server) ClickNotification(ctx echo.Context) error {
	n, status, msg := s.lookupNotification(ctx)
	if n == nil {
		return errorJSON(ctx, status, msg)
	}

	task := s.agent.Dispatch(ctx.Request().Context(), &agent.Event{Kind: agent.KindNotificationClick, Notification: n})
	if err := task.Wait(); err != nil {
		s.log.Warn("notification click failed",
			logger.String("id", n.ID),
			logger.Error(err))
		return errorJSON(ctx, http.StatusBadGateway, "Failed to handle notification click")
	}

	outcome, _ := task.Result().(push.ClickOutcome)
	return ctx.JSON(http.StatusOK, map[string]string{
		"id":      n.ID,
		"outcome": string(outcome),
	})
}

// DeleteNotification dismisses a live notification.
func (s *Server) DeleteNotification(ctx echo.Context) error {
	if s.notifications == nil {
		return errorJSON(ctx, http.StatusServiceUnavailable, "Notification service not available")
	}
	id := ctx.Param("id")
	if err := s.notifications.Close(ctx.Request().Context(), id); err != nil {
		if errors.Is(err, notification.ErrNotificationNotFound) {
			return errorJSON(ctx, http.StatusNotFound, "Notification not found")
		}
		s.log.Error("failed to close notification",
			logger.String("id", id),
			logger.Error(err))
		return errorJSON(ctx, http.StatusInternalServerError, "Failed to close notification")
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"message": "Notification closed",
	})
}

func (s *Server) lookupNotification(ctx echo.Context) (n *push.Notification, status int, msg string) {
	if s.notifications == nil {
		return nil, http.StatusServiceUnavailable, "Notification service not available"
	}
	n, err := s.notifications.Get(ctx.Param("id"))
	if err != nil {
		if errors.Is(err, notification.ErrNotificationNotFound) {
			return nil, http.StatusNotFound, "Notification not found"
		}
		return nil, http.StatusInternalServerError, "Failed to retrieve notification"
	}
	return n, http.StatusOK, ""
}
