package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vigilhome/vigil-agent/internal/cache"
	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// initLifecycleRoutes registers readiness and generation endpoints.
func (s *Server) initLifecycleRoutes(g *echo.Group) {
	g.GET("/ready", s.GetReady)
	g.GET("/generations", s.GetGenerations)

	lifecycle := g.Group("/lifecycle")
	lifecycle.POST("/install", s.InstallGeneration)
	lifecycle.POST("/activate", s.ActivateGeneration)
}

// GetReady answers 200 once a generation is active and 503 before.
func (s *Server) GetReady(ctx echo.Context) error {
	status := http.StatusOK
	if !s.agent.Ready() {
		status = http.StatusServiceUnavailable
	}
	return ctx.JSON(status, map[string]any{
		"ready":      status == http.StatusOK,
		"active":     s.cache.Active(),
		"generation": s.agent.Generation().ID,
	})
}

// GetGenerations lists the stored generations and which one is active.
func (s *Server) GetGenerations(ctx echo.Context) error {
	names, err := s.cache.Generations(ctx.Request().Context())
	if err != nil {
		s.log.Error("failed to list generations", logger.Error(err))
		return errorJSON(ctx, http.StatusInternalServerError, "Failed to list generations")
	}
	return ctx.JSON(http.StatusOK, map[string]any{
		"generations": names,
		"active":      s.cache.Active(),
		"pending":     s.cache.Pending(),
	})
}

// InstallGeneration installs the generation in the body, or the configured
// one when the body is empty. The active generation keeps serving.
func (s *Server) InstallGeneration(ctx echo.Context) error {
	gen := s.agent.Generation()
	if ctx.Request().ContentLength != 0 {
		var body cache.Generation
		if err := ctx.Bind(&body); err != nil {
			return errorJSON(ctx, http.StatusBadRequest, "Invalid generation")
		}
		if body.ID != "" {
			gen = body
		}
	}
	if gen.ID == "" {
		return errorJSON(ctx, http.StatusBadRequest, "Generation ID is required")
	}

	if err := s.agent.Install(ctx.Request().Context(), gen); err != nil {
		s.log.Warn("install failed",
			logger.String("generation", gen.ID),
			logger.Error(err))
		return errorJSON(ctx, installStatus(err), "Failed to install generation")
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"pending": s.cache.Pending(),
		"active":  s.cache.Active(),
	})
}

// ActivateGeneration promotes the installed generation.
func (s *Server) ActivateGeneration(ctx echo.Context) error {
	if err := s.agent.Activate(ctx.Request().Context()); err != nil {
		if errors.Is(err, cache.ErrNoGeneration) {
			return errorJSON(ctx, http.StatusConflict, "No generation installed")
		}
		s.log.Error("activation failed", logger.Error(err))
		return errorJSON(ctx, http.StatusInternalServerError, "Failed to activate generation")
	}
	return ctx.JSON(http.StatusOK, map[string]string{
		"active": s.cache.Active(),
	})
}

func installStatus(err error) int {
	if errors.Is(err, cache.ErrInvalidGeneration) || errors.IsCategory(err, errors.CategoryValidation) {
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
