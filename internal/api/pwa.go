package api

import (
	"embed"
	"net/http"

	"github.com/labstack/echo/v4"
)

//go:embed static/client.js
var staticFS embed.FS

// initClientRoutes registers window registration and the page-side script.
// The script has a fixed name, so it is always revalidated.
func (s *Server) initClientRoutes(g *echo.Group) {
	g.GET("/client.js", func(c echo.Context) error {
		return handleStaticFile(c, "static/client.js", "text/javascript; charset=utf-8")
	})

	if s.hub != nil {
		g.GET("/clients/ws", echo.WrapHandler(s.hub))
	}
}

// handleStaticFile serves an embedded file with no-cache headers.
func handleStaticFile(c echo.Context, name, contentType string) error {
	data, err := staticFS.ReadFile(name)
	if err != nil {
		return errorJSON(c, http.StatusNotFound, "File not found")
	}
	c.Response().Header().Set("Cache-Control", "no-cache")
	return c.Blob(http.StatusOK, contentType, data)
}
