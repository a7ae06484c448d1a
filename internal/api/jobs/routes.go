package jobs

import (
	"github.com/labstack/echo/v4"

	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/auth"
)

// RegisterRoutes registers job routes
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.POST("/:type/start", handler.StartJob, middleware.RequireRole(auth.Operator))
	g.GET("/latest", handler.GetLatest)
	g.GET("/runs", handler.ListRuns)
}
