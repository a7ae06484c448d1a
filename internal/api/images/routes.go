package images

import (
	"github.com/labstack/echo/v4"

	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/auth"
)

// RegisterRoutes registers image routes
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.GET("/latest", handler.GetLatest)
	g.POST("/upgraded", handler.MarkUpgraded, middleware.RequireRole(auth.Operator))
}
