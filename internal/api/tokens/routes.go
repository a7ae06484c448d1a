package tokens

import (
	"github.com/labstack/echo/v4"

	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/auth"
)

// RegisterRoutes registers repository token routes. Tokens are admin-only.
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.Use(middleware.RequireRole(auth.Admin))
	g.PUT("", handler.Upsert)
	g.DELETE("", handler.Delete)
}
