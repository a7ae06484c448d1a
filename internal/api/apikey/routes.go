package apikey

import (
	"github.com/labstack/echo/v4"

	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/auth"
)

// RegisterRoutes registers API key management routes
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.POST("/_internal/api-keys", handler.CreateAPIKey, middleware.RequireRole(auth.Admin))
}
