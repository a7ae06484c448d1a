package user

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the caller identity route at /user/me
func RegisterRoutes(g *echo.Group, handler *Handler) {
	g.GET("/me", handler.GetCurrentUser)
}
