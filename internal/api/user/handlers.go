package user

import (
	"github.com/labstack/echo/v4"

	"github.com/lissto-dev/imagewatch/internal/api/common"
	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/response"
)

// Handler handles user-related HTTP requests
type Handler struct{}

// NewHandler creates a new user handler
func NewHandler() *Handler {
	return &Handler{}
}

// GetCurrentUser handles GET /user/me
func (h *Handler) GetCurrentUser(c echo.Context) error {
	user, ok := middleware.GetUserFromContext(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	return response.OK(c, "", common.UserInfoResponse{
		Name: user.Name,
		Role: user.Role.String(),
	})
}
