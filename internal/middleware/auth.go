package middleware

import (
	"github.com/labstack/echo/v4"

	authpkg "github.com/lissto-dev/imagewatch/pkg/auth"
	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/response"
)

// APIKeyHeader carries the caller's API key
const APIKeyHeader = "X-API-Key"

// User represents an authenticated caller
type User struct {
	Name string       `json:"name"`
	Role authpkg.Role `json:"-"`
}

// APIKeyMiddleware validates API keys and stores the caller in the context
func APIKeyMiddleware(apiKeys []config.APIKey) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			// Get API key from header
			apiKey := c.Request().Header.Get(APIKeyHeader)
			if apiKey == "" {
				logging.LogDenied("missing_api_key", "", c.Path())
				return response.Unauthorized(c, "API key required")
			}

			keyData, found := config.FindAPIKeyByKey(apiKeys, apiKey)
			if !found {
				logging.LogDenied("invalid_api_key", "", c.Path())
				return response.Unauthorized(c, "Invalid API key")
			}

			role, _ := authpkg.ParseRole(keyData.Role)
			c.Set("user", &User{Name: keyData.Name, Role: role})

			return next(c)
		}
	}
}

// RequireRole middleware checks if user has sufficient role permissions
func RequireRole(requiredRole authpkg.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if err := CheckRolePermission(c, requiredRole); err != nil {
				return err
			}
			if c.Response().Committed {
				return nil
			}
			return next(c)
		}
	}
}

// GetUserFromContext extracts user from Echo context
func GetUserFromContext(c echo.Context) (*User, bool) {
	user, ok := c.Get("user").(*User)
	return user, ok && user != nil
}

// CheckRolePermission writes a 401 or 403 response when the caller lacks requiredRole
func CheckRolePermission(c echo.Context, requiredRole authpkg.Role) error {
	user, exists := GetUserFromContext(c)
	if !exists {
		return response.Unauthorized(c, "User not authenticated")
	}

	if !user.Role.HasPermission(requiredRole) {
		logging.LogDenied("insufficient_role", user.Name, c.Path())
		return response.Forbidden(c, "Insufficient permissions. Required: "+requiredRole.String())
	}

	return nil
}
