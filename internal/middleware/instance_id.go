package middleware

import (
	"github.com/labstack/echo/v4"
)

// InstanceIDMiddleware adds the X-Imagewatch-Instance header so clients can
// tell which process served them
func InstanceIDMiddleware(instanceID string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Imagewatch-Instance", instanceID)
			return next(c)
		}
	}
}
