package middleware

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/logging"
)

// LoggerMiddleware logs every request through the structured logger
func LoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				logging.Logger.Warn("request", append(fields, zap.Error(v.Error))...)
				return nil
			}
			logging.Logger.Info("request", fields...)
			return nil
		},
	})
}

// RecoverMiddleware provides panic recovery
func RecoverMiddleware() echo.MiddlewareFunc {
	return middleware.Recover()
}
