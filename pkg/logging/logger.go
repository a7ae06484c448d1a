package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide structured logger. It is a no-op logger until
// InitLogger is called so packages can log safely from tests.
var Logger = zap.NewNop()

// InitLogger initializes the structured logger
func InitLogger(level string, format string) error {
	var config zap.Config

	if format == "json" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
	}

	// Set log level
	switch level {
	case "debug":
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "info":
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn":
		config.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		config.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	// Disable caller and stack trace for cleaner logs
	config.DisableCaller = true
	config.DisableStacktrace = true

	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger

	return nil
}

// LogDenied logs a denied API request with minimal structured data
func LogDenied(reason, user, endpoint string) {
	Logger.Info("denied",
		zap.String("reason", reason),
		zap.String("user", user),
		zap.String("endpoint", endpoint),
	)
}

// LogUpstreamError logs a failed registry call with enough context to
// diagnose it without reproducing the request.
func LogUpstreamError(provider, image, tag, registry string, status int, err error) {
	Logger.Warn("Upstream registry call failed",
		zap.String("provider", provider),
		zap.String("image", image),
		zap.String("tag", tag),
		zap.String("registry", registry),
		zap.Int("status", status),
		zap.Error(err),
	)
}
