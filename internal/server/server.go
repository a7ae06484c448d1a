package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/api/apikey"
	"github.com/lissto-dev/imagewatch/internal/api/images"
	"github.com/lissto-dev/imagewatch/internal/api/jobs"
	"github.com/lissto-dev/imagewatch/internal/api/tokens"
	"github.com/lissto-dev/imagewatch/internal/api/user"
	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/metrics"
)

// VersionInfo contains build version information
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"buildTime"`
	GoVersion string `json:"goVersion"`
}

// CustomValidator wraps the validator
type CustomValidator struct {
	validator *validator.Validate
}

// Validate validates the struct
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// Store is everything the API reads from and writes to the database
type Store interface {
	images.StatusStore
	tokens.Store
}

// Registry is the registry manager as seen by the API
type Registry interface {
	images.CacheClearer
}

// Deps are the collaborators served over HTTP
type Deps struct {
	Scheduler jobs.Scheduler
	Store     Store
	Registry  Registry
	// APIKeysFile receives keys created over the API. Empty keeps them in memory.
	APIKeysFile string
}

// Server represents the API server
type Server struct {
	echo        *echo.Echo
	apiKeys     []config.APIKey
	apiKeysMu   sync.RWMutex
	apiKeysFile string
	instanceID  string
	versionInfo *VersionInfo
}

// GetAPIKeys returns a copy of the current API keys
func (s *Server) GetAPIKeys() []config.APIKey {
	s.apiKeysMu.RLock()
	defer s.apiKeysMu.RUnlock()
	keys := make([]config.APIKey, len(s.apiKeys))
	copy(keys, s.apiKeys)
	return keys
}

// UpdateAPIKeys persists keys and replaces the in-memory list
func (s *Server) UpdateAPIKeys(keys []config.APIKey) error {
	s.apiKeysMu.Lock()
	defer s.apiKeysMu.Unlock()
	if s.apiKeysFile != "" {
		if err := config.SaveAPIKeys(s.apiKeysFile, keys); err != nil {
			return err
		}
	}
	s.apiKeys = make([]config.APIKey, len(keys))
	copy(s.apiKeys, keys)
	return nil
}

// New creates the echo instance and registers every route
func New(apiKeys []config.APIKey, deps Deps, instanceID string, versionInfo *VersionInfo) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(middleware.RecoverMiddleware())
	e.Use(middleware.LoggerMiddleware())
	e.Use(middleware.InstanceIDMiddleware(instanceID))

	srv := &Server{
		echo:        e,
		apiKeys:     apiKeys,
		apiKeysFile: deps.APIKeysFile,
		instanceID:  instanceID,
		versionInfo: versionInfo,
	}

	// API routes with authentication
	// Use function-based middleware to get current keys dynamically
	api := e.Group("/api/v1")
	api.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return middleware.APIKeyMiddleware(srv.GetAPIKeys())(next)(c)
		}
	})
	// Add version header only to authenticated requests
	api.Use(middleware.VersionMiddleware(versionInfo.Version))

	jobs.RegisterRoutes(api.Group("/jobs"), jobs.NewHandler(deps.Scheduler))
	images.RegisterRoutes(api.Group("/images"), images.NewHandler(deps.Store, deps.Registry))
	tokens.RegisterRoutes(api.Group("/tokens"), tokens.NewHandler(deps.Store, deps.Registry))
	user.RegisterRoutes(api.Group("/user"), user.NewHandler())
	apikey.RegisterRoutes(api, apikey.NewHandler(srv))

	api.GET("/version", srv.handleVersion)

	// Health check and metrics (no auth required - for probes and scrapers)
	e.GET("/health", srv.handleHealth)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	return srv
}

// Echo exposes the router, mainly for tests
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// handleHealth returns 200 OK, or the instance ID with ?info=true
func (s *Server) handleHealth(c echo.Context) error {
	if c.QueryParam("info") == "true" {
		return c.JSON(http.StatusOK, map[string]string{
			"instance_id": s.instanceID,
		})
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, s.versionInfo)
}

// Start serves on address until Shutdown
func (s *Server) Start(address string) error {
	logging.Logger.Info("Starting server", zap.String("address", address))
	if err := s.echo.Start(address); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
