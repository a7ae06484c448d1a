package apikey

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/api/common"
	"github.com/lissto-dev/imagewatch/internal/middleware"
	"github.com/lissto-dev/imagewatch/pkg/config"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/response"
)

// KeyStore reads and replaces the configured API keys
type KeyStore interface {
	GetAPIKeys() []config.APIKey
	UpdateAPIKeys(keys []config.APIKey) error
}

// Handler handles API key management requests
type Handler struct {
	keys KeyStore
}

// NewHandler creates a new API key handler
func NewHandler(keys KeyStore) *Handler {
	return &Handler{keys: keys}
}

// CreateAPIKey handles POST /_internal/api-keys
func (h *Handler) CreateAPIKey(c echo.Context) error {
	user, ok := middleware.GetUserFromContext(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	var req common.CreateAPIKeyRequest
	if err := c.Bind(&req); err != nil {
		logging.Logger.Error("Failed to bind request", zap.Error(err))
		return response.BadRequest(c, "Invalid request")
	}

	if err := c.Validate(&req); err != nil {
		logging.Logger.Error("Request validation failed", zap.Error(err))
		return response.BadRequest(c, err.Error())
	}

	currentKeys := h.keys.GetAPIKeys()
	for _, key := range currentKeys {
		if key.Name == req.Name {
			return response.BadRequest(c, "API key with this name already exists")
		}
	}

	// Generate API key with role-based prefix
	apiKeyValue, err := config.GenerateAPIKey(req.Role)
	if err != nil {
		logging.Logger.Error("Failed to generate API key", zap.Error(err))
		return response.InternalServerError(c, "Failed to generate API key")
	}

	updatedKeys := append(currentKeys, config.APIKey{
		Role:   req.Role,
		APIKey: apiKeyValue,
		Name:   req.Name,
	})
	if err := h.keys.UpdateAPIKeys(updatedKeys); err != nil {
		logging.Logger.Error("Failed to save API keys", zap.Error(err))
		return response.InternalServerError(c, "Failed to save API key")
	}

	logging.Logger.Info("API key created",
		zap.String("name", req.Name),
		zap.String("role", req.Role),
		zap.String("created_by", user.Name),
		zap.String("key_prefix", apiKeyValue[:min(12, len(apiKeyValue))]+"..."))

	// Return the new API key (only on creation)
	return response.Created(c, "API key created", common.CreateAPIKeyResponse{
		APIKey: apiKeyValue,
		Name:   req.Name,
		Role:   req.Role,
	})
}
