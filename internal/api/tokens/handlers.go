package tokens

import (
	"context"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/api/common"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/registry"
	"github.com/lissto-dev/imagewatch/pkg/response"
	"github.com/lissto-dev/imagewatch/pkg/store/sqlite"
)

// Store persists repository tokens
type Store interface {
	UpsertToken(ctx context.Context, userID, registryHost, repository string, creds registry.Credentials) error
	DeleteToken(ctx context.Context, userID, registryHost, repository string) error
}

// Handler handles repository token requests
type Handler struct {
	store Store
	cache interface{ ClearAllCaches() }
}

// NewHandler creates a new tokens handler. Cached lookups are dropped
// whenever a token changes since they may have been made anonymously.
func NewHandler(store Store, cache interface{ ClearAllCaches() }) *Handler {
	return &Handler{store: store, cache: cache}
}

// Upsert handles PUT /tokens
func (h *Handler) Upsert(c echo.Context) error {
	var req common.UpsertTokenRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return response.BadRequest(c, err.Error())
	}

	host := strings.ToLower(req.Registry)
	err := h.store.UpsertToken(c.Request().Context(), req.UserID, host, req.Repository, registry.Credentials{
		Username: req.Username,
		Token:    req.Token,
	})
	if err != nil {
		logging.Logger.Error("Failed to save repository token",
			zap.String("registry", host),
			zap.String("repository", req.Repository),
			zap.Error(err))
		return response.InternalServerError(c, "Failed to save token")
	}
	h.cache.ClearAllCaches()

	logging.Logger.Info("Repository token saved",
		zap.String("registry", host),
		zap.String("repository", req.Repository),
		zap.Bool("user_scoped", req.UserID != ""))

	return response.OK(c, "Token saved", nil)
}

// Delete handles DELETE /tokens
func (h *Handler) Delete(c echo.Context) error {
	var req common.DeleteTokenRequest
	if err := c.Bind(&req); err != nil {
		return response.BadRequest(c, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return response.BadRequest(c, err.Error())
	}

	err := h.store.DeleteToken(c.Request().Context(), req.UserID, strings.ToLower(req.Registry), req.Repository)
	if errors.Is(err, sqlite.ErrNotFound) {
		return response.NotFound(c, "Token not found")
	}
	if err != nil {
		logging.Logger.Error("Failed to delete repository token", zap.Error(err))
		return response.InternalServerError(c, "Failed to delete token")
	}
	h.cache.ClearAllCaches()

	return response.OK(c, "Token deleted", nil)
}
