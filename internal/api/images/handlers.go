package images

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/internal/api/common"
	"github.com/lissto-dev/imagewatch/pkg/image"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/response"
	"github.com/lissto-dev/imagewatch/pkg/store/sqlite"
	"github.com/lissto-dev/imagewatch/pkg/updatecheck"
)

// StatusStore reads and updates check results
type StatusStore interface {
	ContainerStatuses(ctx context.Context, onlyUpdates bool) ([]updatecheck.ContainerStatus, error)
	RegistryVersion(ctx context.Context, imageRepo, tag string) (*updatecheck.RegistryVersion, error)
	MarkUpgraded(ctx context.Context, imageRepo, tag, digest string) (int64, error)
}

// CacheClearer drops cached registry lookups
type CacheClearer interface {
	ClearCache(imageRepo, tag string)
	ClearAllCaches()
}

// Handler handles image status HTTP requests
type Handler struct {
	store StatusStore
	cache CacheClearer
}

// NewHandler creates a new images handler
func NewHandler(store StatusStore, cache CacheClearer) *Handler {
	return &Handler{store: store, cache: cache}
}

// GetLatest handles GET /images/latest.
// ?image=<ref> returns the upstream state of one image tag, otherwise the
// status of every container is listed; ?updates=true keeps only containers
// with an update.
func (h *Handler) GetLatest(c echo.Context) error {
	ctx := c.Request().Context()

	if raw := c.QueryParam("image"); raw != "" {
		ref, err := image.ParseReference(raw)
		if err != nil {
			return response.BadRequest(c, err.Error())
		}
		version, err := h.store.RegistryVersion(ctx, ref.Name(), ref.Tag)
		if errors.Is(err, sqlite.ErrNotFound) {
			return response.NotFound(c, "Image has not been checked: "+ref.Name()+":"+ref.Tag)
		}
		if err != nil {
			logging.Logger.Error("Failed to load registry version", zap.Error(err))
			return response.InternalServerError(c, "Failed to load image")
		}
		return response.OK(c, "", version)
	}

	statuses, err := h.store.ContainerStatuses(ctx, c.QueryParam("updates") == "true")
	if err != nil {
		logging.Logger.Error("Failed to list container statuses", zap.Error(err))
		return response.InternalServerError(c, "Failed to list containers")
	}
	return response.OK(c, "", statuses)
}

// MarkUpgraded handles POST /images/upgraded. It clears the update flag of
// every container running the image and drops cached lookups so the next
// check goes to the registry.
func (h *Handler) MarkUpgraded(c echo.Context) error {
	var req common.MarkUpgradedRequest
	if err := c.Bind(&req); err != nil {
		logging.Logger.Error("Failed to bind request", zap.Error(err))
		return response.BadRequest(c, "Invalid request")
	}
	if err := c.Validate(&req); err != nil {
		return response.BadRequest(c, err.Error())
	}

	ref, err := image.ParseReference(req.Image)
	if err != nil {
		return response.BadRequest(c, err.Error())
	}
	if req.Digest != "" && !image.IsValidDigest(req.Digest) {
		return response.BadRequest(c, "Invalid digest: "+req.Digest)
	}

	imageRepo := ref.Name()
	h.cache.ClearCache(imageRepo, ref.Tag)
	h.cache.ClearAllCaches()

	updated, err := h.store.MarkUpgraded(c.Request().Context(), imageRepo, ref.Tag, image.NormalizeDigest(req.Digest))
	if err != nil {
		logging.Logger.Error("Failed to mark image upgraded",
			zap.String("image", imageRepo),
			zap.String("tag", ref.Tag),
			zap.Error(err))
		return response.InternalServerError(c, "Failed to mark image upgraded")
	}

	logging.Logger.Info("Image marked upgraded",
		zap.String("image", imageRepo),
		zap.String("tag", ref.Tag),
		zap.Int64("containers", updated))

	return response.OK(c, "Image marked upgraded", common.MarkUpgradedResponse{
		ImageRepo: imageRepo,
		Tag:       ref.Tag,
		Updated:   updated,
	})
}
