package common

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	// DefaultRunsLimit is used when no ?limit= is given
	DefaultRunsLimit = 20
	// MaxRunsLimit caps ?limit=
	MaxRunsLimit = 200
)

// MarkUpgradedRequest reports that containers running Image were redeployed
type MarkUpgradedRequest struct {
	// Image is a reference such as "nginx:1.27" or "ghcr.io/owner/app:v2"
	Image string `json:"image" validate:"required,max=512"`
	// Digest is the digest now running, if known
	Digest string `json:"digest,omitempty" validate:"omitempty,max=128"`
}

// UpsertTokenRequest registers a repository access token
type UpsertTokenRequest struct {
	// UserID scopes the token; empty registers a token for every user
	UserID     string `json:"user_id,omitempty" validate:"max=128"`
	Registry   string `json:"registry" validate:"required,max=253"`
	Repository string `json:"repository" validate:"required,max=512"`
	Username   string `json:"username,omitempty" validate:"max=256"`
	Token      string `json:"token" validate:"required"`
}

// DeleteTokenRequest removes a repository access token
type DeleteTokenRequest struct {
	UserID     string `json:"user_id,omitempty" validate:"max=128"`
	Registry   string `json:"registry" validate:"required,max=253"`
	Repository string `json:"repository" validate:"required,max=512"`
}

// CreateAPIKeyRequest represents the request to create a new API key
type CreateAPIKeyRequest struct {
	Name string `json:"name" validate:"required,max=64"`
	Role string `json:"role" validate:"required,oneof=admin operator viewer"`
}

// ParseLimit reads ?limit= clamped to [1, MaxRunsLimit]
func ParseLimit(c echo.Context) (int, bool) {
	raw := c.QueryParam("limit")
	if raw == "" {
		return DefaultRunsLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, false
	}
	return min(limit, MaxRunsLimit), true
}
