package updatecheck

import (
	"context"
	"time"
)

// Container is a deployed container as reported by the orchestration backend
type Container struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image"`
	// ImageRepo and Tag are derived from Image when empty
	ImageRepo     string `json:"image_repo,omitempty"`
	Tag           string `json:"tag,omitempty"`
	CurrentDigest string `json:"current_digest,omitempty"`
	// GitHubRepo is an explicit "owner/repo" for the releases fallback
	GitHubRepo string `json:"github_repo,omitempty"`
}

// ContainerSource enumerates deployed containers
type ContainerSource interface {
	ListContainers(ctx context.Context) ([]Container, error)
}

// RegistryVersion is the latest upstream state of an image tag
type RegistryVersion struct {
	ImageRepo     string     `json:"image_repo"`
	Tag           string     `json:"tag"`
	LatestDigest  string     `json:"latest_digest,omitempty"`
	LatestVersion string     `json:"latest_version,omitempty"`
	Provider      string     `json:"provider"`
	IsFallback    bool       `json:"is_fallback"`
	Method        string     `json:"method,omitempty"`
	PublishedAt   *time.Time `json:"published_at,omitempty"`
	CheckedAt     time.Time  `json:"checked_at"`
}

// ContainerStatus is the update state of one container
type ContainerStatus struct {
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Image         string    `json:"image"`
	ImageRepo     string    `json:"image_repo"`
	Tag           string    `json:"tag"`
	CurrentDigest string    `json:"current_digest,omitempty"`
	LatestDigest  string    `json:"latest_digest,omitempty"`
	LatestVersion string    `json:"latest_version,omitempty"`
	Provider      string    `json:"provider,omitempty"`
	HasUpdate     bool      `json:"has_update"`
	CheckedAt     time.Time `json:"checked_at"`
}

// ResultStore persists check results
type ResultStore interface {
	UpsertRegistryVersion(ctx context.Context, v RegistryVersion) error
	UpsertContainerStatus(ctx context.Context, s ContainerStatus) error
}
