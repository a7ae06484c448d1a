package registry

import (
	"context"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
)

// Provider names reported in DigestResult.Provider
const (
	ProviderDocker = "docker"
	ProviderGHCR   = "ghcr"
	ProviderGitLab = "gitlab"
	ProviderGCR    = "gcr"
	ProviderGitHub = "github"
)

// Lookup methods reported in DigestResult.Method
const (
	MethodManifest   = "manifest"
	MethodOCIRemote  = "oci-remote"
	MethodDigestTool = "digest-tool"
	MethodMirror     = "docker-hub-mirror"
	MethodRelease    = "github-release"
)

// DigestResult is the outcome of a latest-digest lookup.
// An empty Digest with a Provider set means the provider was identified but
// could not supply a digest; such a result says nothing about updates.
type DigestResult struct {
	Digest      string     `json:"digest,omitempty"`
	Tag         string     `json:"tag"`
	Provider    string     `json:"provider"`
	IsFallback  bool       `json:"is_fallback"`
	Method      string     `json:"method"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// HasDigest reports whether the result carries a digest
func (r *DigestResult) HasDigest() bool {
	return r != nil && r.Digest != ""
}

// LookupOptions carries per-call lookup parameters
type LookupOptions struct {
	// UserID selects per-user repository tokens
	UserID string
	// GitHubRepo is an explicit "owner/repo" used by the releases fallback
	GitHubRepo string
	// DisableFallback skips the releases fallback on rate limits and outages
	DisableFallback bool
}

// Credentials for a registry. A missing token means anonymous access.
type Credentials struct {
	Username string
	Token    string
}

// Anonymous reports whether no token is present
func (c Credentials) Anonymous() bool {
	return c.Token == ""
}

// Authenticator converts the credentials for go-containerregistry
func (c Credentials) Authenticator() authn.Authenticator {
	if c.Anonymous() {
		return authn.Anonymous
	}
	return authn.FromConfig(authn.AuthConfig{
		Username: c.Username,
		Password: c.Token,
	})
}

// TokenStore looks up repository access tokens saved by users
type TokenStore interface {
	// RepositoryToken returns the token registered for userID on registry/repository.
	// The bool is false when nothing is registered.
	RepositoryToken(ctx context.Context, userID, registry, repository string) (Credentials, bool, error)
}

// Provider resolves image digests for one family of registries
type Provider interface {
	// Name identifies the provider in results and logs
	Name() string
	// CanHandle is a pure host/path check; it never performs I/O
	CanHandle(imageRepo string) bool
	// GetLatestDigest returns nil, nil when the image or tag does not exist.
	// Rate limits and outages are returned as errors.
	GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error)
	// GetTagPublishDate is best effort and returns nil when unknown
	GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time
	// ImageExists is best effort and returns false when unknown
	ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool
	// GetCredentials resolves credentials for a single call
	GetCredentials(ctx context.Context, userID, imageRepo string) Credentials
	// RateLimitDelay is the pause taken before each outbound call
	RateLimitDelay(creds Credentials) time.Duration
	ClearCache(imageRepo, tag string)
	ClearAllCaches()
}
