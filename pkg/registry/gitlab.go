package registry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/lissto-dev/imagewatch/pkg/image"
)

// GitLabEndpoints overrides the GitLab registry and JWT endpoints.
// When empty they are derived from the image host.
type GitLabEndpoints struct {
	RegistryURL string
	AuthURL     string
}

// GitLabProvider resolves images hosted on GitLab container registries
type GitLabProvider struct {
	baseProvider
	endpoints GitLabEndpoints
	oci       *ociClient
}

// NewGitLabProvider creates the GitLab Container Registry provider
func NewGitLabProvider(cfg ProviderConfig, endpoints GitLabEndpoints, deps Deps) *GitLabProvider {
	base := newBaseProvider(ProviderGitLab, cfg, deps)
	return &GitLabProvider{
		baseProvider: base,
		endpoints:    endpoints,
		oci:          &ociClient{transport: base.deps.HTTP.Transport()},
	}
}

// CanHandle matches registry hosts that belong to a GitLab instance
func (p *GitLabProvider) CanHandle(imageRepo string) bool {
	host, _ := image.SplitHost(imageRepo)
	return strings.Contains(host, "gitlab")
}

// registryURL returns the registry base URL for host
func (p *GitLabProvider) registryURL(host string) string {
	if p.endpoints.RegistryURL != "" {
		return p.endpoints.RegistryURL
	}
	return "https://" + host
}

// authURL returns the JWT endpoint. registry.gitlab.com authenticates
// against gitlab.com; self-managed registries usually drop a "registry." prefix.
func (p *GitLabProvider) authURL(host string) string {
	if p.endpoints.AuthURL != "" {
		return p.endpoints.AuthURL
	}
	return "https://" + strings.TrimPrefix(host, "registry.") + "/jwt/auth"
}

// GetLatestDigest exchanges credentials for a JWT and reads the manifest digest
func (p *GitLabProvider) GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error) {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil, err
	}

	return p.lookupDigest(ctx, imageRepo, ref.Tag, opts, func(ctx context.Context, creds Credentials) (*DigestResult, error) {
		target := targetFor(ref, imageRepo)
		var digest string
		err := p.retry(ctx, func(ctx context.Context) error {
			jwt, err := p.fetchBearerToken(ctx, target, p.authURL(ref.Registry), url.Values{
				"service": {"container_registry"},
				"scope":   {pullScope(ref.Path())},
			}, creds)
			if err != nil {
				return err
			}
			digest, err = p.fetchManifestDigest(ctx, target, p.registryURL(ref.Registry), ref.Path(), jwt)
			return err
		})
		if err != nil {
			return nil, err
		}

		return &DigestResult{Digest: digest, Tag: ref.Tag, Method: MethodManifest}, nil
	})
}

// GetTagPublishDate reads the image config creation time
func (p *GitLabProvider) GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil
	}
	return p.lookupPublishDate(ctx, imageRepo, ref.Tag, func(ctx context.Context) (*time.Time, error) {
		return p.oci.createdAt(ctx, ref, p.GetCredentials(ctx, opts.UserID, imageRepo))
	})
}

// ImageExists reports whether tag resolves to a digest
func (p *GitLabProvider) ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool {
	return imageExists(ctx, p, imageRepo, tag, opts)
}
