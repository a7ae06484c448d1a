package registry

import (
	"context"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/image"
	"github.com/lissto-dev/imagewatch/pkg/logging"
)

const ghcrHost = "ghcr.io"

// GHCREndpoints locates the GitHub Container Registry
type GHCREndpoints struct {
	RegistryURL string
	TokenURL    string
}

// GHCRProvider resolves images hosted on ghcr.io
type GHCRProvider struct {
	baseProvider
	endpoints GHCREndpoints
	oci       *ociClient
}

// NewGHCRProvider creates the GitHub Container Registry provider
func NewGHCRProvider(cfg ProviderConfig, endpoints GHCREndpoints, deps Deps) *GHCRProvider {
	if endpoints.RegistryURL == "" {
		endpoints.RegistryURL = "https://" + ghcrHost
	}
	if endpoints.TokenURL == "" {
		endpoints.TokenURL = "https://" + ghcrHost + "/token"
	}

	base := newBaseProvider(ProviderGHCR, cfg, deps)
	return &GHCRProvider{
		baseProvider: base,
		endpoints:    endpoints,
		oci:          &ociClient{transport: base.deps.HTTP.Transport()},
	}
}

// CanHandle matches ghcr.io references
func (p *GHCRProvider) CanHandle(imageRepo string) bool {
	return strings.HasPrefix(strings.ToLower(imageRepo), ghcrHost+"/")
}

// GetLatestDigest tries the external digest tool, then the registry API
func (p *GHCRProvider) GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error) {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil, err
	}

	return p.lookupDigest(ctx, imageRepo, ref.Tag, opts, func(ctx context.Context, creds Credentials) (*DigestResult, error) {
		if digest, tool, ok := p.deps.DigestTool.Resolve(ctx, ref.Name()+":"+ref.Tag); ok {
			return &DigestResult{Digest: digest, Tag: ref.Tag, Method: MethodDigestTool + ":" + tool}, nil
		}

		target := targetFor(ref, imageRepo)
		var digest string
		err := p.retry(ctx, func(ctx context.Context) error {
			token, err := p.fetchBearerToken(ctx, target, p.endpoints.TokenURL, url.Values{
				"service": {ghcrHost},
				"scope":   {pullScope(ref.Path())},
			}, creds)
			if err != nil {
				return err
			}
			digest, err = p.fetchManifestDigest(ctx, target, p.endpoints.RegistryURL, ref.Path(), token)
			return err
		})
		if err != nil {
			return nil, err
		}

		return &DigestResult{Digest: digest, Tag: ref.Tag, Method: MethodManifest}, nil
	})
}

// GetTagPublishDate reads the image config creation time
func (p *GHCRProvider) GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil
	}
	return p.lookupPublishDate(ctx, imageRepo, ref.Tag, func(ctx context.Context) (*time.Time, error) {
		return p.oci.createdAt(ctx, ref, p.GetCredentials(ctx, opts.UserID, imageRepo))
	})
}

// ImageExists reports whether tag resolves to a digest
func (p *GHCRProvider) ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool {
	return imageExists(ctx, p, imageRepo, tag, opts)
}

// GitHubRepoFor returns the "owner/repo" used by the releases fallback.
// An explicit mapping wins; otherwise ghcr.io/<owner>/<repo> images map to themselves.
func GitHubRepoFor(imageRepo, explicit string) string {
	if explicit = strings.Trim(strings.TrimSpace(explicit), "/"); explicit != "" {
		if owner, repo, ok := strings.Cut(explicit, "/"); ok && owner != "" && repo != "" && !strings.Contains(repo, "/") {
			return explicit
		}
		logging.Logger.Debug("Ignoring malformed GitHub repository mapping",
			zap.String("image", imageRepo),
			zap.String("github_repo", explicit))
	}

	host, path := image.SplitHost(imageRepo)
	if host != ghcrHost {
		return ""
	}
	// Drop tag or digest from the last segment
	if idx := strings.IndexAny(path, ":@"); idx != -1 {
		path = path[:idx]
	}
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}
