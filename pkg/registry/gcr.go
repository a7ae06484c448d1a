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

const gcrHost = "gcr.io"

// GCREndpoints overrides the registry and token endpoints.
// When empty they are derived from the image host.
type GCREndpoints struct {
	RegistryURL string
	TokenURL    string
}

// GCRProvider resolves images hosted on Google Container Registry. Lookups
// that fail with 401, 403 or 404 are retried against Docker Hub under the
// same repository path, since many GCR images are mirrored there.
type GCRProvider struct {
	baseProvider
	endpoints GCREndpoints
	mirror    Provider
	oci       *ociClient
}

// NewGCRProvider creates the GCR provider. mirror is consulted when GCR
// refuses or does not know an image; it may be nil.
func NewGCRProvider(cfg ProviderConfig, endpoints GCREndpoints, mirror Provider, deps Deps) *GCRProvider {
	base := newBaseProvider(ProviderGCR, cfg, deps)
	return &GCRProvider{
		baseProvider: base,
		endpoints:    endpoints,
		mirror:       mirror,
		oci:          &ociClient{transport: base.deps.HTTP.Transport()},
	}
}

// CanHandle matches gcr.io and its regional hosts
func (p *GCRProvider) CanHandle(imageRepo string) bool {
	host, _ := image.SplitHost(imageRepo)
	return host == gcrHost || strings.HasSuffix(host, "."+gcrHost)
}

func (p *GCRProvider) registryURL(host string) string {
	if p.endpoints.RegistryURL != "" {
		return p.endpoints.RegistryURL
	}
	return "https://" + host
}

func (p *GCRProvider) tokenURL(host string) string {
	if p.endpoints.TokenURL != "" {
		return p.endpoints.TokenURL
	}
	return "https://" + host + "/v2/token"
}

// GetLatestDigest tries the external digest tool, then the GCR API, then the
// Docker Hub mirror. Results always carry the "gcr" provider name.
func (p *GCRProvider) GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error) {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil, err
	}

	return p.lookupDigest(ctx, imageRepo, ref.Tag, opts, func(ctx context.Context, creds Credentials) (*DigestResult, error) {
		if digest, tool, ok := p.deps.DigestTool.Resolve(ctx, ref.Name()+":"+ref.Tag); ok {
			return &DigestResult{Digest: digest, Tag: ref.Tag, Method: MethodDigestTool + ":" + tool}, nil
		}

		digest, err := p.registryDigest(ctx, ref, imageRepo, creds)
		if err == nil {
			return &DigestResult{Digest: digest, Tag: ref.Tag, Method: MethodManifest}, nil
		}
		if p.mirror == nil || !(IsAuth(err) || IsNotFound(err)) {
			return nil, err
		}

		logging.Logger.Info("GCR lookup refused, trying Docker Hub mirror",
			zap.String("image", imageRepo),
			zap.String("tag", ref.Tag),
			zap.String("path", ref.Path()),
			zap.Error(err))

		mirrored, mirrorErr := p.mirror.GetLatestDigest(ctx, ref.Path(), ref.Tag, opts)
		if mirrorErr != nil {
			return nil, mirrorErr
		}
		if mirrored == nil {
			// Keep the original classification so a GCR 404 stays a quiet miss
			return nil, err
		}

		result := *mirrored
		result.Method = MethodMirror
		return &result, nil
	})
}

func (p *GCRProvider) registryDigest(ctx context.Context, ref image.Reference, imageRepo string, creds Credentials) (string, error) {
	target := targetFor(ref, imageRepo)
	var digest string
	err := p.retry(ctx, func(ctx context.Context) error {
		token, err := p.fetchBearerToken(ctx, target, p.tokenURL(ref.Registry), url.Values{
			"service": {ref.Registry},
			"scope":   {pullScope(ref.Path())},
		}, creds)
		if err != nil {
			return err
		}
		digest, err = p.fetchManifestDigest(ctx, target, p.registryURL(ref.Registry), ref.Path(), token)
		return err
	})
	return digest, err
}

// GetTagPublishDate reads the image config creation time
func (p *GCRProvider) GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil
	}
	return p.lookupPublishDate(ctx, imageRepo, ref.Tag, func(ctx context.Context) (*time.Time, error) {
		return p.oci.createdAt(ctx, ref, p.GetCredentials(ctx, opts.UserID, imageRepo))
	})
}

// ImageExists reports whether tag resolves to a digest
func (p *GCRProvider) ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool {
	return imageExists(ctx, p, imageRepo, tag, opts)
}
