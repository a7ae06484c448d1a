package registry

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lissto-dev/imagewatch/pkg/image"
)

// DockerHubEndpoints locates the Docker Hub services
type DockerHubEndpoints struct {
	AuthURL     string
	AuthService string
	RegistryURL string
	HubAPIURL   string
}

// DefaultDockerHubEndpoints returns the public Docker Hub endpoints
func DefaultDockerHubEndpoints() DockerHubEndpoints {
	return DockerHubEndpoints{
		AuthURL:     "https://auth.docker.io/token",
		AuthService: "registry.docker.io",
		RegistryURL: "https://registry-1.docker.io",
		HubAPIURL:   "https://hub.docker.com",
	}
}

// DefaultProvider resolves Docker Hub images through the token-authenticated
// registry API and any other OCI registry through go-containerregistry.
// It is the catch-all provider.
type DefaultProvider struct {
	baseProvider
	endpoints DockerHubEndpoints
	oci       *ociClient
}

// NewDefaultProvider creates the Docker Hub / generic OCI provider
func NewDefaultProvider(cfg ProviderConfig, endpoints DockerHubEndpoints, deps Deps) *DefaultProvider {
	def := DefaultDockerHubEndpoints()
	if endpoints.AuthURL == "" {
		endpoints.AuthURL = def.AuthURL
	}
	if endpoints.AuthService == "" {
		endpoints.AuthService = def.AuthService
	}
	if endpoints.RegistryURL == "" {
		endpoints.RegistryURL = def.RegistryURL
	}
	if endpoints.HubAPIURL == "" {
		endpoints.HubAPIURL = def.HubAPIURL
	}

	base := newBaseProvider(ProviderDocker, cfg, deps)
	return &DefaultProvider{
		baseProvider: base,
		endpoints:    endpoints,
		oci:          &ociClient{transport: base.deps.HTTP.Transport()},
	}
}

// CanHandle matches references without a registry host and Docker Hub aliases
func (p *DefaultProvider) CanHandle(imageRepo string) bool {
	host, _ := image.SplitHost(imageRepo)
	return host == "" || image.IsDockerHubHost(host)
}

// GetLatestDigest returns the digest currently published for tag
func (p *DefaultProvider) GetLatestDigest(ctx context.Context, imageRepo, tag string, opts LookupOptions) (*DigestResult, error) {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil, err
	}

	return p.lookupDigest(ctx, imageRepo, ref.Tag, opts, func(ctx context.Context, creds Credentials) (*DigestResult, error) {
		if ref.IsDockerHub() {
			return p.dockerHubDigest(ctx, ref, imageRepo, creds)
		}
		return p.ociDigest(ctx, ref, imageRepo, creds)
	})
}

func (p *DefaultProvider) dockerHubDigest(ctx context.Context, ref image.Reference, imageRepo string, creds Credentials) (*DigestResult, error) {
	target := targetFor(ref, imageRepo)
	var digest string

	err := p.retry(ctx, func(ctx context.Context) error {
		token, err := p.fetchBearerToken(ctx, target, p.endpoints.AuthURL, url.Values{
			"service": {p.endpoints.AuthService},
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
}

func (p *DefaultProvider) ociDigest(ctx context.Context, ref image.Reference, imageRepo string, creds Credentials) (*DigestResult, error) {
	target := targetFor(ref, imageRepo)
	var digest string

	err := p.retry(ctx, func(ctx context.Context) error {
		d, err := p.oci.headDigest(ctx, ref, creds)
		if err != nil {
			status := ociStatus(err)
			if status == 0 {
				return p.transportError(target, err)
			}
			return p.statusError(target, &response{StatusCode: status})
		}
		digest = d
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &DigestResult{Digest: digest, Tag: ref.Tag, Method: MethodOCIRemote}, nil
}

// GetTagPublishDate returns when tag was last pushed
func (p *DefaultProvider) GetTagPublishDate(ctx context.Context, imageRepo, tag string, opts LookupOptions) *time.Time {
	ref, err := parseRepoTag(imageRepo, tag)
	if err != nil {
		return nil
	}

	return p.lookupPublishDate(ctx, imageRepo, ref.Tag, func(ctx context.Context) (*time.Time, error) {
		creds := p.GetCredentials(ctx, opts.UserID, imageRepo)
		if !ref.IsDockerHub() {
			return p.oci.createdAt(ctx, ref, creds)
		}

		tagURL := fmt.Sprintf("%s/v2/repositories/%s/tags/%s",
			strings.TrimRight(p.endpoints.HubAPIURL, "/"), ref.Path(), url.PathEscape(ref.Tag))
		resp, err := p.deps.HTTP.do(ctx, request{url: tagURL, headers: map[string]string{"Accept": "application/json"}})
		if err != nil {
			return nil, err
		}
		if !resp.ok() {
			return nil, p.statusError(targetFor(ref, imageRepo), resp)
		}

		parsed := gjson.ParseBytes(resp.Body)
		for _, field := range []string{"tag_last_pushed", "last_updated"} {
			if v := parsed.Get(field); v.Exists() && v.String() != "" {
				t := v.Time()
				if !t.IsZero() {
					return &t, nil
				}
			}
		}
		return nil, nil
	})
}

// ImageExists reports whether tag resolves to a digest
func (p *DefaultProvider) ImageExists(ctx context.Context, imageRepo, tag string, opts LookupOptions) bool {
	return imageExists(ctx, p, imageRepo, tag, opts)
}

// pullScope is the token scope for read access to path
func pullScope(path string) string {
	return fmt.Sprintf("repository:%s:pull", path)
}

// parseRepoTag parses imageRepo and applies tag when given
func parseRepoTag(imageRepo, tag string) (image.Reference, error) {
	ref, err := image.ParseReference(imageRepo)
	if err != nil {
		return image.Reference{}, err
	}
	if tag != "" {
		ref.Tag = tag
	}
	return ref, nil
}
