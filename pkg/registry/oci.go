package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"

	"github.com/lissto-dev/imagewatch/pkg/image"
)

// ociClient talks the OCI distribution protocol through go-containerregistry
// for registries without a dedicated provider
type ociClient struct {
	transport http.RoundTripper
}

func (o *ociClient) options(ctx context.Context, creds Credentials) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(creds.Authenticator()),
		remote.WithTransport(o.transport),
		remote.WithUserAgent(UserAgent),
	}
}

// headDigest returns the manifest digest the registry reports for ref
func (o *ociClient) headDigest(ctx context.Context, ref image.Reference, creds Credentials) (string, error) {
	tag, err := name.NewTag(fmt.Sprintf("%s/%s:%s", ref.Registry, ref.Path(), ref.Tag))
	if err != nil {
		return "", fmt.Errorf("failed to parse image reference: %w", err)
	}

	desc, err := remote.Head(tag, o.options(ctx, creds)...)
	if err != nil {
		return "", err
	}
	return image.NormalizeDigest(desc.Digest.String()), nil
}

// createdAt reads the image config creation time for the host platform
func (o *ociClient) createdAt(ctx context.Context, ref image.Reference, creds Credentials) (*time.Time, error) {
	tag, err := name.NewTag(fmt.Sprintf("%s/%s:%s", ref.Registry, ref.Path(), ref.Tag))
	if err != nil {
		return nil, fmt.Errorf("failed to parse image reference: %w", err)
	}

	platform := v1.Platform{OS: "linux", Architecture: runtime.GOARCH}
	img, err := remote.Image(tag, append(o.options(ctx, creds), remote.WithPlatform(platform))...)
	if err != nil {
		return nil, err
	}

	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("failed to read image config: %w", err)
	}
	if cfg.Created.IsZero() {
		return nil, nil
	}
	created := cfg.Created.Time
	return &created, nil
}

// ociStatus extracts the HTTP status from a go-containerregistry error
func ociStatus(err error) int {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.StatusCode
	}
	return 0
}
