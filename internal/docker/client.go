package docker

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/lissto-dev/imagewatch/pkg/image"
	"github.com/lissto-dev/imagewatch/pkg/logging"
	"github.com/lissto-dev/imagewatch/pkg/updatecheck"
)

const (
	// LabelGitHubRepo names the "owner/repo" whose releases track the image
	LabelGitHubRepo = "imagewatch.github-repo"
	// LabelEnable set to "false" excludes a container from update checks
	LabelEnable = "imagewatch.enable"
)

// API is the subset of the Docker engine client used here
type API interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ImageInspect(ctx context.Context, imageID string, opts ...client.ImageInspectOption) (dockerimage.InspectResponse, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Client wraps the Docker engine client with common operations
type Client struct {
	api API
	// All includes stopped containers
	All bool
}

// NewClient creates a client from the DOCKER_HOST/DOCKER_* environment.
// host overrides DOCKER_HOST when set.
func NewClient(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

// NewClientWithAPI wraps an existing engine client
func NewClientWithAPI(api API) *Client {
	return &Client{api: api}
}

// HealthCheck checks if the Docker engine is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.api.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Docker engine: %w", err)
	}
	return nil
}

// Close releases the underlying transport
func (c *Client) Close() error {
	return c.api.Close()
}

// ListContainers returns the deployed containers with the digest of the
// image each one runs. Containers labelled imagewatch.enable=false and
// containers whose image has no tag are skipped.
func (c *Client) ListContainers(ctx context.Context) ([]updatecheck.Container, error) {
	summaries, err := c.api.ContainerList(ctx, container.ListOptions{All: c.All})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	inspected := make(map[string]dockerimage.InspectResponse)
	result := make([]updatecheck.Container, 0, len(summaries))

	for _, s := range summaries {
		if strings.EqualFold(s.Labels[LabelEnable], "false") {
			continue
		}

		name := containerName(s)

		info, ok := inspected[s.ImageID]
		if !ok && s.ImageID != "" {
			info, err = c.api.ImageInspect(ctx, s.ImageID)
			if err != nil {
				logging.Logger.Warn("Failed to inspect container image",
					zap.String("container", name),
					zap.String("image_id", s.ImageID),
					zap.Error(err))
			}
			inspected[s.ImageID] = info
		}

		imageName := s.Image
		if strings.HasPrefix(imageName, "sha256:") {
			if len(info.RepoTags) == 0 {
				logging.Logger.Debug("Skipping container without a tagged image",
					zap.String("container", name))
				continue
			}
			imageName = info.RepoTags[0]
		}

		ref, err := image.ParseReference(imageName)
		if err != nil {
			logging.Logger.Warn("Skipping container with unparseable image",
				zap.String("container", name),
				zap.String("image", imageName),
				zap.Error(err))
			continue
		}

		result = append(result, updatecheck.Container{
			ID:            s.ID,
			Name:          name,
			Image:         imageName,
			ImageRepo:     ref.Name(),
			Tag:           ref.Tag,
			CurrentDigest: repoDigestFor(ref, info.RepoDigests),
			GitHubRepo:    s.Labels[LabelGitHubRepo],
		})
	}

	return result, nil
}

func containerName(s container.Summary) string {
	if len(s.Names) > 0 {
		return strings.TrimPrefix(s.Names[0], "/")
	}
	if len(s.ID) > 12 {
		return s.ID[:12]
	}
	return s.ID
}

// repoDigestFor picks the repo digest ("nginx@sha256:...") belonging to ref.
// A single repo digest is used even if its name differs, since that happens
// when the image was pulled through a mirror.
func repoDigestFor(ref image.Reference, repoDigests []string) string {
	for _, rd := range repoDigests {
		repo, dgst, ok := strings.Cut(rd, "@")
		if !ok {
			continue
		}
		parsed, err := image.ParseReference(repo)
		if err != nil {
			continue
		}
		if parsed.Name() == ref.Name() {
			return image.NormalizeDigest(dgst)
		}
	}
	if len(repoDigests) == 1 {
		if _, dgst, ok := strings.Cut(repoDigests[0], "@"); ok {
			return image.NormalizeDigest(dgst)
		}
	}
	return ""
}
