package image

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/opencontainers/go-digest"
)

const (
	// DockerHubRegistry is the canonical host used for every Docker Hub alias
	DockerHubRegistry = "docker.io"
	// DefaultTag is applied when a reference carries no tag
	DefaultTag = "latest"

	officialNamespace = "library"
)

// ErrEmptyReference is returned when parsing a blank image string
var ErrEmptyReference = errors.New("empty image reference")

// Hosts that all resolve to Docker Hub
var dockerHubHosts = map[string]bool{
	"docker.io":               true,
	"index.docker.io":         true,
	"registry-1.docker.io":    true,
	"registry.hub.docker.com": true,
}

// Reference is a parsed image reference
type Reference struct {
	Registry   string `json:"registry"`
	Namespace  string `json:"namespace,omitempty"`
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
	Digest     string `json:"digest,omitempty"`
}

// ParseReference parses a free-form image string such as "nginx",
// "ghcr.io/owner/app:v2" or "registry.gitlab.com/group/sub/proj@sha256:...".
// Docker Hub aliases are collapsed into DockerHubRegistry and official images
// get the "library" namespace.
func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, ErrEmptyReference
	}

	base, dgst := raw, ""
	if idx := strings.LastIndex(raw, "@"); idx != -1 {
		base, dgst = raw[:idx], raw[idx+1:]
		if _, err := digest.Parse(dgst); err != nil {
			return Reference{}, fmt.Errorf("invalid digest in %q: %w", raw, err)
		}
	}

	tag, err := name.NewTag(base)
	if err != nil {
		return Reference{}, fmt.Errorf("failed to parse image reference %q: %w", raw, err)
	}

	registry := tag.RegistryStr()
	if IsDockerHubHost(registry) {
		registry = DockerHubRegistry
	}

	namespace, repository := splitPath(tag.RepositoryStr())
	if repository == "" {
		return Reference{}, fmt.Errorf("image reference %q has no repository", raw)
	}

	ref := Reference{
		Registry:   registry,
		Namespace:  namespace,
		Repository: repository,
		Tag:        tag.TagStr(),
		Digest:     dgst,
	}
	if ref.Tag == "" {
		ref.Tag = DefaultTag
	}
	if ref.IsDockerHub() && ref.Namespace == "" {
		ref.Namespace = officialNamespace
	}

	return ref, nil
}

// IsDockerHubHost reports whether host is one of the Docker Hub aliases
func IsDockerHubHost(host string) bool {
	return dockerHubHosts[strings.ToLower(host)]
}

// SplitHost splits an image repository into its registry host and path.
// The host is empty when the first segment does not look like a hostname.
func SplitHost(imageRepo string) (host, path string) {
	first, rest, found := strings.Cut(imageRepo, "/")
	if !found {
		return "", imageRepo
	}
	if strings.ContainsAny(first, ".:") || first == "localhost" {
		return strings.ToLower(first), rest
	}
	return "", imageRepo
}

func splitPath(path string) (namespace, repository string) {
	idx := strings.LastIndex(path, "/")
	if idx == -1 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// IsDockerHub reports whether the reference points at Docker Hub
func (r Reference) IsDockerHub() bool {
	return r.Registry == DockerHubRegistry
}

// Path returns "<namespace>/<repository>", or just the repository when there is no namespace
func (r Reference) Path() string {
	if r.Namespace == "" {
		return r.Repository
	}
	return r.Namespace + "/" + r.Repository
}

// Name returns the registry-qualified repository without tag, in the short
// form users write: "nginx", "bitnami/redis", "ghcr.io/owner/app".
func (r Reference) Name() string {
	if r.IsDockerHub() {
		return strings.TrimPrefix(r.Path(), officialNamespace+"/")
	}
	return r.Registry + "/" + r.Path()
}

// String returns the reference including tag and, if set, digest
func (r Reference) String() string {
	s := r.Name() + ":" + r.Tag
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}
