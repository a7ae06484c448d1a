package registry

import (
	"strings"

	"github.com/containers/image/v5/manifest"
	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

const headerContentDigest = "Docker-Content-Digest"

// manifestAcceptTypes lists multi-arch indexes first so registries return
// the index digest rather than a platform-specific one
var manifestAcceptTypes = []string{
	imgspecv1.MediaTypeImageIndex,
	manifest.DockerV2ListMediaType,
	imgspecv1.MediaTypeImageManifest,
	manifest.DockerV2Schema2MediaType,
}

func manifestAcceptHeader() string {
	return strings.Join(manifestAcceptTypes, ", ")
}

func isMultiArch(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	return manifest.MIMETypeIsMultiImage(strings.TrimSpace(mediaType))
}
