package registry

import "github.com/lissto-dev/imagewatch/pkg/image"

// HasUpdate decides whether latest is newer than what is deployed.
//
// Fallback results carry only a release tag, so versions are compared.
// Otherwise normalized digests are compared when both are known, then tags.
// Without enough information to decide it reports false.
func HasUpdate(currentDigest, currentTag string, latest *DigestResult) bool {
	if latest == nil {
		return false
	}

	if latest.IsFallback {
		return image.IsNewerVersion(latest.Tag, currentTag)
	}

	if currentDigest != "" && latest.Digest != "" {
		return !image.DigestsEqual(currentDigest, latest.Digest)
	}

	if currentTag != "" && latest.Tag != "" {
		return currentTag != latest.Tag
	}

	return false
}
