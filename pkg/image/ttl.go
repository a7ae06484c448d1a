package image

import (
	"regexp"
	"strings"
	"time"

	"github.com/lissto-dev/imagewatch/pkg/logging"
	"go.uber.org/zap"
)

// Semantic versioning pattern (e.g., 1.2.3, v1.2.3, 2.0.1-alpha, etc.)
var semverPattern = regexp.MustCompile(`^v?\d+\.\d+(\.\d+)?(-[a-zA-Z0-9.-]+)?$`)

// IsSemverTag checks if a tag matches semantic versioning pattern
func IsSemverTag(tag string) bool {
	if tag == "" {
		return false
	}

	// Extract just the version part if tag has additional suffix like -alpine
	// e.g., "1.2.3-alpine" -> check "1.2.3"
	parts := strings.Split(tag, "-")
	if len(parts) > 0 && semverPattern.MatchString(parts[0]) {
		return true
	}

	// Also check the full tag (e.g., "v1.2.3-rc1")
	return semverPattern.MatchString(tag)
}

// DigestTTL returns how long a digest lookup for tag may be cached.
// Version-pinned tags are rebuilt rarely and get pinnedTTL; moving tags
// such as "latest" or "main" get mutableTTL.
func DigestTTL(tag string, mutableTTL, pinnedTTL time.Duration) time.Duration {
	if pinnedTTL > mutableTTL && IsSemverTag(tag) {
		logging.Logger.Debug("Cache TTL for pinned tag",
			zap.String("tag", tag),
			zap.Duration("ttl", pinnedTTL))
		return pinnedTTL
	}
	return mutableTTL
}
