package image

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// NormalizeDigest returns d in "<algorithm>:<hex>" form. A bare hex value is
// assumed to be sha256, and a repo digest such as "nginx@sha256:..." is
// reduced to its digest. The value is not validated.
func NormalizeDigest(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if d == "" {
		return ""
	}
	if idx := strings.LastIndex(d, "@"); idx != -1 {
		d = d[idx+1:]
	}
	if strings.Contains(d, ":") {
		return d
	}
	return digest.SHA256.String() + ":" + d
}

// DigestsEqual compares two digests after normalization. Empty digests never match.
func DigestsEqual(a, b string) bool {
	na, nb := NormalizeDigest(a), NormalizeDigest(b)
	return na != "" && na == nb
}

// IsValidDigest reports whether d is a well-formed content digest
func IsValidDigest(d string) bool {
	_, err := digest.Parse(NormalizeDigest(d))
	return err == nil
}
