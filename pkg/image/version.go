package image

import (
	"strings"

	"github.com/Masterminds/semver/v3"
)

// CompareVersions compares two release tags and returns -1, 0 or 1.
// A leading "v" is ignored. Purely dotted-numeric tags are compared
// segment by segment, tags that parse as semantic versions are compared
// with semver precedence, and anything else falls back to a string comparison.
func CompareVersions(a, b string) int {
	a, b = trimVersionPrefix(a), trimVersionPrefix(b)

	if na, ok := numericSegments(a); ok {
		if nb, ok := numericSegments(b); ok {
			return compareSegments(na, nb)
		}
	}

	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.Compare(vb)
	}

	return strings.Compare(a, b)
}

// IsNewerVersion reports whether latest is strictly newer than current.
// Missing information never counts as newer.
func IsNewerVersion(latest, current string) bool {
	if strings.TrimSpace(latest) == "" || strings.TrimSpace(current) == "" {
		return false
	}
	return CompareVersions(latest, current) > 0
}

func trimVersionPrefix(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 1 && (v[0] == 'v' || v[0] == 'V') && v[1] >= '0' && v[1] <= '9' {
		return v[1:]
	}
	return v
}

// numericSegments splits "1.20.3" into its segments, rejecting anything that is not digits and dots
func numericSegments(v string) ([]string, bool) {
	if v == "" {
		return nil, false
	}
	parts := strings.Split(v, ".")
	for i, p := range parts {
		if p == "" {
			return nil, false
		}
		for _, r := range p {
			if r < '0' || r > '9' {
				return nil, false
			}
		}
		parts[i] = strings.TrimLeft(p, "0")
	}
	return parts, true
}

// compareSegments compares numeric segments without converting them, so
// arbitrarily long build numbers cannot overflow. Missing segments count as zero.
func compareSegments(a, b []string) int {
	n := max(len(a), len(b))
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(a) {
			sa = a[i]
		}
		if i < len(b) {
			sb = b[i]
		}
		if len(sa) != len(sb) {
			if len(sa) < len(sb) {
				return -1
			}
			return 1
		}
		if c := strings.Compare(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}
