package resolver

import (
	"strings"

	rpmver "github.com/knqyf263/go-rpm-version"
)

// compareVersions orders a and b using RPM-style epoch/version/release
// comparison: negative if a < b, zero if equal, positive if a > b.
func compareVersions(a, b string) int {
	return rpmver.NewVersion(a).Compare(rpmver.NewVersion(b))
}

// satisfiesConstraint reports whether version meets a constraint string
// of the form "<op> <version>" (e.g. ">= 2.0", "== 1.4", "< 3"). An
// empty constraint is always satisfied.
func satisfiesConstraint(version, constraint string) bool {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return true
	}
	op, want := splitConstraint(constraint)
	cmp := compareVersions(version, want)
	switch op {
	case "==", "=":
		return cmp == 0
	case "!=":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	default:
		// Bare version with no operator: treat as exact match.
		return compareVersions(version, constraint) == 0
	}
}

func splitConstraint(constraint string) (op, version string) {
	for _, candidate := range []string{">=", "<=", "==", "!=", ">", "<", "="} {
		if strings.HasPrefix(constraint, candidate) {
			return candidate, strings.TrimSpace(strings.TrimPrefix(constraint, candidate))
		}
	}
	return "", constraint
}
