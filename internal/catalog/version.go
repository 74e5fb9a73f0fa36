package catalog

import (
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// canonical turns a release name into the "v"-prefixed form semver expects.
func canonical(name string) string {
	if strings.HasPrefix(name, "v") {
		return name
	}
	return "v" + name
}

// CompareVersions orders release names by semantic version. Names that are not
// valid versions sort below valid ones. Equal versions fall back to a lexical
// comparison so the order is total.
func CompareVersions(a, b string) int {
	va, vb := canonical(a), canonical(b)
	okA, okB := semver.IsValid(va), semver.IsValid(vb)
	switch {
	case okA && okB:
		if c := semver.Compare(va, vb); c != 0 {
			return c
		}
	case okA:
		return 1
	case okB:
		return -1
	}
	return strings.Compare(a, b)
}

// SortVersions sorts names ascending by CompareVersions.
func SortVersions(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return CompareVersions(names[i], names[j]) < 0
	})
}

// IsPrerelease reports whether a tag carries a hyphenated suffix.
func IsPrerelease(name string) bool {
	return strings.Contains(name, "-")
}

// AtLeast reports whether version satisfies min. An empty min accepts any
// version.
func AtLeast(version, min string) bool {
	if min == "" {
		return true
	}
	return CompareVersions(version, min) >= 0
}
