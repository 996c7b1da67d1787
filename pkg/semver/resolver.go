package semver

import (
	"fmt"
	"sort"

	masterminds "github.com/Masterminds/semver/v3"
)

const resolverLogPrefix = "semver:resolver"

// ValidateVersion checks that version is a strict SemVer string.
func ValidateVersion(version string) error {
	if _, err := masterminds.StrictNewVersion(version); err != nil {
		return fmt.Errorf("%s - invalid version %q: %w", resolverLogPrefix, version, err)
	}
	return nil
}

// SatisfiesRange checks if a version string satisfies a range. An empty range
// matches every valid version.
func SatisfiesRange(version, rangeStr string) bool {
	sv, err := masterminds.NewVersion(version)
	if err != nil {
		return false
	}
	if rangeStr == "" {
		return true
	}
	if IsMajorOnly(rangeStr) {
		return int(sv.Major()) == ExtractMajorFromRange(rangeStr)
	}

	constraint, err := masterminds.NewConstraint(rangeStr)
	if err != nil {
		return false
	}
	return constraint.Check(sv)
}

// Resolve returns the highest of versions that satisfies rangeStr. Stable
// releases are preferred over prereleases when no range is given.
func Resolve(versions []string, rangeStr string) (string, bool) {
	var matching []*masterminds.Version
	for _, v := range versions {
		if !SatisfiesRange(v, rangeStr) {
			continue
		}
		sv, _ := masterminds.NewVersion(v)
		matching = append(matching, sv)
	}
	if len(matching) == 0 {
		return "", false
	}

	sort.Slice(matching, func(i, j int) bool {
		return matching[i].GreaterThan(matching[j])
	})

	if rangeStr == "" {
		for _, v := range matching {
			if v.Prerelease() == "" {
				return v.Original(), true
			}
		}
	}
	return matching[0].Original(), true
}
