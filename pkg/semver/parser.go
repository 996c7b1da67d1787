// Package semver parses plugin method references and resolves plugin
// versions against SemVer ranges.
package semver

import (
	"fmt"
	"regexp"
	"strings"
)

const logPrefix = "semver:parser"

// MethodRef holds the parsed components of a method reference string.
type MethodRef struct {
	// Plugin name (e.g., "website")
	Plugin string
	// Method name within the plugin (e.g., "render")
	Method string
	// Version range if specified (e.g., "^1.2.0", "1", ""); empty means any version
	Range string
	// Raw input string
	Raw string
}

// Key is the registry key of the method, "<plugin>.<method>".
func (r *MethodRef) Key() string {
	return r.Plugin + "." + r.Method
}

var (
	identifierRegex   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	majorOnlyRegex    = regexp.MustCompile(`^\d+$`)
	exactVersionRegex = regexp.MustCompile(`^\d+\.\d+\.\d+(-[\w.]+)?(\+[\w.]+)?$`)
)

// ParseMethodRef parses a method reference string.
//
// Supported formats:
//   - jseval.run            (any version)
//   - jseval.run@1          (major only)
//   - jseval.run@1.0.0      (exact version)
//   - jseval.run@^1.2.0     (caret range)
//   - jseval.run@>=1.0.0    (comparison range)
func ParseMethodRef(input string) (*MethodRef, error) {
	raw := strings.TrimSpace(input)

	ref, rangeStr, _ := strings.Cut(raw, "@")

	plugin, method, ok := strings.Cut(ref, ".")
	if !ok {
		return nil, fmt.Errorf("%s - invalid method reference, missing plugin: %s", logPrefix, raw)
	}
	if !ValidateName(plugin) || !ValidateName(method) {
		return nil, fmt.Errorf("%s - invalid method reference: %s", logPrefix, raw)
	}

	return &MethodRef{
		Plugin: plugin,
		Method: method,
		Range:  strings.TrimSpace(rangeStr),
		Raw:    raw,
	}, nil
}

// IsMajorOnly checks if a range is a major-only specifier (e.g., "3").
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// IsExactVersion checks if a range is an exact version (e.g., "3.2.1").
func IsExactVersion(rangeStr string) bool {
	return exactVersionRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange extracts the major version if the range is major-only.
// Returns -1 if not a major-only range.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// ValidateName reports whether s is usable as a plugin or method name.
func ValidateName(s string) bool {
	return identifierRegex.MatchString(s)
}
