// Package version implements semantic version parsing, range matching and
// the kernel API compatibility predicate used by plugin manifests.
package version

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	stagehanderrors "github.com/alexisbeaulieu97/stagehand/pkg/errors"
)

// CurrentAPIVersion is the kernel API version plugins are checked against.
var CurrentAPIVersion = MustParseAPIVersion("1.0.0")

var bareVersionPattern = regexp.MustCompile(`^v?\d+(\.\d+)?(\.\d+)?$`)

// Version is a parsed semantic version.
type Version struct {
	v *semver.Version
}

// Parse parses a semantic version. Partial versions such as "1" or "1.2" are
// accepted and padded with zeros.
func Parse(s string) (Version, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Version{}, stagehanderrors.NewFieldParseError("", "version", fmt.Errorf("version string is empty"))
	}
	parsed, err := semver.NewVersion(trimmed)
	if err != nil {
		return Version{}, stagehanderrors.NewFieldParseError("", "version", fmt.Errorf("invalid version '%s': %w", s, err))
	}
	return Version{v: parsed}, nil
}

// MustParse panics if the version cannot be parsed.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether the version was never parsed.
func (v Version) IsZero() bool {
	return v.v == nil
}

// Major returns the major component.
func (v Version) Major() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Major()
}

// Minor returns the minor component.
func (v Version) Minor() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Minor()
}

// Patch returns the patch component.
func (v Version) Patch() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Patch()
}

// Compare returns -1, 0 or 1. A zero Version sorts before every parsed one.
func (v Version) Compare(other Version) int {
	switch {
	case v.v == nil && other.v == nil:
		return 0
	case v.v == nil:
		return -1
	case other.v == nil:
		return 1
	}
	return v.v.Compare(other.v)
}

// String returns the canonical representation.
func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// Range is a version constraint. It keeps the original constraint string for display.
type Range struct {
	raw         string
	constraints *semver.Constraints
}

// ParseRange parses a constraint string. A bare version ("1.2") is treated as
// a caret range: same major, minor greater or equal to the one given.
// Operator forms (">=1.0, <2.0", "~1.2", "1.x", "^1 || ^2") follow semver rules.
func ParseRange(s string) (Range, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed == "*" {
		return Any(), nil
	}

	expr := trimmed
	if bareVersionPattern.MatchString(expr) {
		expr = "^" + strings.TrimPrefix(expr, "v")
	}

	constraints, err := semver.NewConstraint(expr)
	if err != nil {
		return Range{}, stagehanderrors.NewFieldParseError("", "version_range", fmt.Errorf("invalid version range '%s': %w", s, err))
	}
	return Range{raw: trimmed, constraints: constraints}, nil
}

// MustParseRange panics if the range cannot be parsed.
func MustParseRange(s string) Range {
	r, err := ParseRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

// Any returns a range matching every version.
func Any() Range {
	return Range{raw: "*"}
}

// IsAny reports whether the range accepts every version.
func (r Range) IsAny() bool {
	return r.constraints == nil
}

// Contains reports whether v satisfies the range.
func (r Range) Contains(v Version) bool {
	if r.constraints == nil {
		return true
	}
	if v.v == nil {
		return false
	}
	return r.constraints.Check(v.v)
}

// ContainsString parses s and checks it against the range.
func (r Range) ContainsString(s string) bool {
	v, err := Parse(s)
	if err != nil {
		return false
	}
	return r.Contains(v)
}

// String returns the constraint as written.
func (r Range) String() string {
	if r.raw == "" {
		return "*"
	}
	return r.raw
}

// MarshalText renders the constraint string.
func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a constraint string.
func (r *Range) UnmarshalText(text []byte) error {
	parsed, err := ParseRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// APIVersion is the version of the host/plugin contract. Two API versions are
// compatible when their majors match.
type APIVersion struct {
	Version
}

// ParseAPIVersion parses an API version string.
func ParseAPIVersion(s string) (APIVersion, error) {
	v, err := Parse(s)
	if err != nil {
		return APIVersion{}, err
	}
	return APIVersion{Version: v}, nil
}

// MustParseAPIVersion panics if the API version cannot be parsed.
func MustParseAPIVersion(s string) APIVersion {
	v, err := ParseAPIVersion(s)
	if err != nil {
		panic(err)
	}
	return v
}

// IsCompatibleWith reports whether both API versions share a major.
func (a APIVersion) IsCompatibleWith(other APIVersion) bool {
	return a.Major() == other.Major()
}

// Satisfies reports whether any of the ranges accepts this API version.
// An empty list places no constraint.
func (a APIVersion) Satisfies(ranges []Range) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, r := range ranges {
		if r.Contains(a.Version) {
			return true
		}
	}
	return false
}
