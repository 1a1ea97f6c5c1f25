// Package versioning implements the MAJOR.MINOR.PATCH version strings carried
// by catalog entries and the bump directives applied to them.
package versioning

import (
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

// Initial is the version assigned to a newly created entry.
const Initial = "1.0.0"

// ErrInvalid is returned for anything that is not a plain MAJOR.MINOR.PATCH.
var ErrInvalid = errors.New("invalid semver")

// Version is a parsed MAJOR.MINOR.PATCH triple.
type Version struct {
	Major uint64
	Minor uint64
	Patch uint64
}

// String returns the string representation of the version.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Parse accepts exactly MAJOR.MINOR.PATCH. Prefixes, prerelease tags and
// build metadata are rejected.
func Parse(s string) (Version, error) {
	sv, err := semver.StrictNewVersion(s)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrInvalid, s, err)
	}
	if sv.Prerelease() != "" || sv.Metadata() != "" {
		return Version{}, fmt.Errorf("%w: %q: prerelease and build metadata are not allowed", ErrInvalid, s)
	}
	return Version{Major: sv.Major(), Minor: sv.Minor(), Patch: sv.Patch()}, nil
}

// Valid reports whether s parses.
func Valid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

func (v Version) semver() *semver.Version {
	return semver.New(v.Major, v.Minor, v.Patch, "", "")
}

// Compare returns -1 if v < other, 0 if equal, 1 if v > other.
func (v Version) Compare(other Version) int {
	return v.semver().Compare(other.semver())
}

// GreaterThan reports whether v sorts strictly after other.
func (v Version) GreaterThan(other Version) bool {
	return v.Compare(other) > 0
}

// IncrementMajor returns a new version with major incremented.
func (v Version) IncrementMajor() Version {
	n := v.semver().IncMajor()
	return Version{Major: n.Major(), Minor: n.Minor(), Patch: n.Patch()}
}

// IncrementMinor returns a new version with minor incremented.
func (v Version) IncrementMinor() Version {
	n := v.semver().IncMinor()
	return Version{Major: n.Major(), Minor: n.Minor(), Patch: n.Patch()}
}

// IncrementPatch returns a new version with patch incremented.
func (v Version) IncrementPatch() Version {
	n := v.semver().IncPatch()
	return Version{Major: n.Major(), Minor: n.Minor(), Patch: n.Patch()}
}

// Bump is an explicit version directive for governance-only patches.
type Bump string

const (
	BumpNone  Bump = "none"
	BumpPatch Bump = "patch"
	BumpMinor Bump = "minor"
	BumpMajor Bump = "major"
)

// Valid reports whether b is a known directive. The empty string counts as
// BumpNone.
func (b Bump) Valid() bool {
	switch b {
	case "", BumpNone, BumpPatch, BumpMinor, BumpMajor:
		return true
	}
	return false
}

// Apply returns v advanced by the directive.
func (b Bump) Apply(v Version) Version {
	switch b {
	case BumpPatch:
		return v.IncrementPatch()
	case BumpMinor:
		return v.IncrementMinor()
	case BumpMajor:
		return v.IncrementMajor()
	default:
		return v
	}
}
