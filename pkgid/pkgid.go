// Package pkgid implements package identity: the (path, version) pair that
// names a concrete package, and the (path, version-range) pair that names
// an unresolved reference to one (spec §3).
package pkgid

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/xerrors"
)

// PathKind distinguishes where a package path's name was rooted.
type PathKind int

const (
	// Relative paths are resolved against the referencing package's own
	// location, e.g. "sibling" referenced from "org.example.lib".
	Relative PathKind = iota
	// Absolute paths are rooted at the catalog's top level, e.g.
	// "/org.example.lib".
	Absolute
	// Local paths name a package that lives in the build tree itself
	// rather than being resolved through any catalog, e.g.
	// "local:tools/codegen".
	Local
)

func (k PathKind) String() string {
	switch k {
	case Absolute:
		return "absolute"
	case Local:
		return "local"
	default:
		return "relative"
	}
}

// Path is a dotted hierarchical package name, e.g. "org.example.lib".
type Path struct {
	Components []string
	Kind       PathKind
}

const localPrefix = "local:"

// ParsePath parses a dotted path string into its components and origin
// kind. A leading "/" marks an absolute path; a "local:" prefix marks a
// local (in-tree) package; anything else is relative.
func ParsePath(s string) Path {
	switch {
	case strings.HasPrefix(s, localPrefix):
		return Path{
			Components: strings.Split(strings.TrimPrefix(s, localPrefix), "."),
			Kind:       Local,
		}
	case strings.HasPrefix(s, "/"):
		return Path{
			Components: strings.Split(strings.TrimPrefix(s, "/"), "."),
			Kind:       Absolute,
		}
	default:
		return Path{
			Components: strings.Split(s, "."),
			Kind:       Relative,
		}
	}
}

// String renders p back into dotted form.
func (p Path) String() string {
	joined := strings.Join(p.Components, ".")
	switch p.Kind {
	case Absolute:
		return "/" + joined
	case Local:
		return localPrefix + joined
	default:
		return joined
	}
}

// Equal reports whether p and other name the same path.
func (p Path) Equal(other Path) bool {
	if p.Kind != other.Kind || len(p.Components) != len(other.Components) {
		return false
	}
	for i := range p.Components {
		if p.Components[i] != other.Components[i] {
			return false
		}
	}
	return true
}

// Version is a SemVer-compatible version, with room for the branch/tag
// variants the upstream catalog may publish instead of a release.
type Version struct {
	// SemVer holds a "vMAJOR.MINOR.PATCH[-pre][+build]" string understood
	// by golang.org/x/mod/semver, or "" if this version is a non-SemVer
	// variant.
	SemVer string
	// Variant names a branch or tag when SemVer is empty, e.g.
	// "branch:main" or "tag:nightly".
	Variant string
}

// String renders the version for display/log purposes.
func (v Version) String() string {
	if v.SemVer != "" {
		return v.SemVer
	}
	return v.Variant
}

// IsZero reports whether v names no version at all.
func (v Version) IsZero() bool { return v.SemVer == "" && v.Variant == "" }

// ParseVersion parses s into a Version. A valid SemVer string, with or
// without its leading "v", becomes a canonical SemVer version; everything
// else becomes a variant (branch or tag name) verbatim.
func ParseVersion(s string) Version {
	if semver.IsValid(s) {
		return Version{SemVer: semver.Canonical(s)}
	}
	// Tolerate bare "1.2.3" the way most package ecosystems write
	// versions, by trying again with a "v" prefix.
	if semver.IsValid("v" + s) {
		return Version{SemVer: semver.Canonical("v" + s)}
	}
	return Version{Variant: s}
}

// Compare orders versions the way sort.Slice expects: negative if v < other,
// zero if equal, positive if v > other. SemVer releases always compare
// greater than variants (a released version is more specific than "whatever
// HEAD of some branch currently is"); two variants compare lexically.
func (v Version) Compare(other Version) int {
	switch {
	case v.SemVer != "" && other.SemVer != "":
		return semver.Compare(v.SemVer, other.SemVer)
	case v.SemVer != "" && other.SemVer == "":
		return 1
	case v.SemVer == "" && other.SemVer != "":
		return -1
	default:
		return strings.Compare(v.Variant, other.Variant)
	}
}

// ID names one concrete, resolved package.
type ID struct {
	Path    Path
	Version Version
}

// String renders the ID for display/log purposes, e.g. "org.example.lib@v1.2.3".
func (id ID) String() string {
	return fmt.Sprintf("%s@%s", id.Path, id.Version)
}

// Equal reports whether id and other name the same package at the same
// version.
func (id ID) Equal(other ID) bool {
	return id.Path.Equal(other.Path) && id.Version == other.Version
}

// UnresolvedRef names a package by path together with a version range
// that a Catalog resolves into a concrete ID (spec §3, §4.D).
type UnresolvedRef struct {
	Path  Path
	Range string
}

// String renders the reference for display/log purposes.
func (r UnresolvedRef) String() string {
	if r.Range == "" {
		return r.Path.String()
	}
	return fmt.Sprintf("%s@%s", r.Path, r.Range)
}

// Satisfies reports whether v falls within r.Range. Supported range forms:
//
//	""  or "*"     any version
//	"=vX.Y.Z"      exact SemVer match
//	"^vX.Y.Z"      same major version, >= vX.Y.Z  (caret range)
//	">=vX.Y.Z"     at least vX.Y.Z
//	"branch:NAME"  exact variant match
//	"vX.Y.Z"       exact SemVer match (bare form)
func (r UnresolvedRef) Satisfies(v Version) bool {
	rng := strings.TrimSpace(r.Range)
	if rng == "" || rng == "*" {
		return true
	}
	if strings.HasPrefix(rng, "branch:") || strings.HasPrefix(rng, "tag:") {
		return v.Variant == rng
	}
	switch {
	case strings.HasPrefix(rng, "^"):
		base := ParseVersion(strings.TrimPrefix(rng, "^"))
		if v.SemVer == "" || base.SemVer == "" {
			return false
		}
		return semver.Major(v.SemVer) == semver.Major(base.SemVer) && semver.Compare(v.SemVer, base.SemVer) >= 0
	case strings.HasPrefix(rng, ">="):
		base := ParseVersion(strings.TrimPrefix(rng, ">="))
		return v.SemVer != "" && base.SemVer != "" && semver.Compare(v.SemVer, base.SemVer) >= 0
	case strings.HasPrefix(rng, "="):
		base := ParseVersion(strings.TrimPrefix(rng, "="))
		return v == base
	default:
		base := ParseVersion(rng)
		return v == base
	}
}

// HighestSatisfying returns the index into candidates of the highest
// version satisfying r, or -1 if none match. Ties (e.g. two identical
// versions published by different catalogs) keep the first match, so
// catalog order ("first match wins" per spec §4.D) is respected by
// feeding candidates in catalog-priority order.
func HighestSatisfying(r UnresolvedRef, candidates []Version) int {
	best := -1
	for i, c := range candidates {
		if !r.Satisfies(c) {
			continue
		}
		if best == -1 || c.Compare(candidates[best]) > 0 {
			best = i
		}
	}
	return best
}

// MustParseRevision parses a distri-style trailing integer revision (e.g.
// the "-4" in "glibc-2.31-4"), returning 0 if it doesn't parse. Kept for
// parity with upstream package naming conventions that embed a revision
// counter after the upstream version.
func MustParseRevision(s string) int64 {
	rev, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return rev
}

// ErrInvalidPath is returned by ParsePath callers that additionally
// validate non-emptiness; ParsePath itself never fails.
var ErrInvalidPath = xerrors.New("pkgid: invalid path")
