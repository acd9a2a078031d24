// Package resolve implements the dependency resolver (spec §4.D): turning
// an UnresolvedRef into a concrete pkgid.ID by consulting an ordered list
// of catalogs, first match wins.
package resolve

import (
	"context"

	"github.com/nativebuild/sw/pkgid"
)

// Catalog is a source of concrete package versions for a path. Resolve
// implementations (LocalStorageCatalog, GitHubCatalog, HTTPCatalog) each
// wrap one upstream source the way the teacher's internal/repo treats a
// filesystem path or an HTTP endpoint interchangeably as a distri.Repo.
type Catalog interface {
	// Name identifies the catalog for diagnostics.
	Name() string
	// Versions lists every version this catalog publishes for path. An
	// empty, nil-error result means "no such package here", which the
	// Resolver treats as a miss and falls through to the next catalog.
	Versions(ctx context.Context, path pkgid.Path) ([]pkgid.Version, error)
	// Fetch retrieves the package contents for id into destDir, returning
	// the on-disk path it placed them at.
	Fetch(ctx context.Context, id pkgid.ID, destDir string) (string, error)
}

// Resolver resolves UnresolvedRefs against an ordered chain of catalogs.
type Resolver struct {
	Catalogs []Catalog
}

// New returns a Resolver trying catalogs in the given priority order.
func New(catalogs ...Catalog) *Resolver {
	return &Resolver{Catalogs: catalogs}
}

// Resolved pairs a concrete ID with the catalog that produced it.
type Resolved struct {
	ID      pkgid.ID
	Catalog Catalog
}

// Resolve finds the highest version satisfying ref in the first catalog
// that publishes any matching version at all (spec §4.D: "an ordered list
// of catalogs; the first one containing a matching version wins" — later
// catalogs are never consulted once an earlier one has a match, even if a
// later catalog holds a strictly higher version).
func (r *Resolver) Resolve(ctx context.Context, ref pkgid.UnresolvedRef) (*Resolved, error) {
	for _, cat := range r.Catalogs {
		versions, err := cat.Versions(ctx, ref.Path)
		if err != nil {
			return nil, err
		}
		if len(versions) == 0 {
			continue
		}
		idx := pkgid.HighestSatisfying(ref, versions)
		if idx == -1 {
			continue
		}
		return &Resolved{
			ID:      pkgid.ID{Path: ref.Path, Version: versions[idx]},
			Catalog: cat,
		}, nil
	}
	return nil, nil
}
