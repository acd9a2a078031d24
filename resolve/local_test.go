package resolve

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nativebuild/sw/pkgid"
)

func TestLocalStorageStoreFetchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cat := &LocalStorageCatalog{Dir: filepath.Join(dir, "storage")}

	src := filepath.Join(dir, "src")
	if err := os.MkdirAll(filepath.Join(src, "bin"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "bin", "tool"), []byte("payload"), 0755); err != nil {
		t.Fatal(err)
	}

	id := pkgid.ID{Path: pkgid.ParsePath("org.example.tool"), Version: pkgid.ParseVersion("v1.2.3")}
	if err := cat.Store(id, src); err != nil {
		t.Fatal(err)
	}

	versions, err := cat.Versions(context.Background(), id.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0].Compare(id.Version) != 0 {
		t.Fatalf("expected [v1.2.3], got %v", versions)
	}

	dest := filepath.Join(dir, "dest")
	out, err := cat.Fetch(context.Background(), id, dest)
	if err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(out, "bin", "tool"))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "payload" {
		t.Fatalf("got %q", b)
	}
}

func TestLocalStorageVersionsMissingPackage(t *testing.T) {
	cat := &LocalStorageCatalog{Dir: t.TempDir()}
	versions, err := cat.Versions(context.Background(), pkgid.ParsePath("nothing.here"))
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected no versions, got %v", versions)
	}
}

type stubCatalog struct {
	name     string
	versions map[string][]pkgid.Version
}

func (c *stubCatalog) Name() string { return c.name }
func (c *stubCatalog) Versions(ctx context.Context, path pkgid.Path) ([]pkgid.Version, error) {
	return c.versions[path.String()], nil
}
func (c *stubCatalog) Fetch(ctx context.Context, id pkgid.ID, destDir string) (string, error) {
	return destDir, nil
}

func TestResolverFirstCatalogWins(t *testing.T) {
	first := &stubCatalog{name: "first", versions: map[string][]pkgid.Version{
		"org.lib": {pkgid.ParseVersion("v1.0.0")},
	}}
	second := &stubCatalog{name: "second", versions: map[string][]pkgid.Version{
		"org.lib": {pkgid.ParseVersion("v9.9.9")},
	}}
	r := New(first, second)
	got, err := r.Resolve(context.Background(), pkgid.UnresolvedRef{Path: pkgid.ParsePath("org.lib")})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Catalog != first || got.ID.Version.String() != "v1.0.0" {
		t.Fatalf("expected first catalog's v1.0.0 to win, got %+v", got)
	}
}

func TestResolverFallsThroughOnMiss(t *testing.T) {
	empty := &stubCatalog{name: "empty", versions: map[string][]pkgid.Version{}}
	second := &stubCatalog{name: "second", versions: map[string][]pkgid.Version{
		"org.lib": {pkgid.ParseVersion("v2.0.0")},
	}}
	r := New(empty, second)
	got, err := r.Resolve(context.Background(), pkgid.UnresolvedRef{Path: pkgid.ParsePath("org.lib")})
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Catalog != second {
		t.Fatalf("expected fallthrough to second catalog, got %+v", got)
	}
}

func TestResolverNoMatch(t *testing.T) {
	r := New(&stubCatalog{name: "only", versions: map[string][]pkgid.Version{}})
	got, err := r.Resolve(context.Background(), pkgid.UnresolvedRef{Path: pkgid.ParsePath("missing")})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}
