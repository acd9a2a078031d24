package resolve

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cavaliercoder/go-cpio"
	"github.com/nativebuild/sw/pkgid"
	"golang.org/x/xerrors"
)

// LocalStorageCatalog publishes packages stored on disk as one cpio
// archive per version, named "<version>.cpio", under a directory named
// after the package path. Archives get here only through Store; the
// Resolver and the other catalogs never call Store, so a package that
// GitHubCatalog or HTTPCatalog downloads is not added to this storage.
type LocalStorageCatalog struct {
	Dir string
}

func (c *LocalStorageCatalog) Name() string { return "local:" + c.Dir }

func (c *LocalStorageCatalog) pkgDir(path pkgid.Path) string {
	return filepath.Join(c.Dir, strings.Join(path.Components, string(filepath.Separator)))
}

func (c *LocalStorageCatalog) Versions(ctx context.Context, path pkgid.Path) ([]pkgid.Version, error) {
	entries, err := os.ReadDir(c.pkgDir(path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var versions []pkgid.Version
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".cpio") {
			continue
		}
		versions = append(versions, pkgid.ParseVersion(strings.TrimSuffix(e.Name(), ".cpio")))
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Compare(versions[j]) < 0 })
	return versions, nil
}

func (c *LocalStorageCatalog) archivePath(id pkgid.ID) string {
	return filepath.Join(c.pkgDir(id.Path), id.Version.String()+".cpio")
}

// Fetch extracts the archived package into destDir.
func (c *LocalStorageCatalog) Fetch(ctx context.Context, id pkgid.ID, destDir string) (string, error) {
	f, err := os.Open(c.archivePath(id))
	if err != nil {
		return "", xerrors.Errorf("local storage: %w", err)
	}
	defer f.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	r := cpio.NewReader(f)
	for {
		hdr, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", xerrors.Errorf("local storage: corrupt archive for %s: %w", id, err)
		}
		target := filepath.Join(destDir, hdr.Name)
		if hdr.Mode.IsDir() {
			if err := os.MkdirAll(target, hdr.Mode.Perm()); err != nil {
				return "", err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.Mode.Perm())
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(out, r); err != nil {
			out.Close()
			return "", err
		}
		out.Close()
	}
	return destDir, nil
}

// Store archives the contents of srcDir as the package id's cpio file,
// for later Versions and Fetch calls.
func (c *LocalStorageCatalog) Store(id pkgid.ID, srcDir string) error {
	path := c.archivePath(id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := cpio.NewWriter(f)
	defer w.Close()

	return filepath.Walk(srcDir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr := &cpio.Header{
			Name: rel,
			Mode: cpio.FileMode(info.Mode()),
			Size: info.Size(),
		}
		if info.IsDir() {
			hdr.Size = 0
		}
		if err := w.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		in, err := os.Open(p)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
}
