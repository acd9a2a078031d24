package resolve

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nativebuild/sw/pkgid"
	"golang.org/x/xerrors"

	"github.com/nativebuild/sw/errs"
)

// HTTPCatalog publishes packages from a static HTTP(S) endpoint serving a
// "versions.json" index plus one archive per version, grounded directly
// on the teacher's internal/repo.Reader: conditional GET via
// If-Modified-Since, transparent gzip, and a small on-disk response
// cache.
type HTTPCatalog struct {
	BaseURL  string
	CacheDir string

	client *http.Client
}

var httpCatalogClient = &http.Client{Transport: &http.Transport{
	MaxIdleConnsPerHost: 10,
	DisableCompression:  true,
}}

func NewHTTPCatalog(baseURL, cacheDir string) *HTTPCatalog {
	return &HTTPCatalog{BaseURL: baseURL, CacheDir: cacheDir, client: httpCatalogClient}
}

func (c *HTTPCatalog) Name() string { return "http:" + c.BaseURL }

func (c *HTTPCatalog) cachePath(fn string) string {
	if c.CacheDir == "" {
		return ""
	}
	return filepath.Join(c.CacheDir, strings.ReplaceAll(fn, "/", "_"))
}

// get performs a conditional GET for fn relative to BaseURL, retrying
// with exponential backoff on transport errors — spec §4.D requires that
// a network-unavailable remote catalog be retried rather than treated as
// an immediate resolution failure.
func (c *HTTPCatalog) get(ctx context.Context, fn string) (io.ReadCloser, error) {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return os.Open(filepath.Join(c.BaseURL, fn))
	}

	cacheFn := c.cachePath(fn)
	var ifModifiedSince time.Time
	if cacheFn != "" {
		if st, err := os.Stat(cacheFn); err == nil {
			ifModifiedSince = st.ModTime()
		}
	}

	reqURL := strings.TrimSuffix(c.BaseURL, "/") + "/" + fn
	const maxAttempts = 5
	backoff := 200 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		rc, err := c.doGet(ctx, reqURL, cacheFn, ifModifiedSince)
		if err == nil {
			return rc, nil
		}
		if _, ok := err.(*errNotFound); ok {
			return nil, err
		}
		lastErr = err
	}
	return nil, xerrors.Errorf("%s: %w: %v", reqURL, errs.ErrRemoteUnavailable, lastErr)
}

type errNotFound struct{ url *url.URL }

func (e *errNotFound) Error() string { return e.url.String() + ": HTTP status 404" }

type gzipReadCloser struct {
	body io.ReadCloser
	zr   *gzip.Reader
}

func (r *gzipReadCloser) Read(p []byte) (int, error) { return r.zr.Read(p) }
func (r *gzipReadCloser) Close() error {
	if err := r.zr.Close(); err != nil {
		return err
	}
	return r.body.Close()
}

type teeCloser struct {
	io.Reader
	closeFunc func() error
}

func (t *teeCloser) Close() error { return t.closeFunc() }

func (c *HTTPCatalog) doGet(ctx context.Context, reqURL, cacheFn string, ifModifiedSince time.Time) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.Format(http.TimeFormat))
	}
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if cacheFn != "" && resp.StatusCode == http.StatusNotModified {
		resp.Body.Close()
		return os.Open(cacheFn)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, &errNotFound{url: req.URL}
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, xerrors.Errorf("%s: HTTP status %s", reqURL, resp.Status)
	}
	body := resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, err
		}
		body = &gzipReadCloser{body: resp.Body, zr: zr}
	}
	var cacheFile *os.File
	if cacheFn != "" {
		if err := os.MkdirAll(filepath.Dir(cacheFn), 0755); err == nil {
			cacheFile, _ = os.Create(cacheFn)
		}
	}
	var w io.Writer = io.Discard
	if cacheFile != nil {
		w = cacheFile
	}
	return &teeCloser{
		Reader: io.TeeReader(body, w),
		closeFunc: func() error {
			err := body.Close()
			if cacheFile != nil {
				cacheFile.Close()
			}
			return err
		},
	}, nil
}

type versionsIndex struct {
	Versions []string `json:"versions"`
}

func (c *HTTPCatalog) Versions(ctx context.Context, path pkgid.Path) ([]pkgid.Version, error) {
	fn := strings.Join(path.Components, "/") + "/versions.json"
	rc, err := c.get(ctx, fn)
	if err != nil {
		if _, ok := err.(*errNotFound); ok {
			return nil, nil
		}
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	var idx versionsIndex
	if err := json.NewDecoder(rc).Decode(&idx); err != nil {
		return nil, xerrors.Errorf("%s: %w", fn, err)
	}
	versions := make([]pkgid.Version, 0, len(idx.Versions))
	for _, v := range idx.Versions {
		versions = append(versions, pkgid.ParseVersion(v))
	}
	return versions, nil
}

func (c *HTTPCatalog) Fetch(ctx context.Context, id pkgid.ID, destDir string) (string, error) {
	fn := strings.Join(id.Path.Components, "/") + "/" + id.Version.String() + ".tar.gz"
	rc, err := c.get(ctx, fn)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, id.Path.String()+"-"+id.Version.String()+".tar.gz")
	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, rc); err != nil {
		return "", err
	}
	return dest, nil
}
