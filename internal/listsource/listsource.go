// Package listsource resolves a list reference — a local path or an
// http(s):// URL — to a local, seekable *os.File, so internal/mmapio and
// internal/index always have something they can memory-map rather than a
// streaming response body.
//
// Grounded on internal/repo/reader.go in the teacher (distr1-distri):
// conditional GET against a cached copy's mtime, transparent
// Content-Encoding: gzip decoding, and caching under a directory the
// caller supplies (the teacher computes os.UserCacheDir() itself; this
// takes it as a parameter instead, so a caller — or a test — controls
// where the cache lives).
package listsource

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync"
)

// ErrNotFound reports an HTTP 404 for a list URL.
type ErrNotFound struct {
	URL *url.URL
}

func (e *ErrNotFound) Error() string {
	return e.URL.String() + ": HTTP status 404"
}

var httpClient = &http.Client{
	Transport: &http.Transport{MaxIdleConnsPerHost: 10},
}

// Open resolves ref to a local file. A ref without an http(s):// scheme is
// opened directly. Otherwise it is fetched over HTTP, using cacheDir (if
// non-empty) both to send a conditional If-Modified-Since request and to
// persist the result for next time.
func Open(ctx context.Context, ref, cacheDir string) (*os.File, error) {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		f, err := os.Open(ref)
		if err != nil {
			return nil, xerrors.Errorf("listsource: opening %s: %w", ref, err)
		}
		return f, nil
	}
	return openHTTP(ctx, ref, cacheDir)
}

// cachePath maps a URL to a stable path under cacheDir, mirroring the
// teacher's per-repo subdirectory keyed off a slash-escaped path.
func cachePath(cacheDir, ref string) string {
	if cacheDir == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	name := strings.Trim(u.Host+u.Path, "/")
	name = strings.ReplaceAll(name, "/", "_")
	if name == "" {
		return ""
	}
	return filepath.Join(cacheDir, "dsync", name)
}

func openHTTP(ctx context.Context, ref, cacheDir string) (*os.File, error) {
	cfn := cachePath(cacheDir, ref)
	if cfn != "" {
		if err := os.MkdirAll(filepath.Dir(cfn), 0755); err != nil {
			cfn = ""
		}
	}

	var ifModifiedSince time.Time
	if cfn != "" {
		if st, err := os.Stat(cfn); err == nil {
			ifModifiedSince = st.ModTime()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, xerrors.Errorf("listsource: building request for %s: %w", ref, err)
	}
	req.Header.Set("User-Agent", dsync.UserAgent())
	req.Header.Set("Accept-Encoding", "gzip")
	if !ifModifiedSince.IsZero() {
		req.Header.Set("If-Modified-Since", ifModifiedSince.Format(http.TimeFormat))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("listsource: fetching %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if cfn != "" && resp.StatusCode == http.StatusNotModified {
		f, err := os.Open(cfn)
		if err != nil {
			return nil, xerrors.Errorf("listsource: opening cached %s: %w", ref, err)
		}
		return f, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &ErrNotFound{URL: req.URL}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, xerrors.Errorf("listsource: %s: HTTP status %s", ref, resp.Status)
	}

	body := io.Reader(resp.Body)
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, xerrors.Errorf("listsource: decoding gzip response from %s: %w", ref, err)
		}
		defer zr.Close()
		body = zr
	}

	return materialize(body, resp.Header.Get("Last-Modified"), cfn)
}

// materialize drains body into a local file — cfn if caching is possible,
// otherwise an anonymous temporary file unlinked right after it's fully
// written, since mmapio needs only the open descriptor, not its name —
// stamps it with the response's Last-Modified time, and returns it
// reopened/rewound for reading from the start.
func materialize(body io.Reader, lastModified, cfn string) (*os.File, error) {
	dir := filepath.Dir(cfn)
	pattern := ".list-*"
	if cfn == "" {
		dir = ""
		pattern = "dsync-list-*"
	}
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, xerrors.Errorf("listsource: creating temporary file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, body); err != nil {
		cleanup()
		return nil, xerrors.Errorf("listsource: downloading: %w", err)
	}

	mtime := time.Now()
	if lastModified != "" {
		if t, err := time.Parse(http.TimeFormat, lastModified); err == nil {
			mtime = t
		}
	}
	if err := os.Chtimes(tmpName, mtime, mtime); err != nil {
		cleanup()
		return nil, xerrors.Errorf("listsource: setting mtime: %w", err)
	}

	if cfn != "" {
		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			return nil, xerrors.Errorf("listsource: closing cache file: %w", err)
		}
		if err := os.Rename(tmpName, cfn); err != nil {
			os.Remove(tmpName)
			return nil, xerrors.Errorf("listsource: installing cache file: %w", err)
		}
		f, err := os.Open(cfn)
		if err != nil {
			return nil, xerrors.Errorf("listsource: reopening cache file: %w", err)
		}
		return f, nil
	}

	if err := os.Remove(tmpName); err != nil {
		cleanup()
		return nil, xerrors.Errorf("listsource: unlinking temporary file: %w", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		tmp.Close()
		return nil, xerrors.Errorf("listsource: rewinding temporary file: %w", err)
	}
	return tmp, nil
}
