package listsource

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list")
	if err := os.WriteFile(path, []byte("a list"), 0644); err != nil {
		t.Fatal(err)
	}

	f, err := Open(context.Background(), path, "")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "a list" {
		t.Errorf("content = %q, want %q", got, "a list")
	}
}

func TestOpenLocalPathMissing(t *testing.T) {
	if _, err := Open(context.Background(), filepath.Join(t.TempDir(), "missing"), ""); err == nil {
		t.Fatal("expected an error for a nonexistent local path")
	}
}

func TestOpenHTTPFetchesAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("User-Agent") == "" {
			t.Errorf("request carried no User-Agent")
		}
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Write([]byte("remote list contents"))
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	f, err := Open(context.Background(), srv.URL, cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(f)
	f.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "remote list contents" {
		t.Errorf("content = %q, want %q", got, "remote list contents")
	}
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}

	// A second Open against the same cache directory sends a conditional
	// request; the handler replies 304 and Open must serve the cached copy.
	srv.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("If-Modified-Since") == "" {
			t.Errorf("second request carried no If-Modified-Since")
		}
		w.WriteHeader(http.StatusNotModified)
	})

	f2, err := Open(context.Background(), srv.URL, cacheDir)
	if err != nil {
		t.Fatal(err)
	}
	defer f2.Close()
	got2, err := io.ReadAll(f2)
	if err != nil {
		t.Fatal(err)
	}
	if string(got2) != "remote list contents" {
		t.Errorf("cached content = %q, want %q", got2, "remote list contents")
	}
	if hits != 2 {
		t.Fatalf("hits = %d, want 2", hits)
	}
}

func TestOpenHTTPDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		gw := gzip.NewWriter(w)
		gw.Write([]byte("compressed list"))
		gw.Close()
	}))
	defer srv.Close()

	f, err := Open(context.Background(), srv.URL, "")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "compressed list" {
		t.Errorf("content = %q, want %q", got, "compressed list")
	}
}

func TestOpenHTTPNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	_, err := Open(context.Background(), srv.URL, "")
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
	if _, ok := err.(*ErrNotFound); !ok {
		t.Errorf("err = %T, want *ErrNotFound", err)
	}
}
