package compare

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/walker"
)

// fakeHandler records every call it receives instead of touching a
// filesystem, so a test can assert on the classification a Comparator made
// without also exercising Corrector.
type fakeHandler struct {
	newNames     []string
	changedNames []string
	deleted      []string
	times        []string
	perms        []string
}

func (h *fakeHandler) GetNew(dir string, tag flist.Tag, rec flist.Record) error {
	h.newNames = append(h.newNames, dir+"/"+entityName(rec))
	return nil
}

func (h *fakeHandler) GetChanged(dir string, tag flist.Tag, rec flist.Record) error {
	h.changedNames = append(h.changedNames, dir+"/"+entityName(rec))
	return nil
}

func (h *fakeHandler) Delete(dir, name string, now bool) error {
	h.deleted = append(h.deleted, dir+"/"+name)
	return nil
}

func (h *fakeHandler) SetTime(dir, name string, mtime time.Time) error {
	h.times = append(h.times, dir+"/"+name)
	return nil
}

func (h *fakeHandler) SetPerm(dir, name string, perm os.FileMode) error {
	h.perms = append(h.perms, dir+"/"+name)
	return nil
}

// buildList walks src and writes a complete list (MD5 and permissions on)
// to listPath, returning a Reader positioned right after its Header.
func buildList(t *testing.T, src, listPath string) *flist.Reader {
	t.Helper()
	h := flist.NewHeader(0)
	if err := h.SetFlags(flist.TagNormalFile, flist.FlMD5|flist.FlPerm); err != nil {
		t.Fatal(err)
	}
	if err := h.SetFlags(flist.TagDirStart, flist.FlPerm); err != nil {
		t.Fatal(err)
	}
	opts := walker.Options{Order: walker.OrderTree, MD5: true, Perm: true}
	if err := walker.Produce(src, listPath, h, opts); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(listPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	r, err := flist.NewReader(flist.NewFileIO(f))
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestComparatorConvergence(t *testing.T) {
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "keep"), "same\n", 0644)
	mustWriteFile(t, filepath.Join(src, "missing"), "new content\n", 0644)
	if err := os.Mkdir(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(src, "sub", "changed"), "from the list\n", 0644)

	listPath := filepath.Join(t.TempDir(), "list")
	r := buildList(t, src, listPath)

	local := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "keep"), "same\n", 0644)
	keepSt, err := os.Stat(filepath.Join(src, "keep"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(filepath.Join(local, "keep"), keepSt.ModTime(), keepSt.ModTime()); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(local, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	mustWriteFile(t, filepath.Join(local, "sub", "changed"), "stale local content\n", 0644)
	mustWriteFile(t, filepath.Join(local, "stray"), "not in the list\n", 0644)

	h := &fakeHandler{}
	c := New(local, r, h)
	c.HashLevel = HashAlways
	if err := c.Process(context.Background()); err != nil {
		t.Fatal(err)
	}

	assertContains(t, "new", h.newNames, "/missing")
	assertContains(t, "changed", h.changedNames, "sub/changed")
	assertContains(t, "deleted", h.deleted, "/stray")
	for _, n := range h.newNames {
		if n == "/keep" || n == "sub/keep" {
			t.Errorf("keep was unexpectedly reported new: %v", h.newNames)
		}
	}
	for _, n := range h.changedNames {
		if n == "/keep" {
			t.Errorf("keep was unexpectedly reported changed: %v", h.changedNames)
		}
	}
}

func TestComparatorFixesStaleMetadata(t *testing.T) {
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "f"), "hello\n", 0644)

	listPath := filepath.Join(t.TempDir(), "list")
	r := buildList(t, src, listPath)

	local := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "f"), "hello\n", 0600)
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(filepath.Join(local, "f"), past, past); err != nil {
		t.Fatal(err)
	}

	h := &fakeHandler{}
	c := New(local, r, h)
	if err := c.Process(context.Background()); err != nil {
		t.Fatal(err)
	}

	assertContains(t, "fixed time", h.times, "/f")
	assertContains(t, "fixed perm", h.perms, "/f")
	if len(h.newNames) != 0 || len(h.changedNames) != 0 {
		t.Errorf("expected only metadata fixups, got new=%v changed=%v", h.newNames, h.changedNames)
	}
}

func TestComparatorTypeMismatchDeletesThenCreatesNew(t *testing.T) {
	src := t.TempDir()
	if err := os.Mkdir(filepath.Join(src, "x"), 0755); err != nil {
		t.Fatal(err)
	}

	listPath := filepath.Join(t.TempDir(), "list")
	r := buildList(t, src, listPath)

	local := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "x"), "this is a file, not a directory\n", 0644)

	corr := NewCorrector(local, r.Header)
	c := New(local, r, corr)
	if err := c.Process(context.Background()); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(filepath.Join(local, "x"))
	if err != nil {
		t.Fatalf("expected x to exist as a directory: %v", err)
	}
	if !fi.IsDir() {
		t.Errorf("x was not replaced with a directory")
	}
}

func TestCorrectorAppliesChanges(t *testing.T) {
	src := t.TempDir()
	mustWriteFile(t, filepath.Join(src, "new"), "brand new\n", 0644)
	if err := os.Mkdir(filepath.Join(src, "newdir"), 0700); err != nil {
		t.Fatal(err)
	}

	listPath := filepath.Join(t.TempDir(), "list")
	r := buildList(t, src, listPath)

	local := t.TempDir()
	mustWriteFile(t, filepath.Join(local, "stray"), "delete me\n", 0644)

	corr := NewCorrector(local, r.Header)
	c := New(local, r, corr)
	if err := c.Process(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(local, "stray")); !os.IsNotExist(err) {
		t.Errorf("expected stray to be removed, stat err = %v", err)
	}
	fi, err := os.Stat(filepath.Join(local, "newdir"))
	if err != nil {
		t.Fatalf("expected newdir to be created: %v", err)
	}
	if !fi.IsDir() {
		t.Errorf("newdir is not a directory")
	}
	if fi.Mode().Perm() != 0700 {
		t.Errorf("newdir perm = %v, want 0700", fi.Mode().Perm())
	}
}

func mustWriteFile(t *testing.T, path, content string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), perm); err != nil {
		t.Fatal(err)
	}
}

func assertContains(t *testing.T, label string, got []string, want string) {
	t.Helper()
	for _, g := range got {
		if g == want {
			return
		}
	}
	t.Errorf("%s: %v does not contain %q", label, got, want)
}
