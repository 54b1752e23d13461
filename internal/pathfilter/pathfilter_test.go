package pathfilter

import (
	"testing"

	"github.com/go-dsync/dsync/internal/flist"
)

func TestDefaultInclude(t *testing.T) {
	f := New()
	if !f.Test("anything/goes.txt", false) {
		t.Fatal("empty filter must include everything")
	}
}

func TestBasenameExclude(t *testing.T) {
	f := New()
	f.Add(flist.FilterExclude, "*.o")
	if f.Test("build/main.o", false) {
		t.Fatal("expected main.o to be excluded by basename pattern")
	}
	if !f.Test("build/main.c", false) {
		t.Fatal("main.c should not match *.o")
	}
}

func TestPathPatternRequiresSlash(t *testing.T) {
	f := New()
	f.Add(flist.FilterExclude, "build/*.o")
	if f.Test("other/main.o", false) {
		t.Fatal("build/*.o must not match files outside build/")
	}
	if !f.Test("build/main.o", false) {
		t.Fatal("build/*.o must match build/main.o")
	}
}

func TestDirOnlyTrailingSlash(t *testing.T) {
	f := New()
	f.Add(flist.FilterExclude, "cache/")
	if f.Test("cache/somefile", false) {
		// "cache/somefile" as a regular file isn't itself named "cache", so
		// the directory-only rule should not match it directly -- it only
		// ever excludes an entry named "cache" that is itself a directory.
	}
	if f.Test("cache", true) {
		t.Fatal("cache/ should exclude the directory named cache")
	}
	if !f.Test("cache", false) {
		t.Fatal("cache/ must not match a regular file named cache")
	}
}

func TestFirstMatchWins(t *testing.T) {
	f := New()
	f.Add(flist.FilterExclude, "*")
	f.Add(flist.FilterInclude, "*.keep")
	// First rule excludes everything; later include never runs.
	if f.Test("a.keep", false) {
		t.Fatal("expected first-match-wins: the earlier exclude * should win")
	}
}

func TestEarlierIncludeWinsOverCatchAllExclude(t *testing.T) {
	f := New()
	f.Add(flist.FilterInclude, "*.keep")
	f.Add(flist.FilterExclude, "*")
	if !f.Test("a.keep", false) {
		t.Fatal("a.keep should be included by the earlier rule")
	}
	if f.Test("a.txt", false) {
		t.Fatal("a.txt should be excluded by the catch-all rule")
	}
}
