package walker

import (
	"path/filepath"

	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/trace"
)

// depthDir implements the "depth" traversal order for the single directory
// rel (relative to base): every subdirectory is fully walked (recursively)
// before rel's own DirStart/DirEnd span is opened. The first accepted
// subdirectory encountered triggers a DirMarker carrying rel's own
// metadata, emitted before any descent, so a reader learns rel exists
// before its contents appear later in the stream; a subdirectory that also
// fails the delay filter is queued on w.delay instead of being descended
// into now. A subdirectory child is never also written as a record inside
// rel's own span — its DirStart/DirEnd span, already emitted earlier, is
// the only place its metadata appears.
func (w *Walker) depthDir(base, rel string) error {
	ev := trace.Event("dir:"+rel, 0)
	defer ev.Done()

	abs := filepath.Join(base, rel)
	entries, err := readSortedDir(abs)
	if err != nil {
		return err
	}

	markerEmitted := false
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		name := ent.Name()
		childRel := joinRel(rel, name)
		testPath := childRel + "/"
		if !w.accept(testPath, true) {
			continue
		}
		if !markerEmitted {
			markerEmitted = true
			if err := w.emitDirRecord(flist.TagDirMarker, abs, rel); err != nil {
				return err
			}
		}
		if w.delayed(testPath) {
			w.delay = append(w.delay, childRel)
			continue
		}
		if err := w.depthDir(base, childRel); err != nil {
			return err
		}
	}

	if err := w.emitDirRecord(flist.TagDirStart, abs, rel); err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		testPath := joinRel(rel, name)
		if !w.accept(testPath, false) {
			continue
		}
		if err := w.emitEntry(abs, rel, name); err != nil {
			return err
		}
	}
	return w.w.WriteRecord(flist.DirEnd{})
}
