package walker

import (
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync"
	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/index"
)

// indexMDSource adapts an internal/index.Reader (a lookup over a mmap'd
// previous list) to the mdSource interface Walker consults for MD5 reuse.
type indexMDSource struct {
	r *index.Reader
}

// NewIndexMDSource wraps r so Produce can reuse MD5 digests from a previous
// list's indexed reader instead of a DigestCache sidecar.
func NewIndexMDSource(r *index.Reader) mdSource {
	return &indexMDSource{r: r}
}

func (s *indexMDSource) lookup(dir, name string) (CacheEntry, bool) {
	tag, rec, found, err := s.r.Lookup(dir, name)
	if err != nil || !found {
		return CacheEntry{}, false
	}
	epoch := int64(s.r.Epoch())
	switch tag {
	case flist.TagNormalFile:
		nf := rec.(*flist.NormalFile)
		return CacheEntry{ModTime: int64(nf.ModTime) + epoch, Size: nf.Size, MD5: nf.MD5}, true
	case flist.TagHardLink:
		hl := rec.(*flist.HardLink)
		return CacheEntry{ModTime: int64(hl.ModTime) + epoch, Size: hl.Size, MD5: hl.MD5}, true
	default:
		return CacheEntry{}, false
	}
}

// Produce walks base and writes a complete, framed list to listPath,
// following the producer's atomic write protocol: the new list is built at
// listPath+".new"; on success the existing listPath (if any) is renamed to
// listPath+"~", the ".new" file takes its place, and the "~" backup is
// removed. Any failure before the final rename leaves the original
// listPath, if it existed, completely untouched.
func Produce(base, listPath string, header *flist.Header, opts Options) error {
	newPath := listPath + ".new"

	pf, err := renameio.TempFile("", newPath)
	if err != nil {
		return xerrors.Errorf("walker: creating %s: %w", newPath, err)
	}
	defer pf.Cleanup()

	fio := flist.NewFileIO(pf)
	w, err := flist.NewWriter(fio, header)
	if err != nil {
		return err
	}

	walker := New(w, opts)
	if err := walker.Walk(base); err != nil {
		return err
	}
	if err := w.WriteRecord(&flist.Trailer{Signature: flist.TrailerSignature}); err != nil {
		return err
	}

	if err := pf.CloseAtomicallyReplace(); err != nil {
		return xerrors.Errorf("walker: finalizing %s: %w", newPath, err)
	}

	if walker.cache != nil {
		cachePath := opts.CachePath
		dsync.RegisterAtExit(func() error {
			return walker.cache.Save(cachePath)
		})
	}

	return commitList(listPath, newPath)
}

// commitList performs the list -> list~, list.new -> list, unlink(list~)
// rename sequence. newPath must already exist and be complete; listPath may
// or may not exist yet.
func commitList(listPath, newPath string) error {
	backup := listPath + "~"
	if _, err := os.Stat(listPath); err == nil {
		if err := os.Rename(listPath, backup); err != nil {
			return xerrors.Errorf("walker: backing up %s: %w", listPath, err)
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	if err := os.Rename(newPath, listPath); err != nil {
		return xerrors.Errorf("walker: replacing %s: %w", listPath, err)
	}

	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		return xerrors.Errorf("walker: removing backup %s: %w", backup, err)
	}
	return nil
}
