// Package walker implements the producer side of a file-list: a recursive
// tree walk in one of three orderings, emitting a flist.Writer stream with
// MD5 reuse against a previous list and optional rsync block-checksum
// emission for large files.
//
// Grounded on dsGenFileList (genfilelist.{h,cc}): the tree/breadth ordering
// is a queue of pending directories (a stack for tree, a FIFO for breadth),
// each dequeued directory emitting its DirStart, direct children, and
// DirEnd before the next is processed; depth ordering recurses into every
// subdirectory first, emitting a DirMarker placeholder for a directory
// before descending into any of its children, and only opens the
// directory's own DirStart/DirEnd span once all descendants are done.
// Unlike the original, which mutates the process's current directory with
// chdir as it walks, every function here threads an explicit base-relative
// path and never changes the working directory.
package walker

import (
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/pathfilter"
	"github.com/go-dsync/dsync/internal/rsync"
)

// Order selects the traversal policy.
type Order int

const (
	OrderTree Order = iota
	OrderBreadth
	OrderDepth
)

// mdSource resolves a cached (mtime, size, md5) for a (dir, name) pair, so
// the walker can skip rehashing a file that has not changed since a
// previous run.
type mdSource interface {
	lookup(dir, name string) (CacheEntry, bool)
}

// Options configures a Walker.
type Options struct {
	Order Order

	// Accept entries never appear in the output when rejected; Delay
	// entries are deferred to the end of the traversal when rejected. Both
	// may be nil (meaning accept/never-delay everything).
	Accept *pathfilter.Filter
	Delay  *pathfilter.Filter

	// MD5Source, when non-nil, is consulted before hashing a regular file
	// from scratch. StripDepth leading path components of dir are removed
	// before the lookup, to rebase a list captured under a different root.
	MD5Source  mdSource
	StripDepth int

	MD5    bool
	Perm   bool
	Owner  bool
	RSync  bool
	// MinRSyncSize is the smallest regular-file size that gets an
	// RSyncChecksum record in addition to NormalFile; files below this
	// size only ever get an MD5.
	MinRSyncSize uint64

	// RSyncBlockSize overrides rsync.DefaultBlockSize when nonzero.
	RSyncBlockSize uint64

	// CachePath, when non-empty, makes Produce persist every regular
	// file's (mtime, size, md5) observed during this walk as a gzip
	// sidecar at this path once the walk finishes, for MD5Source to warm-
	// start a later run via LoadDigestCache instead of reopening this
	// run's own list.
	CachePath string
}

// Walker drives one Produce call.
type Walker struct {
	w     *flist.Writer
	opts  Options
	delay []string // depth-order delay queue (FIFO), relative dir paths
	cache *DigestCache
}

// New returns a Walker that writes through w using opts. w's Header should
// already have FlMD5/FlPerm/FlOwner set on the tags this walk will use,
// matching opts.
func New(w *flist.Writer, opts Options) *Walker {
	wk := &Walker{w: w, opts: opts}
	if opts.CachePath != "" {
		wk.cache = NewDigestCache()
	}
	return wk
}

// Walk traverses base according to opts.Order, writing a complete record
// stream (not including the Header, already written by flist.NewWriter, or
// the Trailer, written by the caller once every root it wants in this list
// has been walked).
func (w *Walker) Walk(base string) error {
	switch w.opts.Order {
	case OrderDepth:
		if err := w.depthDir(base, ""); err != nil {
			return err
		}
		for len(w.delay) > 0 {
			rel := w.delay[0]
			w.delay = w.delay[1:]
			if err := w.depthDir(base, rel); err != nil {
				return err
			}
		}
		return nil
	case OrderTree, OrderBreadth:
		return w.walkQueue(base)
	default:
		return xerrors.Errorf("walker: unknown order %d", w.opts.Order)
	}
}

func (w *Walker) accept(relPath string, isDir bool) bool {
	if w.opts.Accept == nil {
		return true
	}
	return w.opts.Accept.Test(relPath, isDir)
}

func (w *Walker) delayed(relPath string) bool {
	if w.opts.Delay == nil {
		return false
	}
	return !w.opts.Delay.Test(relPath, true)
}

// readSortedDir lists dir's entries in a deterministic (lexical) order; the
// format does not require this, but it makes output reproducible, which
// the original's raw readdir() order was not.
func readSortedDir(dir string) ([]os.DirEntry, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(ents, func(i, j int) bool { return ents[i].Name() < ents[j].Name() })
	return ents, nil
}

func joinRel(rel, name string) string {
	if rel == "" {
		return name
	}
	return rel + "/" + name
}

// dirRecordName is the Name a DirStart/DirMarker/Directory record carries
// for rel: the directory's full path relative to the walk's base ("" for
// the root), joined with "/". Every DirStart/DirEnd span in the stream is
// self-contained (a directory's descendants are never interleaved with a
// sibling's span — see walker.go's package doc), so a reader has no other
// way to recover a directory's ancestry than what this field carries; a
// bare path component would collide across same-named directories in
// different branches.
func dirRecordName(rel string) string {
	return rel
}

func (w *Walker) emitDirRecord(tag flist.Tag, abs, rel string) error {
	st, err := os.Lstat(abs)
	if err != nil {
		return err
	}
	d := &flist.Directory{}
	d.Tag = tag
	d.ModTime = modTimeDelta(st, w.w.Header.Epoch)
	d.Name = dirRecordName(rel)
	if w.opts.Perm {
		d.Permissions = uint16(st.Mode().Perm())
	}
	if w.opts.Owner {
		d.User, d.Group = ownerOf(st)
	}
	return w.w.WriteRecord(d)
}

func modTimeDelta(st os.FileInfo, epoch uint64) int32 {
	return int32(st.ModTime().Unix() - int64(epoch))
}

func ownerOf(st os.FileInfo) (uid, gid uint32) {
	sys, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0
	}
	return sys.Uid, sys.Gid
}

// emitEntry handles one non-directory directory entry: name relative to
// abs dir, recorded under directory rel.
func (w *Walker) emitEntry(abs, rel, name string) error {
	path := filepath.Join(abs, name)
	st, err := os.Lstat(path)
	if err != nil {
		return err
	}
	switch {
	case st.Mode()&os.ModeSymlink != 0:
		return w.emitSymlink(path, rel, name, st)
	case st.Mode().IsRegular():
		return w.emitRegular(path, rel, name, st)
	case st.Mode()&os.ModeDevice != 0, st.Mode()&os.ModeCharDevice != 0, st.Mode()&os.ModeNamedPipe != 0:
		return w.emitDevice(rel, name, st)
	default:
		return xerrors.Errorf("walker: %s is not a known entry type (mode %v)", path, st.Mode())
	}
}

func (w *Walker) emitSymlink(path, rel, name string, st os.FileInfo) error {
	target, err := os.Readlink(path)
	if err != nil {
		return err
	}
	s := &flist.Symlink{To: target}
	s.Tag = flist.TagSymlink
	s.ModTime = modTimeDelta(st, w.w.Header.Epoch)
	s.Name = name
	if w.opts.Owner {
		s.User, s.Group = ownerOf(st)
	}
	return w.w.WriteRecord(s)
}

func (w *Walker) emitDevice(rel, name string, st os.FileInfo) error {
	d := &flist.DeviceSpecial{}
	d.Tag = flist.TagDeviceSpecial
	d.ModTime = modTimeDelta(st, w.w.Header.Epoch)
	d.Permissions = uint16(st.Mode().Perm())
	d.Name = name
	if w.opts.Owner {
		d.User, d.Group = ownerOf(st)
	}
	if sys, ok := st.Sys().(*syscall.Stat_t); ok {
		d.Dev = uint32(sys.Rdev)
	}
	return w.w.WriteRecord(d)
}

func (w *Walker) emitRegular(path, rel, name string, st os.FileInfo) error {
	size := uint64(st.Size())
	n := &flist.NormalFile{Size: size}
	n.Tag = flist.TagNormalFile
	n.ModTime = modTimeDelta(st, w.w.Header.Epoch)
	n.Name = name
	if w.opts.Perm {
		n.Permissions = uint16(st.Mode().Perm())
	}
	if w.opts.Owner {
		n.User, n.Group = ownerOf(st)
	}

	useRSync := w.opts.RSync && size >= w.opts.MinRSyncSize
	if useRSync {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		ck, sum, err := rsync.Generate(f, size, w.opts.RSyncBlockSize)
		if err != nil {
			return xerrors.Errorf("walker: rsync checksum for %s: %w", path, err)
		}
		n.MD5 = sum
		w.recordCache(rel, name, CacheEntry{ModTime: st.ModTime().Unix(), Size: size, MD5: sum})
		if err := w.w.WriteRecord(n); err != nil {
			return err
		}
		return w.w.WriteRecord(ck)
	}

	if w.opts.MD5 {
		md5sum, err := w.md5For(rel, name, st, path)
		if err != nil {
			return err
		}
		n.MD5 = md5sum
	}
	return w.w.WriteRecord(n)
}

func (w *Walker) md5For(rel, name string, st os.FileInfo, path string) ([16]byte, error) {
	if w.opts.MD5Source != nil {
		lookupDir := stripComponents(rel, w.opts.StripDepth)
		if e, ok := w.opts.MD5Source.lookup(lookupDir, name); ok {
			if e.ModTime == st.ModTime().Unix() && e.Size == uint64(st.Size()) {
				w.recordCache(rel, name, e)
				return e.MD5, nil
			}
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return [16]byte{}, err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return [16]byte{}, err
	}
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	w.recordCache(rel, name, CacheEntry{ModTime: st.ModTime().Unix(), Size: uint64(st.Size()), MD5: sum})
	return sum, nil
}

// recordCache records e for (rel, name) in the walker's own digest cache,
// when Options.CachePath requested one be kept.
func (w *Walker) recordCache(rel, name string, e CacheEntry) {
	if w.cache != nil {
		w.cache.Put(rel, name, e)
	}
}

// stripComponents removes the first n slash-separated leading components
// of rel, used to rebase a previous-list lookup captured under a different
// root.
func stripComponents(rel string, n int) string {
	for i := 0; i < n && rel != ""; i++ {
		idx := strings.IndexByte(rel, '/')
		if idx < 0 {
			return ""
		}
		rel = rel[idx+1:]
	}
	return rel
}
