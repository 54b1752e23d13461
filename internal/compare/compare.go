// Package compare implements the comparator half of a sync pass: given a
// file-list stream and a local base directory, it classifies every entry as
// new, changed, or fine-but-for-metadata, and collects a delete set for
// whatever the local directory holds that the list no longer mentions.
//
// Grounded on dsDirCompare (compare.cc): the per-directory local name table
// built on DirStart and consumed entry-by-entry until DirEnd, the
// missing/type-mismatch/size-mismatch/hash-gated/mtime-gated classification
// chain in Fetch, and FixMeta's mtime-then-permissions check. Unlike the
// original, which chdirs into each directory in turn and tracks a single
// flat CurDir string, this implementation threads an explicit base-relative
// path — workable only because, as internal/walker's package doc explains,
// the stream never interleaves two DirStart/DirEnd spans: every span is
// closed before the next one opens, so one directory is ever open at a
// time regardless of traversal order.
package compare

import (
	"context"
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/trace"
)

// HashLevel controls when a regular file's content is actually rehashed
// rather than trusted from its modification time alone.
type HashLevel int

const (
	// HashNever trusts size/mtime alone; MD5 is never recomputed.
	HashNever HashLevel = iota
	// HashDate recomputes MD5 only when the modification time differs.
	HashDate
	// HashAlways recomputes MD5 for every regular file, regardless of mtime.
	HashAlways
)

// Handler receives the events a Comparator derives from each stream entry.
// Corrector is the concrete Handler that mutates the local tree; a
// dry-run/logging Handler can be substituted to preview a sync without
// touching anything.
type Handler interface {
	// GetNew is called for an entity with no corresponding local file.
	GetNew(dir string, tag flist.Tag, rec flist.Record) error
	// GetChanged is called for a regular file or hard link whose local
	// content does not match the list (or cannot be trusted not to).
	GetChanged(dir string, tag flist.Tag, rec flist.Record) error
	// Delete removes a local entry no longer present in the list, or one
	// being replaced because its type changed (now=true).
	Delete(dir, name string, now bool) error
	// SetTime and SetPerm correct an otherwise-fine entity's metadata.
	// Comparator resolves the record's epoch-relative ModTime to an
	// absolute time before calling, so Handler never needs the stream's
	// Header to act on either.
	SetTime(dir, name string, mtime time.Time) error
	SetPerm(dir, name string, perm os.FileMode) error
}

// Comparator drives a stream against a local directory tree, invoking
// Handler for every classified event. It does not itself touch the
// filesystem beyond stat/readdir/readlink — all mutation is Handler's job.
type Comparator struct {
	Base      string
	Verify    bool
	HashLevel HashLevel
	Handler   Handler

	r       *flist.Reader
	curDir  string
	missing bool
	live    map[string]bool
	dirs    map[string]bool
}

// New returns a Comparator reading from r (already positioned past its
// Header, as returned by flist.NewReader) against the local tree rooted at
// base.
func New(base string, r *flist.Reader, h Handler) *Comparator {
	return &Comparator{Base: base, r: r, Handler: h, HashLevel: HashDate}
}

// Process drives the comparison to completion, or until ctx is canceled or
// an entry produces an error. It returns nil only after consuming the
// stream's Trailer.
//
// A directory child is never listed as a record inside its parent's span
// (internal/walker never writes one) — only its own later DirStart proves
// it still belongs in the list. So before the main pass, Process scans the
// rest of the stream once for every DirStart path, then seeks back to where
// it started: doDelete consults that set to tell "will get its own span later"
// apart from "local and no longer in the list at all".
func (c *Comparator) Process(ctx context.Context) error {
	if c.dirs == nil {
		dirs, err := c.scanDirPaths()
		if err != nil {
			return err
		}
		c.dirs = dirs
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tag, rec, err := c.r.Next()
		if err != nil {
			return xerrors.Errorf("compare: reading stream: %w", err)
		}

		switch tag {
		case flist.TagDirMarker:
			if err := c.dirMarker(rec.(*flist.Directory)); err != nil {
				return err
			}
			continue
		case flist.TagDirStart:
			if err := c.enterDir(rec.(*flist.Directory)); err != nil {
				return err
			}
			continue
		case flist.TagDirEnd:
			if err := c.doDelete(); err != nil {
				return err
			}
			continue
		case flist.TagTrailer:
			return c.doDelete()
		}

		if err := c.entity(tag, rec); err != nil {
			return err
		}
	}
}

// scanDirPaths reads every DirStart path out of the stream up to the
// Trailer, then rewinds r back to where it started so Process's real pass
// sees the same first record again.
func (c *Comparator) scanDirPaths() (map[string]bool, error) {
	start, err := c.r.Tell()
	if err != nil {
		return nil, xerrors.Errorf("compare: scanning directories: %w", err)
	}

	dirs := make(map[string]bool)
	for {
		tag, rec, err := c.r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, xerrors.Errorf("compare: scanning directories: %w", err)
		}
		if tag == flist.TagDirStart {
			dirs[rec.(*flist.Directory).Name] = true
		}
		if tag == flist.TagTrailer {
			break
		}
	}

	if err := c.r.SeekTo(start); err != nil {
		return nil, xerrors.Errorf("compare: rewinding after directory scan: %w", err)
	}
	return dirs, nil
}

// dirMarker handles a forward reference to a directory that will get its
// own DirStart later in the stream (depth traversal order only). The root
// directory's marker (Name "", which internal/walker emits whenever the
// root has an accepted subdirectory) is ignored: the base directory itself
// is never created or re-stamped here.
func (c *Comparator) dirMarker(d *flist.Directory) error {
	if d.Name == "" {
		return nil
	}
	abs := filepath.Join(c.Base, d.Name)
	st, err := os.Lstat(abs)
	if err != nil {
		return c.fetch("", flist.TagDirMarker, d, nil)
	}
	return c.fetch("", flist.TagDirMarker, d, st)
}

// enterDir opens dir's span. A directory child is never listed inside its
// parent's span as its own record (internal/walker never writes one), so
// this is the only place left that can create a directory missing
// locally, replace a mismatched non-directory at its path, or correct its
// own mtime/permissions against the DirStart record's fields — all of
// which the original did earlier, while processing the parent span's
// now-dropped entity record for it.
func (c *Comparator) enterDir(d *flist.Directory) error {
	c.curDir = d.Name
	c.missing = false
	c.live = nil

	abs := c.Base
	if c.curDir != "" {
		abs = filepath.Join(c.Base, c.curDir)
	}

	st, err := os.Lstat(abs)
	switch {
	case err != nil && !os.IsNotExist(err):
		return xerrors.Errorf("compare: stat %s: %w", abs, err)
	case c.curDir == "":
		if err != nil {
			return xerrors.Errorf("compare: stat %s: %w", abs, err)
		}
	case err != nil || !st.IsDir():
		if c.Verify {
			// Support verify mode: a directory that can't be entered just
			// means every descendant reports as missing, without mutating
			// anything or erroring out.
			c.missing = true
			return nil
		}
		if st, err = c.materializeDir(d, err == nil); err != nil {
			return err
		}
	default:
		parent, name := splitDirPath(c.curDir)
		leaf := *d
		leaf.Name = name
		if err := c.fixMeta(parent, d.Tag, &leaf, st); err != nil {
			return err
		}
	}

	ents, err := os.ReadDir(abs)
	if err != nil {
		return xerrors.Errorf("compare: reading directory %s: %w", abs, err)
	}
	c.live = make(map[string]bool, len(ents))
	for _, e := range ents {
		c.live[e.Name()] = true
	}
	return nil
}

// materializeDir creates the directory named by d.Name, deleting whatever
// already sits at that path first if replacing is true (a type mismatch
// rather than a plain absence).
func (c *Comparator) materializeDir(d *flist.Directory, replacing bool) (os.FileInfo, error) {
	parent, name := splitDirPath(c.curDir)
	if replacing {
		if err := c.Handler.Delete(parent, name, true); err != nil {
			return nil, err
		}
	}
	leaf := *d
	leaf.Name = name
	if err := c.Handler.GetNew(parent, d.Tag, &leaf); err != nil {
		return nil, err
	}
	abs := filepath.Join(c.Base, c.curDir)
	st, err := os.Lstat(abs)
	if err != nil {
		return nil, xerrors.Errorf("compare: stat %s after creating it: %w", abs, err)
	}
	return st, nil
}

// splitDirPath splits a DirStart's full relative path into the parent path
// Handler calls expect and the final path component.
func splitDirPath(p string) (parent, name string) {
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", p
	}
	return p[:idx], p[idx+1:]
}

// doDelete reports every name still marked live in the current directory —
// everything locally present that the list never mentioned — then clears
// the table so a later DirEnd/Trailer in the same span is a no-op. A live
// subdirectory whose full path appears as a DirStart later in the stream
// is left alone: it belongs to the list, just not to this span.
func (c *Comparator) doDelete() error {
	for name, live := range c.live {
		if !live {
			continue
		}
		full := name
		if c.curDir != "" {
			full = c.curDir + "/" + name
		}
		if c.dirs[full] {
			continue
		}
		if err := c.Handler.Delete(c.curDir, name, false); err != nil {
			return err
		}
	}
	c.live = nil
	return nil
}

// entity classifies one non-directory-boundary record against the local
// tree: missing from the name table (or the directory itself is missing)
// means fetch as new without stat'ing; otherwise an lstat failure is
// treated the same as "missing" rather than propagated, matching the
// original's St==0 fallback on either ENOENT.
func (c *Comparator) entity(tag flist.Tag, rec flist.Record) error {
	name := entityName(rec)
	if name == "" {
		return xerrors.Errorf("compare: %s record has no name", tag)
	}

	if c.missing || !c.consume(name) {
		return c.fetch(c.curDir, tag, rec, nil)
	}

	abs := filepath.Join(c.Base, c.curDir, name)
	st, err := os.Lstat(abs)
	if err != nil {
		return c.fetch(c.curDir, tag, rec, nil)
	}
	return c.fetch(c.curDir, tag, rec, st)
}

// consume reports whether name is (still) present in the local name table,
// marking it used so it drops out of the eventual delete set.
func (c *Comparator) consume(name string) bool {
	if !c.live[name] {
		return false
	}
	c.live[name] = false
	return true
}

// fetch implements the classification chain of spec.md's comparator: missing
// locally, type mismatch, then per-kind rules. st is nil for "missing".
func (c *Comparator) fetch(dir string, tag flist.Tag, rec flist.Record, st os.FileInfo) error {
	switch tag {
	case flist.TagNormalFile, flist.TagHardLink, flist.TagSymlink,
		flist.TagDeviceSpecial, flist.TagDirectory, flist.TagDirMarker:
	default:
		return xerrors.Errorf("compare: entity tag %s is not understood", tag)
	}

	if st == nil {
		return c.Handler.GetNew(dir, tag, rec)
	}

	if typeMismatch(tag, st) {
		if err := c.Handler.Delete(dir, entityName(rec), true); err != nil {
			return err
		}
		return c.Handler.GetNew(dir, tag, rec)
	}

	switch tag {
	case flist.TagNormalFile, flist.TagHardLink:
		return c.fetchRegular(dir, tag, rec, st)
	case flist.TagSymlink:
		return c.fetchSymlink(dir, rec.(*flist.Symlink), st)
	default: // Directory, DeviceSpecial, DirMarker
		return c.fixMeta(dir, tag, rec, st)
	}
}

func typeMismatch(tag flist.Tag, st os.FileInfo) bool {
	switch tag {
	case flist.TagNormalFile, flist.TagHardLink:
		return !st.Mode().IsRegular()
	case flist.TagDirectory, flist.TagDirMarker:
		return !st.IsDir()
	case flist.TagSymlink:
		return st.Mode()&os.ModeSymlink == 0
	case flist.TagDeviceSpecial:
		return st.Mode()&(os.ModeDevice|os.ModeNamedPipe) == 0
	default:
		return false
	}
}

func (c *Comparator) fetchRegular(dir string, tag flist.Tag, rec flist.Record, st os.FileInfo) error {
	size, digest, hasMD5 := entitySizeMD5(rec)
	if uint64(st.Size()) != size {
		return c.Handler.GetChanged(dir, tag, rec)
	}

	modTimeMatches := c.modTimeMatches(rec, st)
	if hasMD5 && c.r.Header.Flags[tag]&flist.FlMD5 != 0 &&
		(c.HashLevel == HashAlways || (c.HashLevel == HashDate && !modTimeMatches)) {
		ok, err := c.checkHash(dir, entityName(rec), digest)
		if err != nil {
			return err
		}
		if ok {
			return c.fixMeta(dir, tag, rec, st)
		}
		return c.Handler.GetChanged(dir, tag, rec)
	}

	if modTimeMatches {
		return c.fixMeta(dir, tag, rec, st)
	}
	return c.Handler.GetChanged(dir, tag, rec)
}

func (c *Comparator) fetchSymlink(dir string, s *flist.Symlink, st os.FileInfo) error {
	target, err := os.Readlink(filepath.Join(c.Base, dir, s.Name))
	if err != nil || target != s.To {
		return c.Handler.GetNew(dir, flist.TagSymlink, s)
	}
	return c.fixMeta(dir, flist.TagSymlink, s, st)
}

// checkHash recomputes the local file's MD5 and compares it to want.
func (c *Comparator) checkHash(dir, name string, want [16]byte) (bool, error) {
	ev := trace.Event("hash:"+dir+name, 0)
	defer ev.Done()

	f, err := os.Open(filepath.Join(c.Base, dir, name))
	if err != nil {
		return false, xerrors.Errorf("compare: hashing %s%s: %w", dir, name, err)
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, xerrors.Errorf("compare: hashing %s%s: %w", dir, name, err)
	}
	var got [16]byte
	copy(got[:], h.Sum(nil))
	return got == want, nil
}

// fixMeta corrects mtime and (if the stream carries it) permissions for an
// entity whose content is already correct. Symlinks are skipped entirely —
// the original never calls SetTime/SetPerm for a symlink record, and
// ownership correction is not implemented on either side (spec.md §4.6).
func (c *Comparator) fixMeta(dir string, tag flist.Tag, rec flist.Record, st os.FileInfo) error {
	if tag == flist.TagSymlink {
		return nil
	}
	if !c.modTimeMatches(rec, st) {
		if err := c.Handler.SetTime(dir, entityName(rec), c.absModTime(rec)); err != nil {
			return err
		}
	}
	if c.r.Header.Flags[tag]&flist.FlPerm != 0 {
		if entityPermissions(rec) != uint16(st.Mode().Perm()) {
			if err := c.Handler.SetPerm(dir, entityName(rec), os.FileMode(entityPermissions(rec))); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Comparator) modTimeMatches(rec flist.Record, st os.FileInfo) bool {
	return c.absModTime(rec).Unix() == st.ModTime().Unix()
}

func (c *Comparator) absModTime(rec flist.Record) time.Time {
	return time.Unix(int64(entityModTime(rec))+int64(c.r.Header.Epoch), 0)
}

func entityName(rec flist.Record) string {
	switch v := rec.(type) {
	case *flist.Directory:
		return v.Name
	case *flist.NormalFile:
		return v.Name
	case *flist.HardLink:
		return v.Name
	case *flist.Symlink:
		return v.Name
	case *flist.DeviceSpecial:
		return v.Name
	default:
		return ""
	}
}

func entityModTime(rec flist.Record) int32 {
	switch v := rec.(type) {
	case *flist.Directory:
		return v.ModTime
	case *flist.NormalFile:
		return v.ModTime
	case *flist.HardLink:
		return v.ModTime
	case *flist.Symlink:
		return v.ModTime
	case *flist.DeviceSpecial:
		return v.ModTime
	default:
		return 0
	}
}

func entityPermissions(rec flist.Record) uint16 {
	switch v := rec.(type) {
	case *flist.Directory:
		return v.Permissions
	case *flist.NormalFile:
		return v.Permissions
	case *flist.HardLink:
		return v.Permissions
	case *flist.DeviceSpecial:
		return v.Permissions
	default:
		return 0
	}
}

func entitySizeMD5(rec flist.Record) (size uint64, md5sum [16]byte, ok bool) {
	switch v := rec.(type) {
	case *flist.NormalFile:
		return v.Size, v.MD5, true
	case *flist.HardLink:
		return v.Size, v.MD5, true
	default:
		return 0, [16]byte{}, false
	}
}
