// Package index builds and queries a one-pass directory-to-offset map over
// a file-list stream, so a single entry can be located by (directory, name)
// without a linear scan of the whole list. It is grounded on dsFileListDB
// from the original dsync sources: same-directory lookups continue
// scanning from wherever the cursor already is, and a lookup that misses
// re-seeks to the directory's recorded start exactly once before reporting
// not-found.
package index

import (
	"io"

	"github.com/go-dsync/dsync/internal/flist"
)

// Offsets maps a directory's path (components joined by "/", "" for the
// root) to the stream offset of the first record inside it.
type Offsets map[string]uint64

// Build scans r once from its current position to EOF/trailer, recording
// the offset of every directory's first child. r must be positioned
// immediately after the Header (as returned by flist.NewReader). Every
// DirStart/DirEnd span in the stream is closed before the next one opens,
// so spans never nest, and a DirStart's own Name already carries its complete path relative to the
// walk's root and needs no further reconstruction here.
func Build(r *flist.Reader) (Offsets, error) {
	offsets := make(Offsets)
	for {
		tag, rec, err := r.Next()
		if err == io.EOF {
			return offsets, nil
		}
		if err != nil {
			return nil, err
		}
		switch tag {
		case flist.TagDirStart:
			d := rec.(*flist.Directory)
			pos, err := r.Tell()
			if err != nil {
				return nil, err
			}
			offsets[d.Name] = pos
		case flist.TagTrailer:
			return offsets, nil
		}
	}
}

// Reader answers (directory, name) lookups against a stream using a
// previously built Offsets map.
type Reader struct {
	cursor  *flist.Reader
	offsets Offsets
	curDir  string
	primed  bool
}

// NewReader wraps cursor (already positioned past the Header) with offsets
// built by Build over the same stream.
func NewReader(cursor *flist.Reader, offsets Offsets) *Reader {
	return &Reader{cursor: cursor, offsets: offsets}
}

// Epoch returns the reference time mtime deltas in this stream are stored
// against, as recorded in its Header.
func (r *Reader) Epoch() uint64 {
	return r.cursor.Header.Epoch
}

// Lookup finds the record named name inside directory dir. found is false,
// with a nil error, if no such entry exists in the stream.
func (r *Reader) Lookup(dir, name string) (tag flist.Tag, rec flist.Record, found bool, err error) {
	if !r.primed || dir != r.curDir {
		off, ok := r.offsets[dir]
		if !ok {
			return 0, nil, false, nil
		}
		if err := r.cursor.SeekTo(off); err != nil {
			return 0, nil, false, err
		}
		r.curDir = dir
		r.primed = true
	}

	tag, rec, found, err = r.scanForName(name)
	if err != nil || found {
		return tag, rec, found, err
	}

	// Not found scanning forward from wherever we were (which may be past
	// the entry if a caller looks names up out of order): re-seek to the
	// directory's recorded start and retry exactly once before giving up.
	off, ok := r.offsets[dir]
	if !ok {
		return 0, nil, false, nil
	}
	if err := r.cursor.SeekTo(off); err != nil {
		return 0, nil, false, err
	}
	return r.scanForName(name)
}

// scanForName reads forward from the cursor's current position until name
// matches an entity record or a DirEnd closes the directory. The cursor is
// left just past whichever record terminated the scan.
func (r *Reader) scanForName(name string) (flist.Tag, flist.Record, bool, error) {
	for {
		tag, rec, err := r.cursor.Next()
		if err == io.EOF {
			return 0, nil, false, nil
		}
		if err != nil {
			return 0, nil, false, err
		}
		if tag == flist.TagDirEnd {
			return 0, nil, false, nil
		}
		if n, ok := entityName(rec); ok && n == name {
			return tag, rec, true, nil
		}
	}
}

func entityName(rec flist.Record) (string, bool) {
	switch v := rec.(type) {
	case *flist.Directory:
		return v.Name, true
	case *flist.NormalFile:
		return v.Name, true
	case *flist.Symlink:
		return v.Name, true
	case *flist.DeviceSpecial:
		return v.Name, true
	case *flist.HardLink:
		return v.Name, true
	default:
		return "", false
	}
}
