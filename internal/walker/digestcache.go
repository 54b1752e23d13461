package walker

import (
	"bufio"
	"encoding/gob"
	"io"
	"os"

	"github.com/klauspost/pgzip"

	"github.com/go-dsync/dsync/internal/flist"
)

// CacheEntry is one previous-run (mtime, size, md5) observation for a
// (directory, name) pair. ModTime is an absolute Unix timestamp (the
// on-wire delta already added to the source list's Header.Epoch), so it
// compares directly against os.FileInfo.ModTime().Unix() regardless of
// which epoch the source list was written with.
type CacheEntry struct {
	ModTime int64
	Size    uint64
	MD5     [16]byte
}

// gobEntry is CacheEntry's wire shape for the sidecar file: Dir/Name are
// carried per-entry rather than nested in maps-of-maps, which gob encodes
// more compactly and without needing exported map-of-map types.
type gobEntry struct {
	Dir, Name string
	Entry     CacheEntry
}

// DigestCache is an in-memory (dir, name) -> CacheEntry map, built once
// either by scanning a previous list (BuildDigestCache) or by loading a
// previously saved sidecar (LoadDigestCache), and consulted by
// Walker.md5For in place of an index.Reader lookup so a cold run doesn't
// need to reopen and mmap the full previous list.
type DigestCache struct {
	entries map[string]map[string]CacheEntry
}

// NewDigestCache returns an empty cache.
func NewDigestCache() *DigestCache {
	return &DigestCache{entries: make(map[string]map[string]CacheEntry)}
}

// Put records an observation, overwriting any previous entry for the same
// (dir, name).
func (c *DigestCache) Put(dir, name string, e CacheEntry) {
	m, ok := c.entries[dir]
	if !ok {
		m = make(map[string]CacheEntry)
		c.entries[dir] = m
	}
	m[name] = e
}

func (c *DigestCache) lookup(dir, name string) (CacheEntry, bool) {
	m, ok := c.entries[dir]
	if !ok {
		return CacheEntry{}, false
	}
	e, ok := m[name]
	return e, ok
}

// BuildDigestCache scans a previous list end to end, recording every
// NormalFile and HardLink's (mtime, size, md5) under its enclosing
// directory's path. r must be freshly positioned past its Header. Every
// DirStart/DirEnd span in the stream is self-contained, so the current
// directory is simply whichever DirStart's span is open, by Name.
func BuildDigestCache(r *flist.Reader) (*DigestCache, error) {
	c := NewDigestCache()
	var curDir string
	for {
		tag, rec, err := r.Next()
		if err == io.EOF {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		switch tag {
		case flist.TagDirStart:
			curDir = rec.(*flist.Directory).Name
		case flist.TagNormalFile:
			nf := rec.(*flist.NormalFile)
			c.Put(curDir, nf.Name, CacheEntry{ModTime: int64(nf.ModTime) + int64(r.Header.Epoch), Size: nf.Size, MD5: nf.MD5})
		case flist.TagHardLink:
			hl := rec.(*flist.HardLink)
			c.Put(curDir, hl.Name, CacheEntry{ModTime: int64(hl.ModTime) + int64(r.Header.Epoch), Size: hl.Size, MD5: hl.MD5})
		case flist.TagTrailer:
			return c, nil
		}
	}
}

// Save writes c as a gzip-compressed sidecar at path, using pgzip for
// parallel compression since a digest cache for a large tree can itself be
// sizeable.
func (c *DigestCache) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := pgzip.NewWriter(f)
	enc := gob.NewEncoder(gz)
	for dir, names := range c.entries {
		for name, e := range names {
			if err := enc.Encode(gobEntry{Dir: dir, Name: name, Entry: e}); err != nil {
				gz.Close()
				return err
			}
		}
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

// LoadDigestCache reads a sidecar written by Save.
func LoadDigestCache(path string) (*DigestCache, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := pgzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, err
	}
	defer gz.Close()

	c := NewDigestCache()
	dec := gob.NewDecoder(gz)
	for {
		var ge gobEntry
		if err := dec.Decode(&ge); err != nil {
			if err == io.EOF {
				return c, nil
			}
			return nil, err
		}
		c.Put(ge.Dir, ge.Name, ge.Entry)
	}
}
