// Package mmapio adapts a memory-mapped, read-only file into the
// internal/flist.IO contract, so C4's indexed reader and C8/C9's rolling
// checksum scanner can both operate directly against mapped pages instead
// of performing a read syscall per record.
package mmapio

import (
	"io"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"
)

// ErrReadOnly is returned by every Write call: a mapped file list is never
// mutated in place, only ever produced fresh by internal/walker.
var ErrReadOnly = xerrors.New("mmapio: stream is read-only")

// Stream is a random-access, read-only view over a file, implementing
// flist.IO. The zero value is not usable; construct with Open.
type Stream struct {
	r   *mmap.ReaderAt
	pos int64
}

// Open memory-maps path for reading.
func Open(path string) (*Stream, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("mmapio: open %s: %w", path, err)
	}
	return &Stream{r: r}, nil
}

// Len returns the mapped file's total size in bytes.
func (s *Stream) Len() int64 {
	return int64(s.r.Len())
}

// Close unmaps the file.
func (s *Stream) Close() error {
	return s.r.Close()
}

// ReaderAt exposes the underlying io.ReaderAt, for components (like
// internal/rsync's sliding window) that want direct offset-based access
// instead of the stateful flist.IO cursor contract.
func (s *Stream) ReaderAt() io.ReaderAt {
	return s.r
}

func (s *Stream) Read(buf []byte) error {
	if len(buf) == 0 {
		return nil
	}
	if s.pos < 0 || s.pos+int64(len(buf)) > s.Len() {
		return io.EOF
	}
	n, err := s.r.ReadAt(buf, s.pos)
	s.pos += int64(n)
	if err != nil && err != io.EOF {
		return err
	}
	if n < len(buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (s *Stream) Write(buf []byte) error {
	return ErrReadOnly
}

func (s *Stream) Seek(pos uint64) error {
	if int64(pos) > s.Len() {
		return xerrors.Errorf("mmapio: seek past end of file (pos %d, len %d)", pos, s.Len())
	}
	s.pos = int64(pos)
	return nil
}

func (s *Stream) Tell() (uint64, error) {
	return uint64(s.pos), nil
}
