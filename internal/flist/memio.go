package flist

import (
	"io"

	"github.com/orcaman/writerseeker"
)

// MemIO is an in-memory implementation of IO, used by tests to build and
// read back streams without touching disk. It is backed by writerseeker.WriterSeeker, the same
// in-memory io.WriteSeeker the teacher pulls in for exactly this purpose.
type MemIO struct {
	ws writerseeker.WriterSeeker
}

// NewMemIO returns an empty, write-then-read MemIO.
func NewMemIO() *MemIO {
	return &MemIO{}
}

func (m *MemIO) Read(buf []byte) error {
	pos, err := m.ws.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	r := m.ws.BytesReader()
	if _, err := r.Seek(pos, io.SeekStart); err != nil {
		return err
	}
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return err
	}
	_, err = m.ws.Seek(int64(n), io.SeekCurrent)
	return err
}

func (m *MemIO) Write(buf []byte) error {
	_, err := m.ws.Write(buf)
	return err
}

func (m *MemIO) Seek(pos uint64) error {
	_, err := m.ws.Seek(int64(pos), io.SeekStart)
	return err
}

func (m *MemIO) Tell() (uint64, error) {
	pos, err := m.ws.Seek(0, io.SeekCurrent)
	return uint64(pos), err
}

// Bytes returns a copy of everything written so far.
func (m *MemIO) Bytes() []byte {
	b, err := io.ReadAll(m.ws.BytesReader())
	if err != nil {
		panic(err)
	}
	return b
}
