package flist

import (
	"golang.org/x/xerrors"
)

// maxStringLen bounds a single length-prefixed string, guarding against a
// corrupt or hostile length prefix demanding an enormous allocation.
const maxStringLen = 1024

// IO is the low-level stream contract every record codec is built on: raw
// byte reads/writes plus random access by byte offset. It is implemented by
// internal/mmapio (read-only), by FileIO in fileio.go, and by the in-memory
// MemIO in memio.go.
type IO interface {
	Read(buf []byte) error
	Write(buf []byte) error
	Seek(pos uint64) error
	Tell() (uint64, error)
}

// readVarint reads a 7-bit-continuation little-endian unsigned integer
// (vbyte encoding): each byte contributes its low 7 bits, high bit set means
// "more bytes follow".
func readVarint(io IO) (uint64, error) {
	var n uint64
	var shift uint
	var b [1]byte
	for {
		if shift >= 70 {
			return 0, xerrors.New("flist: varint too long")
		}
		if err := io.Read(b[:]); err != nil {
			return 0, err
		}
		n |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return n, nil
		}
		shift += 7
	}
}

func writeVarint(io IO, n uint64) error {
	var buf [10]byte
	i := 0
	for {
		buf[i] = byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			buf[i] |= 0x80
			i++
			continue
		}
		break
	}
	return io.Write(buf[:i+1])
}

// readUint reads a count-byte little-endian fixed-width unsigned integer.
func readUint(io IO, count int) (uint64, error) {
	var buf [8]byte
	if err := io.Read(buf[:count]); err != nil {
		return 0, err
	}
	var n uint64
	for i := 0; i < count; i++ {
		n |= uint64(buf[i]) << (8 * uint(i))
	}
	return n, nil
}

func writeUint(io IO, n uint64, count int) error {
	var buf [8]byte
	for i := 0; i < count; i++ {
		buf[i] = byte(n >> (8 * uint(i)))
	}
	return io.Write(buf[:count])
}

// readInt32 reads a little-endian signed 32-bit integer (used for mtime
// deltas against the header epoch).
func readInt32(io IO) (int32, error) {
	n, err := readUint(io, 4)
	if err != nil {
		return 0, err
	}
	return int32(uint32(n)), nil
}

func writeInt32(io IO, n int32) error {
	return writeUint(io, uint64(uint32(n)), 4)
}

// readString reads a vbyte length prefix followed by that many raw bytes,
// capped at maxStringLen.
func readString(io IO) (string, error) {
	n, err := readVarint(io)
	if err != nil {
		return "", err
	}
	if n >= maxStringLen {
		return "", xerrors.Errorf("flist: string length %d exceeds cap %d", n, maxStringLen)
	}
	buf := make([]byte, n)
	if n > 0 {
		if err := io.Read(buf); err != nil {
			return "", err
		}
	}
	return string(buf), nil
}

func writeString(io IO, s string) error {
	if len(s) >= maxStringLen {
		return xerrors.Errorf("flist: string length %d exceeds cap %d", len(s), maxStringLen)
	}
	if err := writeVarint(io, uint64(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	return io.Write([]byte(s))
}
