package rsync

import (
	"crypto/md5"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/md4"

	"github.com/go-dsync/dsync/internal/flist"
)

// DefaultBlockSize matches the original GenerateRSync default of 8 KiB.
const DefaultBlockSize = 8 * 1024

// Generate computes the rsync block-checksum table and whole-file MD5 for
// the first size bytes readable from r, in blockSize-sized non-overlapping
// chunks. The final chunk, if shorter than blockSize, is written with the
// sentinel rolling checksum 0xDEADBEEF instead of a real one (so
// Matcher.Scan can never accidentally treat a short last block as a valid
// match candidate) but still carries a real strong digest over its actual
// bytes, matching the original GenerateRSync.
func Generate(r io.ReaderAt, size uint64, blockSize uint64) (*flist.RSyncChecksum, [16]byte, error) {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}
	ck := &flist.RSyncChecksum{BlockSize: blockSize, FileSize: size}
	numBlocks := flist.NumBlocks(size, blockSize)
	ck.Sums = make([]byte, numBlocks*20)

	wholeMD5 := md5.New()
	buf := make([]byte, blockSize)
	var off, sumPos uint64
	for sumPos < numBlocks*20 {
		remaining := size - off
		blen := blockSize
		sentinel := false
		if remaining < blockSize {
			blen = remaining
			sentinel = true
		}
		chunk := buf[:blen]
		if blen > 0 {
			if _, err := r.ReadAt(chunk, int64(off)); err != nil && err != io.EOF {
				return nil, [16]byte{}, err
			}
		}
		wholeMD5.Write(chunk)

		var rolling uint32
		if sentinel {
			rolling = 0xdeadbeef
		} else {
			rolling = RollingChecksum(chunk)
		}
		binary.BigEndian.PutUint32(ck.Sums[sumPos:sumPos+4], rolling)

		h := md4.New()
		h.Write(chunk)
		copy(ck.Sums[sumPos+4:sumPos+20], h.Sum(nil))

		sumPos += 20
		off += blen
	}

	var sum [16]byte
	copy(sum[:], wholeMD5.Sum(nil))
	return ck, sum, nil
}
