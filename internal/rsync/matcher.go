package rsync

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/boljen/go-bitmap"
	"golang.org/x/crypto/md4"
	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync/internal/flist"
)

// Match is one non-overlapping hit found by Matcher.Scan: the local window
// at byte offset Offset reproduces remote block BlockIndex.
type Match struct {
	BlockIndex int
	Offset     int64
}

// Matcher builds a searchable index over a RSyncChecksum's block table and
// scans a local Window for blocks that already match it.
//
// Grounded on RSyncMatch in rsync-algo.cc: a sorted array of block pointers
// (here, indices into the table), a 256-way bucket table keyed by the
// rolling checksum's top byte for O(1) candidate-range lookup, and a
// 2^16-bit negative filter (Fast) so a non-matching window position can be
// rejected with a single bitmap test before ever touching the sorted array.
type Matcher struct {
	blockSize int64
	fileSize  uint64
	sums      []byte

	// indexes holds the block indices eligible for matching, sorted
	// ascending by their rolling checksum value. The last block is
	// deliberately excluded when there are 3 or more blocks total: its
	// rolling checksum is either a genuine, possibly-short-window value or
	// the 0xDEADBEEF sentinel, and never a safe non-overlapping match
	// candidate (the spec requires the sentinel block is never indexed).
	indexes []int
	// buckets[i]..buckets[i+1] is the range within indexes whose rolling
	// checksum's top byte equals i. buckets has 257 entries (0..256).
	buckets [257]int
	fast    bitmap.Bitmap
}

// NewMatcher builds a Matcher over ck. ck.Sums must already be populated
// (as produced by Generate, or decoded off the wire).
func NewMatcher(ck *flist.RSyncChecksum) (*Matcher, error) {
	if ck.BlockSize == 0 {
		return nil, xerrors.New("rsync: zero block size")
	}
	total := int(flist.NumBlocks(ck.FileSize, ck.BlockSize))
	m := &Matcher{
		blockSize: int64(ck.BlockSize),
		fileSize:  ck.FileSize,
		sums:      ck.Sums,
	}

	indexable := 0
	if total >= 3 {
		indexable = total - 1
	}
	m.indexes = make([]int, indexable)
	for i := range m.indexes {
		m.indexes[i] = i
	}
	sort.Slice(m.indexes, func(a, b int) bool {
		return m.rollingAt(m.indexes[a]) < m.rollingAt(m.indexes[b])
	})

	m.fast = bitmap.New(1 << 16)
	for _, idx := range m.indexes {
		m.fast.Set(int(m.rollingAt(idx)>>16), true)
	}

	j := 0
	for tb := 0; tb <= 256; tb++ {
		for j < len(m.indexes) && int(m.rollingAt(m.indexes[j])>>24) < tb {
			j++
		}
		m.buckets[tb] = j
	}

	return m, nil
}

func (m *Matcher) rollingAt(blockIdx int) uint32 {
	off := blockIdx * 20
	return binary.BigEndian.Uint32(m.sums[off : off+4])
}

func (m *Matcher) strongAt(blockIdx int) []byte {
	off := blockIdx * 20
	return m.sums[off+4 : off+20]
}

// Scan slides a blockSize window one byte at a time over win, testing the
// rolling checksum against the negative filter first and only falling
// through to the sorted-index lookup (and, on a rolling-checksum
// collision, the strong MD4 digest) when the filter can't rule a position
// out. On a confirmed hit, the window jumps forward by a full block
// (non-overlapping); otherwise it advances by a single byte.
func (m *Matcher) Scan(win *Window) ([]Match, error) {
	var matches []Match
	if len(m.indexes) == 0 || win.Size() < m.blockSize {
		return matches, nil
	}

	block := make([]byte, m.blockSize)
	if err := win.Read(0, block); err != nil {
		return nil, err
	}
	roll := newRoller(block)

	pos := int64(0)
	for pos+m.blockSize <= win.Size() {
		if m.fast.Get(int(roll.sum() >> 16)) {
			if blockIdx, ok := m.matchAt(roll.sum(), win, pos, block); ok {
				matches = append(matches, Match{BlockIndex: blockIdx, Offset: pos})
				next := pos + m.blockSize
				if next+m.blockSize > win.Size() {
					break
				}
				if err := win.Read(next, block); err != nil {
					return nil, err
				}
				roll = newRoller(block)
				pos = next
				continue
			}
		}
		if pos+m.blockSize >= win.Size() {
			break
		}
		out, err := win.byteAt(pos)
		if err != nil {
			return nil, err
		}
		in, err := win.byteAt(pos + m.blockSize)
		if err != nil {
			return nil, err
		}
		roll.roll(out, in)
		pos++
		copy(block, block[1:])
		block[len(block)-1] = in
	}
	return matches, nil
}

// matchAt resolves a rolling-checksum hit against the sorted index,
// confirming with the strong MD4 digest before accepting.
func (m *Matcher) matchAt(v uint32, win *Window, pos int64, block []byte) (int, bool) {
	tb := int(v >> 24)
	lo, hi := m.buckets[tb], m.buckets[tb+1]
	if lo == hi {
		return 0, false
	}
	var strong []byte
	for _, idx := range m.indexes[lo:hi] {
		if m.rollingAt(idx) != v {
			continue
		}
		if strong == nil {
			h := md4.New()
			h.Write(block)
			strong = h.Sum(nil)
		}
		if bytes.Equal(strong, m.strongAt(idx)) {
			return idx, true
		}
	}
	return 0, false
}
