package rsync

import (
	"bytes"
	"math/rand"
	"testing"
)

type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b[off:])
	if n < len(p) {
		return n, bytes.ErrTooLarge
	}
	return n, nil
}

func TestRollingChecksumIncrementalMatchesScratch(t *testing.T) {
	data := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(data)

	const blockSize = 64
	r := newRoller(data[:blockSize])
	for pos := 0; pos+blockSize < len(data); pos++ {
		want := RollingChecksum(data[pos : pos+blockSize])
		if got := r.sum(); got != want {
			t.Fatalf("pos %d: incremental sum = %#x, want %#x", pos, got, want)
		}
		r.roll(data[pos], data[pos+blockSize])
	}
}

// TestGenerateAndScanFindsKnownBlocks builds a 3*8192+17 byte file (three
// full blocks plus a 17-byte tail), generates its checksum table, and
// confirms Matcher.Scan finds all three full blocks at their original
// offsets in an identical copy, and that the sentinel tail block is never
// reported as a match (it was never indexed).
func TestGenerateAndScanFindsKnownBlocks(t *testing.T) {
	const blockSize = 8192
	size := 3*blockSize + 17
	data := make([]byte, size)
	rand.New(rand.NewSource(2)).Read(data)

	ck, _, err := Generate(bytesReaderAt(data), uint64(size), blockSize)
	if err != nil {
		t.Fatal(err)
	}
	wantBlocks := 4 // ceil((3*8192+17)/8192) = 4
	if got := int(ck.BlockSize); got != blockSize {
		t.Fatalf("BlockSize = %d, want %d", got, blockSize)
	}
	if got := len(ck.Sums) / 20; got != wantBlocks {
		t.Fatalf("block count = %d, want %d", got, wantBlocks)
	}

	m, err := NewMatcher(ck)
	if err != nil {
		t.Fatal(err)
	}
	// 4 total blocks >= 3, so the matcher must index exactly the first 3
	// (non-sentinel) blocks and exclude the trailing partial block.
	if len(m.indexes) != 3 {
		t.Fatalf("indexed blocks = %d, want 3", len(m.indexes))
	}

	win := NewWindow(bytesReaderAt(data), int64(size))
	matches, err := m.Scan(win)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 3 {
		t.Fatalf("matches = %d, want 3: %+v", len(matches), matches)
	}
	for i, match := range matches {
		wantOffset := int64(i * blockSize)
		if match.Offset != wantOffset {
			t.Errorf("match %d: offset = %d, want %d", i, match.Offset, wantOffset)
		}
		if match.BlockIndex != i {
			t.Errorf("match %d: blockIndex = %d, want %d", i, match.BlockIndex, i)
		}
	}
}

func TestSentinelNeverIndexed(t *testing.T) {
	// A file of exactly one block plus a short tail (2 blocks total) falls
	// under the "Blocks < 3" guard and must not be indexed at all.
	const blockSize = 64
	size := blockSize + 5
	data := make([]byte, size)
	ck, _, err := Generate(bytesReaderAt(data), uint64(size), blockSize)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMatcher(ck)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.indexes) != 0 {
		t.Fatalf("indexed blocks = %d, want 0 for a 2-block file", len(m.indexes))
	}
}
