package rsync

import "io"

// chunkSize is the re-fill granularity for Window's internal buffer. The
// original dsync source re-mapped an mmap region as the window advanced
// past its edge (SlidingWindow::Extend); here the equivalent is simply
// re-reading a chunk from the backing io.ReaderAt (which, when backed by
// internal/mmapio, is itself a memory-mapped file, so re-filling is cheap
// and never touches disk beyond what's already resident).
const chunkSize = 1 << 20

// Window provides byte-at-a-time random access over a large file without
// holding the whole thing in memory, buffering one chunk at a time.
type Window struct {
	r        io.ReaderAt
	size     int64
	buf      []byte
	bufStart int64
}

// NewWindow wraps r (typically an mmapio.Stream's ReaderAt) as a Window
// over the first size bytes.
func NewWindow(r io.ReaderAt, size int64) *Window {
	return &Window{r: r, size: size, bufStart: -1}
}

// Size returns the total number of bytes addressable through the window.
func (w *Window) Size() int64 { return w.size }

func (w *Window) byteAt(off int64) (byte, error) {
	if off < 0 || off >= w.size {
		return 0, io.EOF
	}
	if off < w.bufStart || w.bufStart < 0 || off >= w.bufStart+int64(len(w.buf)) {
		if err := w.fill(off); err != nil {
			return 0, err
		}
	}
	return w.buf[off-w.bufStart], nil
}

func (w *Window) fill(off int64) error {
	end := off + chunkSize
	if end > w.size {
		end = w.size
	}
	buf := make([]byte, end-off)
	n, err := w.r.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return err
	}
	w.bufStart = off
	w.buf = buf[:n]
	return nil
}

// Read fills dst starting at off, used when the matcher needs a full block
// in one contiguous slice (to feed the strong digest).
func (w *Window) Read(off int64, dst []byte) error {
	for i := range dst {
		b, err := w.byteAt(off + int64(i))
		if err != nil {
			return err
		}
		dst[i] = b
	}
	return nil
}
