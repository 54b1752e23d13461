package walker

import (
	"path/filepath"

	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/trace"
)

// walkQueue implements the "tree" and "breadth" traversal orders: a single
// work queue of pending directories, each dequeued directory emitting its
// full DirStart/contents/DirEnd span before the next is processed.
// Subdirectories encountered along the way are pushed onto the queue
// instead of being recursed into immediately; their own DirStart/DirEnd
// span, written once they're dequeued, is the only place their metadata
// appears. Tree treats both the primary and delay queues as a stack (new
// entries go to the front, mirroring the original's push_front/pop_front
// pairing); breadth treats them as a FIFO.
func (w *Walker) walkQueue(base string) error {
	primary := []string{""}
	var delay []string

	push := func(q *[]string, rel string) {
		if w.opts.Order == OrderTree {
			*q = append([]string{rel}, *q...)
		} else {
			*q = append(*q, rel)
		}
	}

	for len(primary) > 0 || len(delay) > 0 {
		var rel string
		if len(primary) > 0 {
			rel, primary = primary[0], primary[1:]
		} else {
			rel, delay = delay[0], delay[1:]
		}
		if err := w.emitQueueDir(base, rel, &primary, &delay, push); err != nil {
			return err
		}
	}
	return nil
}

func (w *Walker) emitQueueDir(base, rel string, primary, delay *[]string, push func(*[]string, string)) error {
	ev := trace.Event("dir:"+rel, 0)
	defer ev.Done()

	abs := filepath.Join(base, rel)
	entries, err := readSortedDir(abs)
	if err != nil {
		return err
	}

	if err := w.emitDirRecord(flist.TagDirStart, abs, rel); err != nil {
		return err
	}

	for _, ent := range entries {
		name := ent.Name()
		childRel := joinRel(rel, name)
		if ent.IsDir() {
			testPath := childRel + "/"
			if !w.accept(testPath, true) {
				continue
			}
			if w.delayed(testPath) {
				push(delay, childRel)
			} else {
				push(primary, childRel)
			}
			continue
		}
		if !w.accept(childRel, false) {
			continue
		}
		if err := w.emitEntry(abs, rel, name); err != nil {
			return err
		}
	}
	return w.w.WriteRecord(flist.DirEnd{})
}
