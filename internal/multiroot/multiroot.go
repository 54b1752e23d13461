// Package multiroot runs independent producer or comparator passes over
// several non-overlapping (base, list) pairs concurrently. spec.md's
// single-pass core is synchronous by design (§5); this is the one place
// multiple core instances ever run at once, exactly the carve-out spec.md
// §5 describes: "concurrency may be introduced at the edges by layering
// independent core instances over non-overlapping subtrees."
//
// Grounded on the teacher's download-concurrency pattern in
// cmd/distri/install.go: one errgroup.Group, one goroutine per unit of
// work, first error wins.
package multiroot

import (
	"context"
	"os"

	"golang.org/x/sync/errgroup"

	"github.com/go-dsync/dsync"
	"github.com/go-dsync/dsync/internal/compare"
	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/walker"
)

// Root names one independent (base, list) pair: a local directory and the
// list path describing it (to be written, under ProduceMode, or read,
// under CompareMode). Run assumes the caller has already confirmed a set
// of roots are non-overlapping; it never checks this itself.
type Root struct {
	Base string
	List string
}

// Mode performs the actual per-root operation. ProduceMode and CompareMode
// are the concrete modes Run supports.
type Mode interface {
	run(ctx context.Context, root Root) error
}

// ProduceMode walks each root's Base and writes its List, using the same
// Header and Options for every root.
type ProduceMode struct {
	Header *flist.Header
	Opts   walker.Options
}

func (m ProduceMode) run(_ context.Context, root Root) error {
	return walker.Produce(root.Base, root.List, m.Header, m.Opts)
}

// CompareMode reads each root's List and corrects its Base. NewHandler is
// called once per root so each gets its own Handler instance — a
// Corrector carries no shared state, but a collecting/dry-run Handler
// would want one accumulator per root rather than one shared across
// concurrent roots.
type CompareMode struct {
	NewHandler func(root Root, header *flist.Header) compare.Handler
	HashLevel  compare.HashLevel
	Verify     bool
}

func (m CompareMode) run(ctx context.Context, root Root) error {
	f, err := os.Open(root.List)
	if err != nil {
		return err
	}
	// Registered with the process-wide registry rather than deferred
	// locally, so every root's list file is drained through the same
	// RunAtExit call the caller already makes once at the end of the
	// process, instead of scattering Close calls across N goroutines.
	dsync.RegisterAtExit(func() error {
		return f.Close()
	})

	r, err := flist.NewReader(flist.NewFileIO(f))
	if err != nil {
		return err
	}

	c := compare.New(root.Base, r, m.NewHandler(root, r.Header))
	c.HashLevel = m.HashLevel
	c.Verify = m.Verify
	return c.Process(ctx)
}

// Run drives every root's Mode operation concurrently, canceling the
// shared context — and so every other still-running, context-aware root —
// as soon as any one returns an error. It returns that first error, or nil
// once every root has finished.
func Run(ctx context.Context, roots []Root, mode Mode) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, root := range roots {
		root := root
		eg.Go(func() error {
			return mode.run(ctx, root)
		})
	}
	return eg.Wait()
}
