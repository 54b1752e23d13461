// Command dsync is a thin demonstration entrypoint wiring the library's
// pieces together: producing a list from a directory, comparing a list
// against a directory (and, with -delete, correcting it), and mounting a
// list read-only for inspection. It deliberately does not grow into a
// feature-complete CLI: no progress meters, no configuration-file parsing,
// no signal handling, matching spec.md's explicit non-goals.
//
// Grounded on the teacher's cmd/distri verb-dispatch shape (distri.go):
// a map of verb name to a func(ctx, args) error, funcmain returning an
// error for main to report, and a final RunAtExit call.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync"
	"github.com/go-dsync/dsync/internal/compare"
	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/fuseview"
	"github.com/go-dsync/dsync/internal/index"
	"github.com/go-dsync/dsync/internal/mmapio"
	"github.com/go-dsync/dsync/internal/pathfilter"
	"github.com/go-dsync/dsync/internal/walker"
)

const help = `dsync <verb> [-flags] <args>

Verbs:
  produce -base <dir> -list <path>   walk <dir>, write a file-list to <path>
  compare -base <dir> -list <path>   compare <dir> against <path>
  mount   -list <path> <mountpoint>  mount <path> read-only via FUSE

Run "dsync <verb> -help" for a verb's own flags.
`

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func funcmain() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}
	verb, args := os.Args[1], os.Args[2:]

	verbs := map[string]func(ctx context.Context, args []string) error{
		"produce": cmdProduce,
		"compare": cmdCompare,
		"mount":   cmdMount,
	}
	v, ok := verbs[verb]
	if !ok {
		fmt.Fprint(os.Stderr, help)
		os.Exit(2)
	}

	ctx := context.Background()
	if err := v(ctx, args); err != nil {
		return xerrors.Errorf("%s: %w", verb, err)
	}
	return dsync.RunAtExit()
}

func cmdProduce(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("produce", flag.ExitOnError)
	var (
		base    = fset.String("base", "", "directory to walk")
		list    = fset.String("list", "", "output file-list path")
		order   = fset.String("order", "tree", "traversal order: tree, breadth, or depth")
		md5     = fset.Bool("md5", true, "emit MD5 digests for regular files")
		perm    = fset.Bool("perm", true, "emit permission bits")
		owner   = fset.Bool("owner", false, "emit uid/gid")
		rsyncCk = fset.Bool("rsync", false, "emit rsync block checksums for large files")
		minSize = fset.Uint64("rsync-min-size", 128*1024, "minimum size to emit rsync checksums for")
		accept  = fset.String("accept", "", "comma-separated glob patterns; unmatched entries are excluded")
		prev    = fset.String("prev-list", "", "a previous list to reuse MD5 digests from")
		cache   = fset.String("cache", "", "write a gzip digest-cache sidecar of this walk's MD5 digests to this path")
	)
	fset.Parse(args)
	if *base == "" || *list == "" {
		return xerrors.New("syntax: dsync produce -base <dir> -list <path>")
	}

	var ord walker.Order
	switch *order {
	case "tree":
		ord = walker.OrderTree
	case "breadth":
		ord = walker.OrderBreadth
	case "depth":
		ord = walker.OrderDepth
	default:
		return xerrors.Errorf("unknown -order %q", *order)
	}

	opts := walker.Options{
		Order:        ord,
		MD5:          *md5,
		Perm:         *perm,
		Owner:        *owner,
		RSync:        *rsyncCk,
		MinRSyncSize: *minSize,
		CachePath:    *cache,
	}
	if *accept != "" {
		f := pathfilter.New()
		for _, pat := range strings.Split(*accept, ",") {
			f.Add(flist.FilterInclude, pat)
		}
		f.Add(flist.FilterExclude, "*")
		opts.Accept = f
	}

	h := flist.NewHeader(uint64(time.Now().Unix()))
	if *md5 {
		if err := h.SetFlags(flist.TagNormalFile, flist.FlMD5); err != nil {
			return err
		}
		if err := h.SetFlags(flist.TagHardLink, flist.FlMD5); err != nil {
			return err
		}
	}
	if *perm {
		for _, tag := range []flist.Tag{flist.TagDirStart, flist.TagDirMarker, flist.TagNormalFile, flist.TagHardLink, flist.TagDeviceSpecial} {
			if err := h.SetFlags(tag, flist.FlPerm); err != nil {
				return err
			}
		}
	}
	if *owner {
		for _, tag := range []flist.Tag{flist.TagDirStart, flist.TagDirMarker, flist.TagNormalFile, flist.TagHardLink, flist.TagDeviceSpecial, flist.TagSymlink} {
			if err := h.SetFlags(tag, flist.FlOwner); err != nil {
				return err
			}
		}
	}

	if *prev != "" {
		pf, err := os.Open(*prev)
		if err != nil {
			return err
		}
		defer pf.Close()
		pr, err := flist.NewReader(flist.NewFileIO(pf))
		if err != nil {
			return err
		}
		offsets, err := index.Build(pr)
		if err != nil {
			return err
		}
		idx := index.NewReader(pr, offsets)
		opts.MD5Source = walker.NewIndexMDSource(idx)
	}

	return walker.Produce(*base, *list, h, opts)
}

func cmdCompare(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("compare", flag.ExitOnError)
	var (
		base   = fset.String("base", "", "local directory to compare/correct")
		list   = fset.String("list", "", "file-list to compare against")
		del    = fset.Bool("delete", false, "remove local entries absent from the list")
		verify = fset.Bool("verify", false, "report a missing or non-directory subdirectory's contents as new instead of creating it")
		hash   = fset.String("hash", "date", "when to recompute content hashes: never, date, or always")
	)
	fset.Parse(args)
	if *base == "" || *list == "" {
		return xerrors.New("syntax: dsync compare -base <dir> -list <path>")
	}

	s, err := mmapio.Open(*list)
	if err != nil {
		return err
	}
	dsync.RegisterAtExit(func() error {
		return s.Close()
	})

	r, err := flist.NewReader(s)
	if err != nil {
		return err
	}

	var level compare.HashLevel
	switch *hash {
	case "never":
		level = compare.HashNever
	case "date":
		level = compare.HashDate
	case "always":
		level = compare.HashAlways
	default:
		return xerrors.Errorf("unknown -hash %q", *hash)
	}

	var handler compare.Handler
	if *del {
		handler = compare.NewCorrector(*base, r.Header)
	} else {
		handler = &reportingHandler{}
	}

	c := compare.New(*base, r, handler)
	c.Verify = *verify
	c.HashLevel = level
	return c.Process(ctx)
}

// reportingHandler is the -delete=false default: it prints every new,
// changed and delete event (metadata fixes print nothing) instead of
// mutating the tree, so "dsync compare" without -delete behaves
// as a dry run.
type reportingHandler struct{}

func (reportingHandler) GetNew(dir string, tag flist.Tag, rec flist.Record) error {
	fmt.Printf("new\t%s\n", dir)
	return nil
}

func (reportingHandler) GetChanged(dir string, tag flist.Tag, rec flist.Record) error {
	fmt.Printf("changed\t%s\n", dir)
	return nil
}

func (reportingHandler) Delete(dir, name string, now bool) error {
	fmt.Printf("delete\t%s/%s\n", dir, name)
	return nil
}

func (reportingHandler) SetTime(dir, name string, mtime time.Time) error {
	return nil
}

func (reportingHandler) SetPerm(dir, name string, perm os.FileMode) error {
	return nil
}

func cmdMount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	list := fset.String("list", "", "file-list to mount read-only")
	fset.Parse(args)
	if fset.NArg() != 1 || *list == "" {
		return xerrors.New("syntax: dsync mount -list <path> <mountpoint>")
	}
	mountpoint := fset.Arg(0)

	f, err := os.Open(*list)
	if err != nil {
		return err
	}
	dsync.RegisterAtExit(func() error {
		return f.Close()
	})

	r, err := flist.NewReader(flist.NewFileIO(f))
	if err != nil {
		return err
	}

	join, err := fuseview.Mount(ctx, r, mountpoint)
	if err != nil {
		return err
	}
	return join(ctx)
}
