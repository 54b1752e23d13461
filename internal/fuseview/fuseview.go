// Package fuseview mounts a file-list stream read-only as a browsable
// directory tree, so a captured list can be inspected with ordinary tools
// (ls, find, cat's stat-only cousins) instead of a dedicated dump command.
// It never reconstructs file content: the list format does not carry file
// bytes, so ReadFile always reports ENOSYS for regular files, matching
// spec.md's explicit non-goal of moving file content.
//
// Grounded on the teacher's internal/fuse package: inode allocation scheme,
// NotImplementedFileSystem embedding, and the fuse.Mount/MountConfig/Join
// lifecycle are carried over; scoped down from its read-write union-overlay
// semantics (package mounting, SquashFS images, FUSE control RPC) to plain
// read-only directory/metadata browsing of a single file-list stream.
package fuseview

import (
	"context"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"golang.org/x/xerrors"

	"github.com/go-dsync/dsync/internal/flist"
)

const rootInode fuseops.InodeID = 1

// entry is either a directory (byName/order populated) or a leaf (symlink,
// device, regular file placeholder).
type entry struct {
	name       string
	attr       fuseops.InodeAttributes
	linkTarget string // non-empty only for symlinks
	byName     map[string]fuseops.InodeID
	order      []string // child names, in first-seen order, for ReadDir
}

// fsView implements fuseops' FileSystem interface over a fully-built inode
// table. Unlike the teacher's fuseFS, nothing is built lazily on demand:
// Build walks the whole stream once up front, since a list file is small
// enough (no file content, metadata only) that eager construction is
// simpler than the teacher's per-package lazy SquashFS mounting.
type fsView struct {
	fuseutil.NotImplementedFileSystem

	mu     sync.Mutex
	epoch  uint64
	byPath map[string]fuseops.InodeID
	inodes map[fuseops.InodeID]*entry
}

// Build constructs an in-memory inode table from r, which must be
// positioned immediately after the stream's Header (as returned by
// flist.NewReader). It consumes r to EOF/Trailer.
func Build(r *flist.Reader) (*fsView, error) {
	fs := &fsView{
		epoch:  r.Header.Epoch,
		byPath: make(map[string]fuseops.InodeID),
		inodes: make(map[fuseops.InodeID]*entry),
	}
	root := &entry{
		name:   "",
		attr:   dirAttr(),
		byName: make(map[string]fuseops.InodeID),
	}
	fs.inodes[rootInode] = root
	fs.byPath[""] = rootInode

	var stack []string // stack of currently open DirStart paths
	var nextInode fuseops.InodeID = rootInode

	allocDir := func(p string) fuseops.InodeID {
		if ino, ok := fs.byPath[p]; ok {
			return ino
		}
		nextInode++
		ino := nextInode
		fs.byPath[p] = ino
		fs.inodes[ino] = &entry{
			name:   path.Base(p),
			attr:   dirAttr(),
			byName: make(map[string]fuseops.InodeID),
		}
		return ino
	}

	addChild := func(parentPath string, childIno fuseops.InodeID, name string, _ bool) {
		parent := fs.inodes[fs.byPath[parentPath]]
		if _, exists := parent.byName[name]; exists {
			return
		}
		parent.byName[name] = childIno
		parent.order = append(parent.order, name)
	}

	for {
		tag, rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch tag {
		case flist.TagDirMarker:
			d := rec.(*flist.Directory)
			allocDir(d.Name)

		case flist.TagDirStart:
			d := rec.(*flist.Directory)
			ino := allocDir(d.Name)
			fs.inodes[ino].attr = entityDirAttr(d.ModTime, d.Permissions, fs.epoch)
			parentPath := parentOf(d.Name)
			if _, ok := fs.byPath[parentPath]; ok && d.Name != "" {
				addChild(parentPath, ino, path.Base(d.Name), true)
			}
			stack = append(stack, d.Name)

		case flist.TagDirEnd:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}

		case flist.TagNormalFile, flist.TagHardLink:
			cur := curDir(stack)
			nextInode++
			ino := nextInode
			var size uint64
			var mtime int32
			var perm uint16
			switch v := rec.(type) {
			case *flist.NormalFile:
				size, mtime, perm = v.Size, v.ModTime, v.Permissions
			case *flist.HardLink:
				size, mtime, perm = v.Size, v.ModTime, v.Permissions
			}
			name := entityName(rec)
			fs.inodes[ino] = &entry{name: name, attr: fileAttr(size, mtime, perm, fs.epoch)}
			addChild(cur, ino, name, false)

		case flist.TagSymlink:
			s := rec.(*flist.Symlink)
			cur := curDir(stack)
			nextInode++
			ino := nextInode
			fs.inodes[ino] = &entry{
				name:       s.Name,
				attr:       symlinkAttr(len(s.To), s.ModTime, fs.epoch),
				linkTarget: s.To,
			}
			addChild(cur, ino, s.Name, false)

		case flist.TagDeviceSpecial:
			dv := rec.(*flist.DeviceSpecial)
			cur := curDir(stack)
			nextInode++
			ino := nextInode
			fs.inodes[ino] = &entry{name: dv.Name, attr: deviceAttr(dv.ModTime, dv.Permissions, fs.epoch)}
			addChild(cur, ino, dv.Name, false)

		case flist.TagTrailer:
			return fs, nil
		}
	}
	return fs, nil
}

func curDir(stack []string) string {
	if len(stack) == 0 {
		return ""
	}
	return stack[len(stack)-1]
}

func parentOf(p string) string {
	if p == "" {
		return ""
	}
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[:i]
	}
	return ""
}

func entityName(rec flist.Record) string {
	switch v := rec.(type) {
	case *flist.NormalFile:
		return v.Name
	case *flist.HardLink:
		return v.Name
	default:
		return ""
	}
}

func absTime(delta int32, epoch uint64) time.Time {
	return time.Unix(int64(delta)+int64(epoch), 0)
}

func dirAttr() fuseops.InodeAttributes {
	return fuseops.InodeAttributes{Nlink: 1, Mode: os.ModeDir | 0555}
}

func entityDirAttr(mtimeDelta int32, perm uint16, epoch uint64) fuseops.InodeAttributes {
	mode := os.ModeDir | 0555
	if perm != 0 {
		mode = os.ModeDir | os.FileMode(perm)
	}
	t := absTime(mtimeDelta, epoch)
	return fuseops.InodeAttributes{Nlink: 1, Mode: mode, Atime: t, Mtime: t, Ctime: t}
}

func fileAttr(size uint64, mtimeDelta int32, perm uint16, epoch uint64) fuseops.InodeAttributes {
	mode := os.FileMode(0444)
	if perm != 0 {
		mode = os.FileMode(perm)
	}
	t := absTime(mtimeDelta, epoch)
	return fuseops.InodeAttributes{Size: size, Nlink: 1, Mode: mode, Atime: t, Mtime: t, Ctime: t}
}

func symlinkAttr(targetLen int, mtimeDelta int32, epoch uint64) fuseops.InodeAttributes {
	t := absTime(mtimeDelta, epoch)
	return fuseops.InodeAttributes{
		Size: uint64(targetLen), Nlink: 1, Mode: os.ModeSymlink | 0444,
		Atime: t, Mtime: t, Ctime: t,
	}
}

func deviceAttr(mtimeDelta int32, perm uint16, epoch uint64) fuseops.InodeAttributes {
	mode := os.ModeDevice
	if perm != 0 {
		mode |= os.FileMode(perm)
	}
	t := absTime(mtimeDelta, epoch)
	return fuseops.InodeAttributes{Nlink: 1, Mode: mode, Atime: t, Mtime: t, Ctime: t}
}

func (fs *fsView) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.IoSize = 65536
	return nil
}

func (fs *fsView) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	parent, ok := fs.inodes[op.Parent]
	if !ok || parent.byName == nil {
		return fuse.ENOENT
	}
	ino, ok := parent.byName[op.Name]
	if !ok {
		return fuse.ENOENT
	}
	op.Entry.Child = ino
	op.Entry.Attributes = fs.inodes[ino].attr
	return nil
}

func (fs *fsView) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.inodes[op.Inode]
	if !ok {
		return fuse.ENOENT
	}
	op.Attributes = e.attr
	return nil
}

func (fs *fsView) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.inodes[op.Inode]
	if !ok || e.byName == nil {
		return fuse.ENOENT
	}
	return nil
}

func (fs *fsView) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	fs.mu.Lock()
	e, ok := fs.inodes[op.Inode]
	if !ok || e.byName == nil {
		fs.mu.Unlock()
		return fuse.EIO
	}
	var dirents []fuseutil.Dirent
	for i, name := range e.order {
		childIno := e.byName[name]
		typ := fuseutil.DT_File
		child := fs.inodes[childIno]
		if child.byName != nil {
			typ = fuseutil.DT_Directory
		} else if child.linkTarget != "" {
			typ = fuseutil.DT_Link
		}
		dirents = append(dirents, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  childIno,
			Name:   name,
			Type:   typ,
		})
	}
	fs.mu.Unlock()

	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return fuse.EIO
	}
	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *fsView) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	return nil
}

// ReadFile never returns content: the list format carries metadata only,
// never file bytes (spec.md §1's transport non-goal). Size is still
// reported correctly via GetInodeAttributes, so `ls -l` works; `cat` fails.
func (fs *fsView) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	return fuse.ENOSYS
}

func (fs *fsView) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	e, ok := fs.inodes[op.Inode]
	if !ok || e.linkTarget == "" {
		return fuse.EIO
	}
	op.Target = e.linkTarget
	return nil
}

// Mount builds an inode table from r (positioned past its Header) and
// mounts it read-only at mountpoint. The returned join func blocks — the
// way the teacher's internal/fuse.Mount's own join does — until the
// filesystem is unmounted (by the kernel, by `fusermount -u`, or by ctx
// being canceled), then unmounts it itself on the way out.
func Mount(ctx context.Context, r *flist.Reader, mountpoint string) (join func(context.Context) error, err error) {
	fs, err := Build(r)
	if err != nil {
		return nil, err
	}
	server := fuseutil.NewFileSystemServer(fs)
	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "dsync-listview",
		ReadOnly: true,
		Options: map[string]string{
			"allow_other": "",
		},
	})
	if err != nil {
		return nil, xerrors.Errorf("fuseview: mount %s: %w", mountpoint, err)
	}
	return func(ctx context.Context) error {
		defer fuse.Unmount(mountpoint)
		return mfs.Join(ctx)
	}, nil
}
