package fuseview

import (
	"testing"

	"github.com/go-dsync/dsync/internal/flist"
)

func dirRecord(tag flist.Tag, name string) flist.Record {
	d := &flist.Directory{}
	d.Tag = tag
	d.Name = name
	return d
}

func fileRecord(name string, size uint64) flist.Record {
	nf := &flist.NormalFile{}
	nf.Tag = flist.TagNormalFile
	nf.Name = name
	nf.Size = size
	return nf
}

func symlinkRecord(name, to string) flist.Record {
	s := &flist.Symlink{}
	s.Tag = flist.TagSymlink
	s.Name = name
	s.To = to
	return s
}

func buildSample(t *testing.T) *flist.Reader {
	t.Helper()
	h := flist.NewHeader(0)
	mem := flist.NewMemIO()
	w, err := flist.NewWriter(mem, h)
	if err != nil {
		t.Fatal(err)
	}
	write := func(rec flist.Record) {
		t.Helper()
		if err := w.WriteRecord(rec); err != nil {
			t.Fatal(err)
		}
	}

	write(dirRecord(flist.TagDirStart, ""))
	write(fileRecord("a.txt", 3))
	write(symlinkRecord("link", "a.txt"))
	write(dirRecord(flist.TagDirStart, "sub"))
	write(fileRecord("b.txt", 7))
	write(flist.DirEnd{})
	write(flist.DirEnd{})
	write(&flist.Trailer{Signature: flist.TrailerSignature})

	data := mem.Bytes()
	in := flist.NewMemIO()
	if err := in.Write(data); err != nil {
		t.Fatal(err)
	}
	in.Seek(0)
	r, err := flist.NewReader(in)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestBuildRootChildren(t *testing.T) {
	r := buildSample(t)
	fs, err := Build(r)
	if err != nil {
		t.Fatal(err)
	}

	root := fs.inodes[rootInode]
	if len(root.order) != 3 {
		t.Fatalf("root has %d children, want 3 (a.txt, link, sub): %v", len(root.order), root.order)
	}
	for _, name := range []string{"a.txt", "link", "sub"} {
		if _, ok := root.byName[name]; !ok {
			t.Errorf("root missing child %q", name)
		}
	}

	subIno, ok := root.byName["sub"]
	if !ok {
		t.Fatal("root missing \"sub\"")
	}
	sub := fs.inodes[subIno]
	if sub.byName == nil {
		t.Fatal("\"sub\" was not recorded as a directory")
	}
	if _, ok := sub.byName["b.txt"]; !ok {
		t.Errorf("sub/ missing child \"b.txt\", got %v", sub.order)
	}
}

func TestBuildSymlinkTarget(t *testing.T) {
	r := buildSample(t)
	fs, err := Build(r)
	if err != nil {
		t.Fatal(err)
	}

	root := fs.inodes[rootInode]
	linkIno, ok := root.byName["link"]
	if !ok {
		t.Fatal("root missing \"link\"")
	}
	link := fs.inodes[linkIno]
	if link.linkTarget != "a.txt" {
		t.Errorf("link target = %q, want %q", link.linkTarget, "a.txt")
	}
}

func TestBuildFileSize(t *testing.T) {
	r := buildSample(t)
	fs, err := Build(r)
	if err != nil {
		t.Fatal(err)
	}

	root := fs.inodes[rootInode]
	ino, ok := root.byName["a.txt"]
	if !ok {
		t.Fatal("root missing \"a.txt\"")
	}
	if got := fs.inodes[ino].attr.Size; got != 3 {
		t.Errorf("a.txt size = %d, want 3", got)
	}
}
