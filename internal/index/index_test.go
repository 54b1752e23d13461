package index

import (
	"testing"

	"github.com/go-dsync/dsync/internal/flist"
)

func buildSample(t *testing.T) (*flist.Header, []byte) {
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
	write(fileRecord("a.txt"))
	write(fileRecord("b.txt"))
	write(fileRecord("z.txt"))
	write(flist.DirEnd{})
	write(dirRecord(flist.TagDirStart, "sub"))
	write(fileRecord("c.txt"))
	write(flist.DirEnd{})
	write(&flist.Trailer{Signature: flist.TrailerSignature})

	return h, mem.Bytes()
}

func dirRecord(tag flist.Tag, name string) flist.Record {
	d := &flist.Directory{}
	d.Tag = tag
	d.Name = name
	return d
}

func fileRecord(name string) flist.Record {
	nf := &flist.NormalFile{}
	nf.Tag = flist.TagNormalFile
	nf.Name = name
	nf.Size = uint64(len(name))
	return nf
}

func newCursor(t *testing.T, h *flist.Header, data []byte) *flist.Reader {
	t.Helper()
	mem := flist.NewMemIO()
	if err := mem.Write(data); err != nil {
		t.Fatal(err)
	}
	mem.Seek(0)
	r, err := flist.NewReader(mem)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestLookupOutOfOrderAndReseek(t *testing.T) {
	h, data := buildSample(t)
	cursor := newCursor(t, h, data)

	offsets, err := Build(cursor)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := offsets[""]; !ok {
		t.Fatalf("offsets missing root entry: %+v", offsets)
	}
	if _, ok := offsets["sub"]; !ok {
		t.Fatalf("offsets missing sub entry: %+v", offsets)
	}

	cursor2 := newCursor(t, h, data)
	r := NewReader(cursor2, offsets)

	// In-order lookup within the root directory: continues scanning forward.
	tag, rec, found, err := r.Lookup("", "a.txt")
	if err != nil || !found {
		t.Fatalf("Lookup(a.txt) found=%v err=%v", found, err)
	}
	if tag != flist.TagNormalFile || rec.(*flist.NormalFile).Name != "a.txt" {
		t.Fatalf("Lookup(a.txt) = %+v", rec)
	}

	// Out-of-order lookup of a name already scanned past: must re-seek once
	// and still find it.
	tag, rec, found, err = r.Lookup("", "a.txt")
	if err != nil || !found {
		t.Fatalf("Lookup(a.txt) again: found=%v err=%v", found, err)
	}

	// Switch directories.
	tag, rec, found, err = r.Lookup("sub", "c.txt")
	if err != nil || !found {
		t.Fatalf("Lookup(sub, c.txt) found=%v err=%v", found, err)
	}
	if rec.(*flist.NormalFile).Name != "c.txt" {
		t.Fatalf("Lookup(sub, c.txt) = %+v", rec)
	}

	// Back to root after visiting the subdirectory.
	tag, rec, found, err = r.Lookup("", "z.txt")
	if err != nil || !found {
		t.Fatalf("Lookup(z.txt) found=%v err=%v", found, err)
	}
	if rec.(*flist.NormalFile).Name != "z.txt" {
		t.Fatalf("Lookup(z.txt) = %+v", rec)
	}

	// A name that doesn't exist anywhere in the directory.
	_, _, found, err = r.Lookup("", "missing.txt")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("Lookup(missing.txt) unexpectedly found")
	}

	// A directory that doesn't exist at all.
	_, _, found, err = r.Lookup("nope", "x")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("Lookup in nonexistent directory unexpectedly found")
	}
}
