package walker

import (
	"crypto/md5"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-dsync/dsync/internal/flist"
	"github.com/go-dsync/dsync/internal/index"
)

func readAll(t *testing.T, listPath string) (*flist.Header, []struct {
	Tag flist.Tag
	Rec flist.Record
}) {
	t.Helper()
	f, err := os.Open(listPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := flist.NewReader(flist.NewFileIO(f))
	if err != nil {
		t.Fatal(err)
	}
	var out []struct {
		Tag flist.Tag
		Rec flist.Record
	}
	for {
		tag, rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, struct {
			Tag flist.Tag
			Rec flist.Record
		}{tag, rec})
		if tag == flist.TagTrailer {
			break
		}
	}
	return r.Header, out
}

func TestProduceEmptyTree(t *testing.T) {
	base := t.TempDir()
	listPath := filepath.Join(t.TempDir(), "list")

	h := flist.NewHeader(0)
	if err := Produce(base, listPath, h, Options{Order: OrderTree}); err != nil {
		t.Fatal(err)
	}

	_, recs := readAll(t, listPath)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3 (DirStart, DirEnd, Trailer): %+v", len(recs), recs)
	}
	if recs[0].Tag != flist.TagDirStart {
		t.Errorf("recs[0].Tag = %s, want DirStart", recs[0].Tag)
	}
	if d := recs[0].Rec.(*flist.Directory); d.Name != "" {
		t.Errorf("root DirStart.Name = %q, want \"\"", d.Name)
	}
	if recs[1].Tag != flist.TagDirEnd {
		t.Errorf("recs[1].Tag = %s, want DirEnd", recs[1].Tag)
	}
	if recs[2].Tag != flist.TagTrailer {
		t.Errorf("recs[2].Tag = %s, want Trailer", recs[2].Tag)
	}
}

func TestProduceSingleFileWithMD5(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "hello"), []byte("hi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	listPath := filepath.Join(t.TempDir(), "list")

	h := flist.NewHeader(0)
	if err := h.SetFlags(flist.TagNormalFile, flist.FlMD5); err != nil {
		t.Fatal(err)
	}
	if err := Produce(base, listPath, h, Options{Order: OrderTree, MD5: true}); err != nil {
		t.Fatal(err)
	}

	_, recs := readAll(t, listPath)
	var nf *flist.NormalFile
	for _, r := range recs {
		if r.Tag == flist.TagNormalFile {
			nf = r.Rec.(*flist.NormalFile)
		}
	}
	if nf == nil {
		t.Fatal("no NormalFile record found")
	}
	if nf.Name != "hello" {
		t.Errorf("Name = %q, want hello", nf.Name)
	}
	if nf.Size != 3 {
		t.Errorf("Size = %d, want 3", nf.Size)
	}
	want := md5.Sum([]byte("hi\n"))
	if nf.MD5 != want {
		t.Errorf("MD5 = %x, want %x", nf.MD5, want)
	}
}

func TestProduceDepthOrderMarker(t *testing.T) {
	base := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, "x"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(base, "d"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(base, "d", "y"), []byte("y"), 0644); err != nil {
		t.Fatal(err)
	}
	listPath := filepath.Join(t.TempDir(), "list")

	h := flist.NewHeader(0)
	if err := Produce(base, listPath, h, Options{Order: OrderDepth}); err != nil {
		t.Fatal(err)
	}

	_, recs := readAll(t, listPath)
	var tags []flist.Tag
	for _, r := range recs {
		tags = append(tags, r.Tag)
	}
	// "d" is fully written (DirStart/y/DirEnd) before root's own span opens;
	// root's span never re-lists "d" as a record of its own.
	want := []flist.Tag{
		flist.TagDirMarker,
		flist.TagDirStart, flist.TagNormalFile, flist.TagDirEnd,
		flist.TagDirStart, flist.TagNormalFile, flist.TagDirEnd,
		flist.TagTrailer,
	}
	if len(tags) != len(want) {
		t.Fatalf("tags = %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tag[%d] = %s, want %s", i, tags[i], want[i])
		}
	}
	if nf := recs[2].Rec.(*flist.NormalFile); nf.Name != "y" {
		t.Errorf("first directory's file = %q, want y", nf.Name)
	}
	if nf := recs[5].Rec.(*flist.NormalFile); nf.Name != "x" {
		t.Errorf("second directory's file = %q, want x", nf.Name)
	}
}

func TestProduceLeavesOriginalOnFailure(t *testing.T) {
	badBase := filepath.Join(t.TempDir(), "does-not-exist")
	listDir := t.TempDir()
	listPath := filepath.Join(listDir, "list")
	if err := os.WriteFile(listPath, []byte("original"), 0644); err != nil {
		t.Fatal(err)
	}

	h := flist.NewHeader(0)
	err := Produce(badBase, listPath, h, Options{Order: OrderTree})
	if err == nil {
		t.Fatal("expected an error walking a nonexistent base")
	}

	got, err := os.ReadFile(listPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "original" {
		t.Errorf("original list file was modified: %q", got)
	}
	if _, err := os.Stat(listPath + ".new"); !os.IsNotExist(err) {
		t.Errorf("expected list.new to be cleaned up, stat err = %v", err)
	}
}

// TestMD5ReuseAcrossDifferentEpochs builds a previous list whose Header.Epoch
// differs from the new list's, and checks that a file whose mtime matches the
// previous entry's still gets its MD5 reused rather than rehashed — the
// on-wire ModTime delta of each list is only meaningful relative to its own
// Header.Epoch, so the comparison has to convert both to absolute time before
// comparing them, not compare a delta against an absolute timestamp (or
// assume the two lists share an epoch).
func TestMD5ReuseAcrossDifferentEpochs(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "hello")
	if err := os.WriteFile(path, []byte("hi\n"), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Unix(1_700_000_000, 0)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	const prevEpoch = 1_600_000_000
	prevPath := filepath.Join(t.TempDir(), "prev-list")
	prevHeader := flist.NewHeader(prevEpoch)
	if err := prevHeader.SetFlags(flist.TagNormalFile, flist.FlMD5); err != nil {
		t.Fatal(err)
	}
	pf, err := os.Create(prevPath)
	if err != nil {
		t.Fatal(err)
	}
	w, err := flist.NewWriter(flist.NewFileIO(pf), prevHeader)
	if err != nil {
		t.Fatal(err)
	}
	stubMD5 := [16]byte{0xde, 0xad, 0xbe, 0xef}
	nf := &flist.NormalFile{Size: 3, MD5: stubMD5}
	nf.Tag = flist.TagNormalFile
	nf.Name = "hello"
	nf.ModTime = int32(mtime.Unix() - prevEpoch)
	root := &flist.Directory{}
	root.Tag = flist.TagDirStart
	if err := w.WriteRecord(root); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(nf); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(flist.DirEnd{}); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteRecord(&flist.Trailer{Signature: flist.TrailerSignature}); err != nil {
		t.Fatal(err)
	}
	if err := pf.Close(); err != nil {
		t.Fatal(err)
	}

	prf, err := os.Open(prevPath)
	if err != nil {
		t.Fatal(err)
	}
	defer prf.Close()
	pr, err := flist.NewReader(flist.NewFileIO(prf))
	if err != nil {
		t.Fatal(err)
	}
	offsets, err := index.Build(pr)
	if err != nil {
		t.Fatal(err)
	}
	idx := index.NewReader(pr, offsets)

	const newEpoch = 1_650_000_000
	listPath := filepath.Join(t.TempDir(), "list")
	newHeader := flist.NewHeader(newEpoch)
	if err := newHeader.SetFlags(flist.TagNormalFile, flist.FlMD5); err != nil {
		t.Fatal(err)
	}
	opts := Options{Order: OrderTree, MD5: true, MD5Source: NewIndexMDSource(idx)}
	if err := Produce(base, listPath, newHeader, opts); err != nil {
		t.Fatal(err)
	}

	_, recs := readAll(t, listPath)
	var got *flist.NormalFile
	for _, r := range recs {
		if r.Tag == flist.TagNormalFile {
			got = r.Rec.(*flist.NormalFile)
		}
	}
	if got == nil {
		t.Fatal("no NormalFile record found")
	}
	if got.MD5 != stubMD5 {
		t.Errorf("MD5 = %x, want reused stub %x (epoch-aware mtime match should have skipped rehashing)", got.MD5, stubMD5)
	}
}
