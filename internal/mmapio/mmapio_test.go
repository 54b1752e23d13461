package mmapio

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStreamReadSeek(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	want := []byte("hello, dsync")
	if err := os.WriteFile(path, want, 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if got := s.Len(); got != int64(len(want)) {
		t.Fatalf("Len() = %d, want %d", got, len(want))
	}

	buf := make([]byte, 5)
	if err := s.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "hello" {
		t.Fatalf("Read() = %q, want %q", buf, "hello")
	}

	if err := s.Seek(7); err != nil {
		t.Fatal(err)
	}
	rest := make([]byte, len(want)-7)
	if err := s.Read(rest); err != nil {
		t.Fatal(err)
	}
	if string(rest) != "dsync" {
		t.Fatalf("Read() after seek = %q, want %q", rest, "dsync")
	}

	if err := s.Write([]byte("x")); err != ErrReadOnly {
		t.Fatalf("Write() = %v, want ErrReadOnly", err)
	}

	past := make([]byte, 1)
	if err := s.Seek(uint64(len(want))); err != nil {
		t.Fatal(err)
	}
	if err := s.Read(past); err == nil {
		t.Fatal("expected error reading past end of file")
	}
}
