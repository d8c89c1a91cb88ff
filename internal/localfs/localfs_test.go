package localfs

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
)

func testEnsureDirectory(t *testing.T, fs *FS) {
	t.Helper()
	created, err := fs.EnsureDirectory("a/b/c")
	if err != nil {
		t.Fatalf("EnsureDirectory failed: %v", err)
	}
	if !created {
		t.Error("expected directory to be created")
	}
	created, err = fs.EnsureDirectory("a/b/c")
	if err != nil {
		t.Fatalf("second EnsureDirectory failed: %v", err)
	}
	if created {
		t.Error("existing directory reported as created")
	}
	if ok, _ := fs.Exists("a/b"); !ok {
		t.Error("parent directory missing")
	}
}

func testWriteAtomic(t *testing.T, fs *FS) {
	t.Helper()
	res, err := fs.WriteAtomic("docs/report.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}
	// md5("hello")
	if res.Checksum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("checksum = %s", res.Checksum)
	}
	if res.Size != 5 {
		t.Errorf("size = %d, want 5", res.Size)
	}
	sum, err := fs.ReadChecksum("docs/report.txt")
	if err != nil {
		t.Fatalf("ReadChecksum failed: %v", err)
	}
	if sum != res.Checksum {
		t.Errorf("ReadChecksum = %s, want %s", sum, res.Checksum)
	}
	if leftovers, _ := fs.TempFiles("docs"); len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

type brokenReader struct {
	data []byte
	err  error
	done bool
}

func (b *brokenReader) Read(p []byte) (int, error) {
	if b.done {
		return 0, b.err
	}
	b.done = true
	return copy(p, b.data), nil
}

func testWriteAtomicKeepsPrevious(t *testing.T, fs *FS) {
	t.Helper()
	if _, err := fs.WriteAtomic("bin/big.bin", strings.NewReader("complete v1")); err != nil {
		t.Fatalf("WriteAtomic v1 failed: %v", err)
	}
	streamErr := errors.New("connection reset")
	_, err := fs.WriteAtomic("bin/big.bin", &brokenReader{data: []byte("partial"), err: streamErr})
	if !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}
	if errors.Is(err, ErrFilesystem) {
		t.Error("stream failure misclassified as filesystem error")
	}
	data, err := fs.ReadFile("bin/big.bin")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "complete v1" {
		t.Errorf("content = %q, want previous version", data)
	}
	if leftovers, _ := fs.TempFiles("bin"); len(leftovers) != 0 {
		t.Errorf("temp files left behind: %v", leftovers)
	}
}

func TestMemory(t *testing.T) {
	t.Run("EnsureDirectory", func(t *testing.T) { testEnsureDirectory(t, NewMemory()) })
	t.Run("WriteAtomic", func(t *testing.T) { testWriteAtomic(t, NewMemory()) })
	t.Run("KeepsPrevious", func(t *testing.T) { testWriteAtomicKeepsPrevious(t, NewMemory()) })
}

func TestOS(t *testing.T) {
	t.Run("EnsureDirectory", func(t *testing.T) { testEnsureDirectory(t, New(t.TempDir())) })
	t.Run("WriteAtomic", func(t *testing.T) { testWriteAtomic(t, New(t.TempDir())) })
	t.Run("KeepsPrevious", func(t *testing.T) { testWriteAtomicKeepsPrevious(t, New(t.TempDir())) })
}

func TestEnsureDirectoryOverFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "taken"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(root).EnsureDirectory("taken")
	if !errors.Is(err, ErrFilesystem) {
		t.Fatalf("expected filesystem error, got %v", err)
	}
}

func TestDiskFull(t *testing.T) {
	err := wrap("write", "x", &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC})
	if !IsDiskFull(err) {
		t.Error("ENOSPC not detected as disk full")
	}
	if IsDiskFull(wrap("write", "x", io.ErrShortWrite)) {
		t.Error("short write detected as disk full")
	}
}

func TestReadChecksumMissing(t *testing.T) {
	_, err := NewMemory().ReadChecksum("nope")
	if !errors.Is(err, ErrFilesystem) {
		t.Errorf("expected filesystem error, got %v", err)
	}
}
