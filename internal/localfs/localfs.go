// Package localfs performs the local side of a sync on a go-billy filesystem.
package localfs

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"syscall"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
)

const tempPrefix = ".gdsync-"

// ErrFilesystem is matched by every error returned from this package.
var ErrFilesystem = errors.New("filesystem error")

// Error is a local filesystem failure.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("local %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrFilesystem, e.Err} }

// DiskFull reports whether the failure was caused by a full device.
func (e *Error) DiskFull() bool { return errors.Is(e.Err, syscall.ENOSPC) }

// IsDiskFull reports whether err carries a disk-full local error.
func IsDiskFull(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.DiskFull()
}

func wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: p, Err: err}
}

// WriteResult describes a completed atomic write.
type WriteResult struct {
	Checksum string // MD5 hex digest
	Size     int64
}

// FS is rooted at the local sync root; all paths are slash separated and relative.
type FS struct {
	fs billy.Filesystem
}

// New returns an FS rooted at dir on the operating system filesystem.
func New(dir string) *FS {
	return &FS{fs: osfs.New(dir)}
}

// NewMemory returns an FS backed by memory.
func NewMemory() *FS {
	return &FS{fs: memfs.New()}
}

// Wrap returns an FS on top of any billy filesystem.
func Wrap(fs billy.Filesystem) *FS {
	return &FS{fs: fs}
}

// EnsureDirectory creates p and its parents. It reports whether p had to be created;
// an existing directory is not an error.
func (f *FS) EnsureDirectory(p string) (bool, error) {
	if p == "" || p == "." || p == "/" {
		return false, nil
	}
	info, err := f.fs.Stat(p)
	switch {
	case err == nil && info.IsDir():
		return false, nil
	case err == nil:
		return false, wrap("mkdir", p, syscall.ENOTDIR)
	case !os.IsNotExist(err):
		return false, wrap("stat", p, err)
	}
	if err := f.fs.MkdirAll(p, 0o755); err != nil {
		return false, wrap("mkdir", p, err)
	}
	return true, nil
}

// WriteAtomic streams r into a temporary file next to p, hashing as it goes,
// then renames it over p. Readers of p see either the old or the new content.
func (f *FS) WriteAtomic(p string, r io.Reader) (WriteResult, error) {
	dir := path.Dir(p)
	if _, err := f.EnsureDirectory(dir); err != nil {
		return WriteResult{}, err
	}

	tmp, err := f.fs.TempFile(dir, tempPrefix)
	if err != nil {
		return WriteResult{}, wrap("create", p, err)
	}
	tmpName := tmp.Name()

	h := md5.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err == nil {
		err = syncFile(tmp)
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = f.fs.Remove(tmpName)
		return WriteResult{}, classifyCopy(p, err)
	}

	if err := f.fs.Rename(tmpName, p); err != nil {
		_ = f.fs.Remove(tmpName)
		return WriteResult{}, wrap("rename", p, err)
	}
	return WriteResult{Checksum: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

// classifyCopy keeps remote stream errors as they are so the caller can tell a
// network failure from a local one.
func classifyCopy(p string, err error) error {
	var pe *os.PathError
	var fe *Error
	switch {
	case errors.As(err, &fe):
		return err
	case errors.As(err, &pe), errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EIO):
		return wrap("write", p, err)
	default:
		return err
	}
}

func syncFile(file billy.File) error {
	if s, ok := file.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

// ReadChecksum returns the MD5 hex digest of the file at p.
func (f *FS) ReadChecksum(p string) (string, error) {
	file, err := f.fs.Open(p)
	if err != nil {
		return "", wrap("open", p, err)
	}
	defer file.Close()

	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", wrap("read", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Exists reports whether p exists.
func (f *FS) Exists(p string) (bool, error) {
	_, err := f.fs.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, wrap("stat", p, err)
	}
}

// ReadFile returns the content of p.
func (f *FS) ReadFile(p string) ([]byte, error) {
	file, err := f.fs.Open(p)
	if err != nil {
		return nil, wrap("open", p, err)
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	return data, wrap("read", p, err)
}

// TempFiles lists leftover temporary files in dir.
func (f *FS) TempFiles(dir string) ([]string, error) {
	entries, err := f.fs.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wrap("readdir", dir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > len(tempPrefix) && e.Name()[:len(tempPrefix)] == tempPrefix {
			out = append(out, path.Join(dir, e.Name()))
		}
	}
	return out, nil
}
