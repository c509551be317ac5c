package ninja_go

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// TimeStamp is a file modification time in nanoseconds since the epoch.
// -1 means "not yet stat()ed" and 0 means "does not exist".
type TimeStamp int64

// / Interface for reading files from disk.  See DiskInterface for details.
// / This base offers the minimum interface needed just to read files.
type FileReader interface {
	// ReadFile returns an error satisfying errors.Is(err, fs.ErrNotExist)
	// when the file is missing.
	ReadFile(path string) ([]byte, error)
}

// / Interface for accessing the disk.
// /
// / Abstract so it can be mocked out for tests.  The real implementation
// / is RealDiskInterface.
type DiskInterface interface {
	FileReader
	// Stat returns the mtime of path, or 0 if it does not exist.
	Stat(path string) (TimeStamp, error)
	WriteFile(path string, contents string) error
	// MakeDir creates a single directory.
	MakeDir(path string) error
	// RemoveFile behaves like 'rm -f path': removing a missing file
	// reports false with a nil error.
	RemoveFile(path string) (bool, error)
}

// MakeDirs creates every missing directory leading up to path (but not path
// itself).
func MakeDirs(disk DiskInterface, path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "/" || dir == path {
		return nil // Reached root; assume it's there.
	}
	mtime, err := disk.Stat(dir)
	if err != nil {
		return err
	}
	if mtime > 0 {
		return nil // Exists already; we're done.
	}
	// Directory doesn't exist.  Try creating its parent first.
	if err := MakeDirs(disk, dir); err != nil {
		return err
	}
	return disk.MakeDir(dir)
}

// RealDiskInterface talks to the operating system. Stat results may be
// memoized for the duration of dependency scanning.
type RealDiskInterface struct {
	useCache bool
	cache    map[string]TimeStamp
}

func NewRealDiskInterface() *RealDiskInterface {
	return &RealDiskInterface{cache: map[string]TimeStamp{}}
}

func (d *RealDiskInterface) Stat(path string) (TimeStamp, error) {
	defer METRIC_RECORD("node stat")()
	if d.useCache {
		if mtime, ok := d.cache[path]; ok {
			return mtime, nil
		}
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrInvalid) {
			return d.remember(path, 0), nil
		}
		if errors.Is(err, syscall.ENOTDIR) {
			return d.remember(path, 0), nil
		}
		return -1, fmt.Errorf("stat(%s): %w", path, err)
	}
	mtime := TimeStamp(info.ModTime().UnixNano())
	// Some users (Flatpak) set mtime to 0, this should be harmless and
	// avoids conflicting with our return value of 0 meaning that the file
	// doesn't exist.
	if mtime == 0 {
		mtime = 1
	}
	return d.remember(path, mtime), nil
}

func (d *RealDiskInterface) remember(path string, mtime TimeStamp) TimeStamp {
	if d.useCache {
		d.cache[path] = mtime
	}
	return mtime
}

func (d *RealDiskInterface) forget(path string) {
	if d.useCache {
		delete(d.cache, path)
	}
}

func (d *RealDiskInterface) WriteFile(path string, contents string) error {
	d.forget(path)
	if err := os.WriteFile(path, []byte(contents), 0o664); err != nil {
		return fmt.Errorf("WriteFile(%s): %w", path, err)
	}
	return nil
}

func (d *RealDiskInterface) MakeDir(path string) error {
	d.forget(path)
	if err := os.Mkdir(path, 0o777); err != nil && !errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("mkdir(%s): %w", path, err)
	}
	return nil
}

func (d *RealDiskInterface) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (d *RealDiskInterface) RemoveFile(path string) (bool, error) {
	d.forget(path)
	err := os.Remove(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("remove(%s): %w", path, err)
}

// / Whether stat information can be cached.
func (d *RealDiskInterface) AllowStatCache(allow bool) {
	d.useCache = allow
	if !allow {
		clear(d.cache)
	}
}
