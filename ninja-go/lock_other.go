//go:build !unix

package ninja_go

import (
	"errors"
	"fmt"
	"os"
)

var ErrLocked = errors.New("another build is running")

// LockFile falls back to exclusive creation where flock(2) is missing. A
// crashed build leaves the file behind and must be cleaned up by hand.
type LockFile struct {
	path string
	f    *os.File
}

func AcquireLock(path string) (*LockFile, error) {
	f, err := os.OpenFile(path+".excl", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	return &LockFile{path: path, f: f}, nil
}

func (l *LockFile) Path() string { return l.path }

func (l *LockFile) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	os.Remove(l.path + ".excl")
	l.f = nil
	return err
}
