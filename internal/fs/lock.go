package fs

import (
	"errors"
	"os"
)

// ErrLocked is returned by Lock when another process holds the lock.
var ErrLocked = errors.New("file is locked by another process")

// FileLock is an exclusive advisory lock held on a lock file.
type FileLock struct {
	f    *os.File
	path string
}

// Lock creates (if needed) and exclusively locks the file at path without
// blocking. It returns ErrLocked if another process holds the lock.
//
// Locks always go to the real file system; they guard against a second
// process, not against a second FileSystem implementation.
func Lock(path string) (*FileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileLock{f: f, path: path}, nil
}

// Path returns the lock file path.
func (l *FileLock) Path() string { return l.path }

// Unlock releases the lock. The lock file is left in place.
func (l *FileLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}
