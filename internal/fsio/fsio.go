// Package fsio provides the durable-write primitives shared by the file
// backed stores: write-temp-then-atomic-rename so a crash mid-write never
// corrupts a record, and advisory file locks with a small retry budget so
// two server processes can share one data directory.
package fsio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// WriteAtomic writes data to path via a temp file in the same directory
// followed by rename. The prior content stays visible until the new content
// is durable.
func WriteAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Lock holds an advisory exclusive lock on a sidecar lock file.
type Lock struct {
	f *os.File
}

var ErrLockBusy = errors.New("lock busy")

// AcquireLock takes an exclusive advisory lock on path, retrying up to
// attempts times with delay between tries. Advisory only: cooperating
// processes must use the same lock path.
func AcquireLock(path string, attempts int, delay time.Duration) (*Lock, error) {
	if attempts <= 0 {
		attempts = 1
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	for i := 0; i < attempts; i++ {
		err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return &Lock{f: f}, nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	f.Close()
	return nil, fmt.Errorf("acquire lock %s: %w", path, ErrLockBusy)
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
