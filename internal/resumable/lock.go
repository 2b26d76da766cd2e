package resumable

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mergeLock is the hardlink sentinel ("<filename>.<upload_id>.lock") that
// serializes append-merge operations against a single merged file, backed
// by a flock(2) advisory lock on the same file for the duration the
// sentinel is held. The hardlink alone is what survives discovery by a
// second process after a crash; the flock only protects concurrent
// goroutines within this process from racing on the same path.
type mergeLock struct {
	path string
	file *os.File
}

// acquireMergeLock creates the lock sentinel via a hardlink to the merged
// file, falling back to O_EXCL create if the merged file does not exist
// yet (first chunk of a new upload).
func acquireMergeLock(mergedPath, lockPath string) (*mergeLock, error) {
	if err := os.Link(mergedPath, lockPath); err != nil {
		if !os.IsNotExist(err) && !os.IsExist(err) {
			return nil, fmt.Errorf("resumable: link lock %s: %w", lockPath, err)
		}
		if os.IsExist(err) {
			return nil, fmt.Errorf("resumable: upload already in progress (lock %s held)", lockPath)
		}
		// mergedPath doesn't exist yet: this is chunk 1, take an
		// exclusive-create sentinel directly.
		f, cerr := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o640)
		if cerr != nil {
			if os.IsExist(cerr) {
				return nil, fmt.Errorf("resumable: upload already in progress (lock %s held)", lockPath)
			}
			return nil, fmt.Errorf("resumable: create lock %s: %w", lockPath, cerr)
		}
		if ferr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); ferr != nil {
			f.Close()
			os.Remove(lockPath)
			return nil, fmt.Errorf("resumable: flock %s: %w", lockPath, ferr)
		}
		return &mergeLock{path: lockPath, file: f}, nil
	}

	f, err := os.OpenFile(lockPath, os.O_RDWR, 0o640)
	if err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("resumable: reopen lock %s: %w", lockPath, err)
	}
	if ferr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); ferr != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("resumable: flock %s: %w", lockPath, ferr)
	}
	return &mergeLock{path: lockPath, file: f}, nil
}

// release removes the sentinel on every exit path, per the single-writer
// invariant: whoever acquires the lock must release it even on error.
func (l *mergeLock) release() {
	if l == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	os.Remove(l.path)
}
