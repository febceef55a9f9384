package spool

import (
	"fmt"
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// AdvisoryLock wraps a real flock(2) exclusive lock on a spool-directory
// file, giving spec.md invariant 1 ("exactly one scheduler per queue")
// and the dispatcher's port-lock (§4.7 step 2) force across process
// restarts, not just within one run — an in-process sync.Mutex cannot
// make that guarantee.
type AdvisoryLock struct {
	f *os.File
}

// TryLock attempts a non-blocking exclusive lock on path, writing pid
// into the file on success. It returns (nil, false, nil) if another
// process already holds the lock.
func TryLock(path string, pid int) (*AdvisoryLock, bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, false, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("flock %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, false, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(pid)), 0); err != nil {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
		return nil, false, err
	}
	return &AdvisoryLock{f: f}, true, nil
}

// Unlock releases the flock and closes the file.
func (l *AdvisoryLock) Unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}

// ReadLockPID reads the pid recorded in a lock file without acquiring
// it, used by status handlers to report which process owns a queue.
func ReadLockPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}
