package fmq

import (
	"errors"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// lockRetryInterval is how long flockTimeout sleeps between LOCK_NB attempts
const lockRetryInterval = time.Millisecond

// errLockTimeout is returned by flockTimeout when the deadline passes
var errLockTimeout = errors.New("lock wait timed out")

// flockTimeout acquires an exclusive advisory lock on f, retrying until
// timeout. A timeout <= 0 tries exactly once. The kernel drops the lock when
// the last descriptor for the open file is closed, including on process death.
func flockTimeout(f *os.File, timeout time.Duration) error {
	fd := int(f.Fd())
	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EWOULDBLOCK && err != unix.EAGAIN {
			return err
		}
		if !time.Now().Before(deadline) {
			return errLockTimeout
		}

		// Wait a bit before retrying
		time.Sleep(lockRetryInterval)
	}
}

// funlock releases a lock taken by flockTimeout
func funlock(f *os.File) error {
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_UN)
		if err != unix.EINTR {
			return err
		}
	}
}

// isProcessAlive checks if a process with the given PID is still running
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}
