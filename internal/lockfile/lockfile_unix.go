//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// ownerAlive reports whether the process holding a store lock still exists.
// Signal 0 checks the pid without delivering anything.
func ownerAlive(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid owner pid"
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, "owner not found"
	}

	switch err := proc.Signal(syscall.Signal(0)); {
	case err == nil:
		return true, ""
	case errors.Is(err, syscall.EPERM):
		// Owned by another user; the store is still in use.
		return true, ""
	case errors.Is(err, os.ErrProcessDone), errors.Is(err, syscall.ESRCH):
		return false, "owner exited"
	default:
		return false, "cannot signal owner: " + err.Error()
	}
}
