//go:build windows

package lockfile

import "syscall"

// ownerAlive reports whether the process holding a store lock still exists.
func ownerAlive(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid owner pid"
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, "owner exited"
	}
	defer syscall.CloseHandle(h)
	return true, ""
}
