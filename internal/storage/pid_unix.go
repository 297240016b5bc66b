//go:build unix

package storage

import (
	"errors"
	"os"
	"syscall"
)

// pidAlive probes a process with signal 0. EPERM means the process exists
// but belongs to another user, which still counts as alive.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
