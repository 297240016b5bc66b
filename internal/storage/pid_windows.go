//go:build windows

package storage

import "os"

// pidAlive on Windows relies on FindProcess failing for missing processes.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
