//go:build windows

package inbox

import "os"

// pidAlive reports whether a process with the given PID exists. Windows has
// no signal-0 equivalent; os.FindProcess itself opens a handle via
// OpenProcess and fails for a PID that no longer exists, so a successful
// FindProcess is treated as "alive".
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
