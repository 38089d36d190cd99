//go:build linux

package main

import "golang.org/x/sys/unix"

// hostMemory reports total physical memory in bytes.
func hostMemory() (uint64, bool) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, false
	}
	return uint64(si.Totalram) * uint64(si.Unit), true
}
