// SPDX-License-Identifier: MPL-2.0

//go:build windows

package dashboard

import "os"

// Alive reports whether a process with the given id exists.
func Alive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
