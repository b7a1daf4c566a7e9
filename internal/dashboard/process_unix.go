// SPDX-License-Identifier: MPL-2.0

//go:build !windows

package dashboard

import (
	"errors"
	"syscall"
)

// Alive reports whether a process with the given id exists.
func Alive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
