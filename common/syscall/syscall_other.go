//go:build !linux

// Package syscall defines OS-specific syscall parameters.
package syscall

import (
	"errors"
	"syscall"
)

// ErrNotSupported is the error returned for operations not available on this
// platform.
var ErrNotSupported = errors.New("syscall: not supported on this platform")

// CmdAttrs returns the SysProcAttr used for spawning child processes. It is
// empty as PR_SET_PDEATHSIG is not implemented. As a consequence, child
// processes may not be cleaned up if the runner crashes.
func CmdAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{}
}

// PrioritySupported is true iff scheduling priority can be raised for child
// processes on this platform.
const PrioritySupported = false

// SetPriority is not supported on this platform.
func SetPriority(pid, niceness int) error {
	return ErrNotSupported
}

// LazyUnmount is not supported on this platform.
func LazyUnmount(target string) error {
	return ErrNotSupported
}
