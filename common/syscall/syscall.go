//go:build linux

// Package syscall defines OS-specific syscall parameters.
package syscall

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// CmdAttrs returns the SysProcAttr used for spawning child processes.
//
// Children receive SIGKILL when the runner dies, and get their own process
// group so that a signal to the runner's group does not reach them twice.
func CmdAttrs() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
		Setpgid:   true,
	}
}

// PrioritySupported is true iff scheduling priority can be raised for child
// processes on this platform.
const PrioritySupported = true

// SetPriority sets the scheduling priority (niceness) of the given process.
func SetPriority(pid, niceness int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, niceness)
}

// LazyUnmount detaches the filesystem mounted at target, letting the kernel
// finish the unmount once it is no longer busy.
func LazyUnmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}
