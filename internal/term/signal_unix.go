//go:build !windows
// +build !windows

package term

import (
	"os"

	"golang.org/x/sys/unix"
)

// notifyResize tells the subprocess its window geometry changed.
func notifyResize(pid int) error {
	return unix.Kill(pid, unix.SIGWINCH)
}

// gracefulSignal is the first signal sent by Kill.
func gracefulSignal() os.Signal {
	return unix.SIGTERM
}

// forcefulSignal is the escalation signal after the grace period.
func forcefulSignal() os.Signal {
	return unix.SIGKILL
}
