//go:build windows
// +build windows

package term

import "os"

// notifyResize is a no-op on Windows; there is no window-change signal
// for piped-stdio subprocesses.
func notifyResize(pid int) error {
	return nil
}

func gracefulSignal() os.Signal {
	return os.Kill
}

func forcefulSignal() os.Signal {
	return os.Kill
}
