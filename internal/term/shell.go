package term

import "strings"

// DefaultShell resolves the shell to launch when a session does not name
// one. Selection is deterministic per platform:
//
//	windows: powershell.exe when COMSPEC mentions PowerShell, else the
//	         COMSPEC value, else cmd.exe
//	darwin:  $SHELL, else /bin/zsh
//	other:   $SHELL, else /bin/bash
//
// getenv is injected so the precedence is testable without mutating the
// process environment.
func DefaultShell(goos string, getenv func(string) string) string {
	if goos == "windows" {
		comspec := getenv("COMSPEC")
		if strings.Contains(strings.ToLower(comspec), "powershell") {
			return "powershell.exe"
		}
		if comspec != "" {
			return comspec
		}
		return "cmd.exe"
	}

	if shell := getenv("SHELL"); shell != "" {
		return shell
	}
	if goos == "darwin" {
		return "/bin/zsh"
	}
	return "/bin/bash"
}
