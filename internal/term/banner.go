package term

import (
	"fmt"
	"os"
	"os/user"
)

// productName appears in the greeting line of each new session.
const productName = "DevDesk"

// promptBanner formats the synthetic initial prompt shown shortly after
// spawn, before the shell produces output of its own.
func promptBanner(cwd string) string {
	username := "user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	} else if v := os.Getenv("USER"); v != "" {
		username = v
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}

	return fmt.Sprintf("\r\nWelcome to %s Terminal\r\n%s@%s:%s$ ", productName, username, hostname, cwd)
}
