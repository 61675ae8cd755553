//go:build !windows

package ipc

import (
	"os"

	"golang.org/x/sys/unix"
)

// terminate asks the process to exit.
func terminate(p *os.Process) error {
	return p.Signal(unix.SIGTERM)
}
