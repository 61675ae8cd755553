//go:build windows

package ipc

import "os"

// terminate ends the process. Windows has no polite termination signal for
// console-less children, so this is the same as Kill.
func terminate(p *os.Process) error {
	return p.Kill()
}
