//go:build linux

package sandbox

import (
	"os/exec"
	"syscall"
)

// configureWorker kills the worker when the host dies and keeps it out of
// the host's process group.
func configureWorker(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}
