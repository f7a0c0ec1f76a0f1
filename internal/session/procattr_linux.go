//go:build linux

package session

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the assistant subprocess in its own process group
// so an abort kill reaches whatever children it spawned. Pdeathsig
// covers the case where the server dies without terminating sessions.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
