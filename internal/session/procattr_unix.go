//go:build unix && !linux

package session

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the assistant subprocess in its own process group
// so an abort kill reaches whatever children it spawned.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
