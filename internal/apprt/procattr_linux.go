//go:build linux

package apprt

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the app in its own process group so the whole
// tree can be signalled together. Pdeathsig covers the case where the
// server dies without calling Stop.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}

func terminateProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

func hangupProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGHUP)
}
