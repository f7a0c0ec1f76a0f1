//go:build unix && !linux

package apprt

import (
	"os/exec"
	"syscall"
)

// setProcGroup runs the app in its own process group so the whole
// tree can be signalled together. Pdeathsig is Linux-only; here
// orphan cleanup relies on explicit Stop calls.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
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
