//go:build !windows
// +build !windows

package action

import (
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func shellCommand(line string) *exec.Cmd {
	return exec.Command("/bin/sh", "-c", line)
}

// setProcessGroup starts the command in its own process group so the whole
// group can be signalled.
func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminate sends SIGTERM to the process group of pid, then SIGKILL if it has
// not exited within grace.
func terminate(pid int, grace time.Duration, exited <-chan struct{}) {
	if pid <= 0 {
		return
	}
	_ = unix.Kill(-pid, unix.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	_ = unix.Kill(-pid, unix.SIGKILL)
}
