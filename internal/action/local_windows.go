//go:build windows
// +build windows

package action

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"
)

func shellCommand(line string) *exec.Cmd {
	return exec.Command("cmd", "/C", line)
}

func setProcessGroup(c *exec.Cmd) {
	c.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// terminate kills the process tree of pid. Windows has no SIGTERM, so the
// grace period only bounds the wait for taskkill.
func terminate(pid int, grace time.Duration, exited <-chan struct{}) {
	if pid <= 0 {
		return
	}
	_ = exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(pid)).Run()
	select {
	case <-exited:
		return
	case <-time.After(grace):
	}
	if p, err := os.FindProcess(pid); err == nil {
		_ = p.Kill()
	}
}
