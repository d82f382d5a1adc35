//go:build !windows
// +build !windows

package pty

import (
	"io"
	"os/exec"
	"strings"
	"testing"
)

func TestStartSeesTerminal(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "if [ -t 1 ]; then echo tty; else echo notty; fi")
	p, err := Start(cmd)
	if err != nil {
		t.Skipf("cannot start PTY in this environment: %v", err)
	}
	defer p.Close()

	if p.Pid() == 0 {
		t.Fatalf("expected child pid")
	}
	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		n, rerr := p.Read(buf)
		sb.Write(buf[:n])
		if rerr != nil {
			if rerr != io.EOF && !strings.Contains(sb.String(), "tty") {
				t.Logf("read ended: %v", rerr)
			}
			break
		}
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !strings.Contains(sb.String(), "tty") || strings.Contains(sb.String(), "notty") {
		t.Fatalf("expected child to see a terminal, got %q", sb.String())
	}
}
