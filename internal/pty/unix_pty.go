//go:build !windows
// +build !windows

package pty

import (
	"os"
	"os/exec"

	creackpty "github.com/creack/pty"
)

// unixPTY wraps the master *os.File returned by creack/pty.
type unixPTY struct {
	f   *os.File
	cmd *exec.Cmd
}

// Start runs cmd with its stdio on a new terminal. The child becomes a session
// leader, so its pid is also its process group id.
func Start(cmd *exec.Cmd) (PTY, error) {
	f, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{Rows: DefaultRows, Cols: DefaultCols})
	if err != nil {
		return nil, err
	}
	return &unixPTY{f: f, cmd: cmd}, nil
}

func (p *unixPTY) Read(b []byte) (int, error)  { return p.f.Read(b) }
func (p *unixPTY) Write(b []byte) (int, error) { return p.f.Write(b) }

func (p *unixPTY) Wait() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Wait()
}

func (p *unixPTY) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *unixPTY) Close() error { return p.f.Close() }

func (p *unixPTY) SetSize(rows, cols int) error {
	return creackpty.Setsize(p.f, &creackpty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}
