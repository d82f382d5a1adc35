package action

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"provisioner/internal/logging"
	"provisioner/internal/pty"
)

// DefaultGrace is how long a cancelled local command gets between SIGTERM
// and SIGKILL.
const DefaultGrace = 2 * time.Second

// LocalExecutor runs commands on the station through the system shell. Each
// command gets its own process group so cancellation reaches its children.
type LocalExecutor struct {
	// BaseDir is the default working directory and the base for relative
	// copy paths, normally the solution directory.
	BaseDir string
	Grace   time.Duration
	Logger  *logging.Logger
}

func NewLocal(baseDir string, logger *logging.Logger) *LocalExecutor {
	if logger == nil {
		logger = logging.WithFields(nil)
	}
	return &LocalExecutor{BaseDir: baseDir, Grace: DefaultGrace, Logger: logger}
}

func (l *LocalExecutor) Close() error { return nil }

func (l *LocalExecutor) grace() time.Duration {
	if l.Grace <= 0 {
		return DefaultGrace
	}
	return l.Grace
}

func (l *LocalExecutor) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || l.BaseDir == "" {
		return p
	}
	return filepath.Join(l.BaseDir, p)
}

func (l *LocalExecutor) newCmd(cmd Command) *exec.Cmd {
	c := shellCommand(cmd.Line)
	c.Dir = l.resolve(cmd.Dir)
	if c.Dir == "" {
		c.Dir = l.BaseDir
	}
	// Background children that keep stdout open must not block Wait.
	c.WaitDelay = time.Second
	c.Env = os.Environ()
	for k, v := range cmd.Env {
		c.Env = append(c.Env, k+"="+v)
	}
	return c
}

// Run executes cmd.Line. A non-zero exit is a *CommandError; an expired ctx
// deadline is a *TimeoutError; cancellation returns context.Canceled.
func (l *LocalExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	started := time.Now()
	if ctx.Err() != nil {
		return Result{}, contextError(ctx, "command", started)
	}
	l.Logger.Debug("running locally", map[string]interface{}{"cmd": preview(cmd.Line), "tty": cmd.TTY})

	var mu sync.Mutex
	stdout := newLineWriter(&mu, cmd.Stdout)
	stderr := newLineWriter(&mu, cmd.Stdout)

	c := l.newCmd(cmd)
	var (
		pid  int
		wait func() error
	)
	if cmd.TTY {
		p, err := pty.Start(c)
		if err != nil {
			return Result{}, fmt.Errorf("failed to start command under pty: %w", err)
		}
		defer p.Close()
		pid = p.Pid()
		copied := make(chan struct{})
		go func() {
			// Reading the master fails with EIO once the child side closes.
			_, _ = io.Copy(stdout, p)
			close(copied)
		}()
		wait = func() error {
			err := p.Wait()
			select {
			case <-copied:
			case <-time.After(500 * time.Millisecond):
				// A background child still holds the terminal; its output
				// is dropped once the line writers close.
				_ = p.Close()
			}
			return err
		}
	} else {
		setProcessGroup(c)
		c.Stdout = stdout
		c.Stderr = stderr
		if err := c.Start(); err != nil {
			return Result{}, fmt.Errorf("failed to start command: %w", err)
		}
		pid = c.Process.Pid
		wait = c.Wait
	}

	var waitErr error
	exited := make(chan struct{})
	go func() {
		waitErr = wait()
		close(exited)
	}()

	select {
	case <-exited:
	case <-ctx.Done():
		terminate(pid, l.grace(), exited)
		<-exited
		stdout.Close()
		stderr.Close()
		l.Logger.Warn("local command interrupted", map[string]interface{}{"cmd": preview(cmd.Line), "reason": ctx.Err().Error()})
		return Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}, contextError(ctx, "command", started)
	}
	stdout.Close()
	stderr.Close()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, &CommandError{Command: preview(cmd.Line), ExitCode: res.ExitCode, Stderr: res.Stderr}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("command failed: %w", waitErr)
	}
	return res, nil
}

// Copy writes spec.Src to spec.Dest, creating parent directories.
func (l *LocalExecutor) Copy(ctx context.Context, spec CopySpec) error {
	if err := ctx.Err(); err != nil {
		return contextError(ctx, "copy", time.Now())
	}
	src, dst := l.resolve(spec.Src), l.resolve(spec.Dest)
	mode := spec.Mode
	if mode == 0 {
		mode = 0o644
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", spec.Src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", spec.Dest, err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", spec.Dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s to %s: %w", spec.Src, spec.Dest, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask; set the requested mode explicitly.
	return os.Chmod(dst, mode)
}

// WriteFile writes data to dest on the station.
func (l *LocalExecutor) WriteFile(ctx context.Context, data []byte, dest string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return contextError(ctx, "write file", time.Now())
	}
	if mode == 0 {
		mode = 0o644
	}
	dst := l.resolve(dest)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", dest, err)
	}
	if err := os.WriteFile(dst, data, mode); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}
