// Package action holds the leaf executors that run shell commands and copy
// files, either on the station itself or on a device over SSH.
package action

import (
	"context"
	"errors"
	"os"
	"sort"
	"strings"
	"time"

	"provisioner/internal/sshclient"
)

var errDeadline = context.DeadlineExceeded

// Command is one shell command line.
type Command struct {
	Line string
	Env  map[string]string
	Dir  string
	// TTY runs the command under a terminal (a remote PTY over SSH).
	TTY bool
	// Stdout receives each output line, stderr included, as it arrives.
	Stdout func(line string)
}

// Result is the captured output of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CopySpec copies one local file to Dest on the executor's host. Src is
// resolved against the executor's base directory when relative.
type CopySpec struct {
	Src  string
	Dest string
	Mode os.FileMode
}

// Executor runs commands and copies files on one host.
type Executor interface {
	Run(ctx context.Context, cmd Command) (Result, error)
	Copy(ctx context.Context, spec CopySpec) error
	Close() error
}

// ShellQuote quotes s for POSIX sh.
func ShellQuote(s string) string { return sshclient.ShellEscape(s) }

// EnvPrefix renders env as `env K='v' ... ` in sorted key order, or "".
func EnvPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString("env ")
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(ShellQuote(env[k]))
		b.WriteByte(' ')
	}
	return b.String()
}

// contextError converts ctx's error into a TimeoutError when its deadline
// passed, keeping cancellation as context.Canceled.
func contextError(ctx context.Context, op string, started time.Time) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Op: op, After: time.Since(started).Round(time.Millisecond)}
	}
	return err
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func preview(line string) string {
	if idx := strings.IndexByte(line, '\n'); idx != -1 {
		line = line[:idx] + " ..."
	}
	if len(line) > 200 {
		line = line[:200] + "..."
	}
	return line
}

// FileWriter writes generated content on the executor's host.
type FileWriter interface {
	WriteFile(ctx context.Context, data []byte, dest string, mode os.FileMode) error
}

var (
	_ Executor   = (*LocalExecutor)(nil)
	_ Executor   = (*SSHExecutor)(nil)
	_ FileWriter = (*LocalExecutor)(nil)
	_ FileWriter = (*SSHExecutor)(nil)
)
