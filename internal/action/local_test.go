//go:build !windows
// +build !windows

package action

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunCapturesLines(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, nil)

	var lines []string
	res, err := l.Run(context.Background(), Command{
		Line:   `echo "$GREETING"; pwd; printf 'no newline'`,
		Env:    map[string]string{"GREETING": "hello"},
		Stdout: func(s string) { lines = append(lines, s) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	real, _ := filepath.EvalSymlinks(dir)
	require.Len(t, lines, 3)
	assert.Equal(t, "hello", lines[0])
	assert.Contains(t, []string{dir, real}, lines[1])
	assert.Equal(t, "no newline", lines[2])
}

func TestLocalRunNonZeroExitIsCommandError(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	res, err := l.Run(context.Background(), Command{Line: "echo broken >&2; exit 4"})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 4, cmdErr.ExitCode)
	assert.Equal(t, "broken\n", cmdErr.Stderr)
	assert.Equal(t, 4, res.ExitCode)
	assert.Equal(t, KindCommand, KindOf(err))
}

func TestLocalRunDeadlineIsTimeoutError(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	l.Grace = 100 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := l.Run(ctx, Command{Line: "sleep 5"})
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLocalRunCancelKillsProcessGroup(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir, nil)
	l.Grace = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for i := 0; i < 50; i++ {
			if _, err := os.Stat(filepath.Join(dir, "child.pid")); err == nil {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		cancel()
	}()

	start := time.Now()
	_, err := l.Run(ctx, Command{Line: "sleep 30 & echo $! > child.pid; wait"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestLocalRunTTY(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	var lines []string
	_, err := l.Run(context.Background(), Command{
		Line:   "if [ -t 1 ]; then echo tty; else echo notty; fi",
		TTY:    true,
		Stdout: func(s string) { lines = append(lines, s) },
	})
	if err != nil && strings.Contains(err.Error(), "pty") {
		t.Skipf("pty unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.Contains(t, lines, "tty")
}

func TestLocalRunCancelledBeforeStart(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Run(ctx, Command{Line: "echo never"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalRunTTYBackgroundChildStopsAtReturn(t *testing.T) {
	l := NewLocal(t.TempDir(), nil)

	var calls atomic.Int64
	_, err := l.Run(context.Background(), Command{
		Line:   `(for i in $(seq 100); do echo bg; sleep 0.02; done) & echo fg`,
		TTY:    true,
		Stdout: func(string) { calls.Add(1) },
	})
	if err != nil && strings.Contains(err.Error(), "pty") {
		t.Skipf("pty unavailable: %v", err)
	}
	require.NoError(t, err)
	atReturn := calls.Load()
	assert.Positive(t, atReturn)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, atReturn, calls.Load())
}

func TestLineWriterDropsWritesAfterClose(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	w := newLineWriter(&mu, func(s string) { lines = append(lines, s) })
	_, _ = w.Write([]byte("one\ntw"))
	require.NoError(t, w.Close())
	n, err := w.Write([]byte("o\nthree\n"))
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	require.NoError(t, w.Close())
	assert.Equal(t, []string{"one", "tw"}, lines)
	assert.Equal(t, "one\ntw", w.String())
}

func TestLocalCopyAndWriteFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "flow.json"), []byte(`{"a":1}`), 0o600))
	l := NewLocal(dir, nil)

	require.NoError(t, l.Copy(context.Background(), CopySpec{Src: "flow.json", Dest: "out/nested/flow.json", Mode: 0o640}))
	st, err := os.Stat(filepath.Join(dir, "out", "nested", "flow.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), st.Mode().Perm())

	require.NoError(t, l.WriteFile(context.Background(), []byte("x=1\n"), "conf/app.env", 0))
	data, err := os.ReadFile(filepath.Join(dir, "conf", "app.env"))
	require.NoError(t, err)
	assert.Equal(t, "x=1\n", string(data))

	err = l.Copy(context.Background(), CopySpec{Src: "missing", Dest: "x"})
	assert.Error(t, err)
}

func TestRemoteLineAndEnvPrefix(t *testing.T) {
	assert.Equal(t, "", EnvPrefix(nil))
	assert.Equal(t, "env A='1' B='x y' ", EnvPrefix(map[string]string{"B": "x y", "A": "1"}))

	assert.Equal(t, "systemctl restart app", remoteLine(Command{Line: "systemctl restart app"}))
	assert.Equal(t, "cd '/opt/app' && make", remoteLine(Command{Line: "make", Dir: "/opt/app"}))
	assert.Equal(t, `env MODE='edge' sh -c 'cd '\''/opt'\'' && run'`,
		remoteLine(Command{Line: "run", Dir: "/opt", Env: map[string]string{"MODE": "edge"}}))
}

func TestKindOf(t *testing.T) {
	wrapped := errors.Join(errors.New("step deploy"), &AuthenticationError{User: "root", Addr: "h:22", Err: errors.New("denied")})
	assert.Equal(t, KindAuthentication, KindOf(wrapped))
	assert.Equal(t, KindConnection, KindOf(&ConnectionError{Addr: "h:22", Err: errors.New("refused")}))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}
