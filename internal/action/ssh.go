package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"provisioner/internal/logging"
	"provisioner/internal/sshclient"
)

// SSHExecutor runs commands on a device over one SSH connection. The
// connection is opened on first use and reused until Close.
type SSHExecutor struct {
	cfg     sshclient.Config
	baseDir string
	logger  *logging.Logger

	mu     sync.Mutex
	client *sshclient.Client
}

// NewSSH prepares an executor for cfg. baseDir resolves relative copy sources
// on the station.
func NewSSH(cfg sshclient.Config, baseDir string, logger *logging.Logger) *SSHExecutor {
	if logger == nil {
		logger = logging.WithFields(nil)
	}
	return &SSHExecutor{cfg: cfg, baseDir: baseDir, logger: logger.WithFields(map[string]interface{}{"host": cfg.Addr()})}
}

// Host is the device address this executor talks to.
func (s *SSHExecutor) Host() string { return s.cfg.Host }

func (s *SSHExecutor) connect(ctx context.Context) (*sshclient.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	started := time.Now()
	c, err := sshclient.New(s.cfg)
	if err != nil {
		return nil, &ConnectionError{Addr: s.cfg.Addr(), Err: err}
	}
	if err := c.Connect(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx, "ssh connect", started)
		}
		return nil, classifySSH(s.cfg, err)
	}
	s.logger.Info("ssh session opened", map[string]interface{}{"user": s.cfg.User})
	s.client = c
	return c, nil
}

// Connect opens the connection now instead of on first command.
func (s *SSHExecutor) Connect(ctx context.Context) error {
	_, err := s.connect(ctx)
	return err
}

func classifySSH(cfg sshclient.Config, err error) error {
	var authErr *sshclient.AuthError
	if errors.As(err, &authErr) {
		return &AuthenticationError{User: cfg.User, Addr: cfg.Addr(), Err: authErr.Err}
	}
	var dialErr *sshclient.DialError
	if errors.As(err, &dialErr) {
		return &ConnectionError{Addr: dialErr.Addr, Err: dialErr.Err}
	}
	return err
}

// remoteLine applies Dir and Env to cmd.Line for a POSIX shell.
func remoteLine(cmd Command) string {
	line := cmd.Line
	if cmd.Dir != "" {
		line = "cd " + ShellQuote(cmd.Dir) + " && " + line
	}
	if len(cmd.Env) > 0 {
		line = EnvPrefix(cmd.Env) + "sh -c " + ShellQuote(line)
	}
	return line
}

func (s *SSHExecutor) Run(ctx context.Context, cmd Command) (Result, error) {
	started := time.Now()
	c, err := s.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	s.logger.Debug("running remotely", map[string]interface{}{"cmd": preview(cmd.Line), "tty": cmd.TTY})
	res, err := c.Run(ctx, remoteLine(cmd), sshclient.RunOptions{PTY: cmd.TTY, OnLine: cmd.Stdout})
	out := Result{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, contextError(ctx, "remote command", started)
	}
	var exitErr *sshclient.ExitError
	if errors.As(err, &exitErr) {
		return out, &CommandError{Command: preview(cmd.Line), ExitCode: exitErr.Status, Stderr: res.Stderr}
	}
	return out, classifySSH(s.cfg, err)
}

// Copy uploads a station file to the device.
func (s *SSHExecutor) Copy(ctx context.Context, spec CopySpec) error {
	started := time.Now()
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	src := spec.Src
	if !filepath.IsAbs(src) && s.baseDir != "" {
		src = filepath.Join(s.baseDir, src)
	}
	mode := spec.Mode
	if mode == 0 {
		mode = 0o644
	}
	if err := c.Upload(ctx, src, spec.Dest, mode); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, "upload", started)
		}
		return fmt.Errorf("upload %s to %s: %w", spec.Src, spec.Dest, classifySSH(s.cfg, err))
	}
	s.logger.Debug("uploaded file", map[string]interface{}{"src": spec.Src, "dest": spec.Dest})
	return nil
}

// WriteFile writes data to dest on the device.
func (s *SSHExecutor) WriteFile(ctx context.Context, data []byte, dest string, mode os.FileMode) error {
	started := time.Now()
	c, err := s.connect(ctx)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := c.WriteFile(ctx, data, dest, mode); err != nil {
		if ctx.Err() != nil {
			return contextError(ctx, "write file", started)
		}
		return fmt.Errorf("write %s: %w", dest, classifySSH(s.cfg, err))
	}
	return nil
}

// Close ends the SSH connection if one was opened.
func (s *SSHExecutor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	s.logger.Debug("ssh session closed", nil)
	return err
}
