package sshclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"provisioner/internal/logging"
)

// drainTimeout bounds how long a cancelled Run waits for buffered output.
const drainTimeout = time.Second

// ShellEscape wraps s in single quotes and escapes any existing single quotes.
func ShellEscape(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// Config holds connection parameters for one device.
type Config struct {
	Host          string
	Port          string
	User          string
	Password      string
	KeyPath       string
	KeyPassphrase string

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath string
	// AcceptNewHostKeys appends unknown host keys to KnownHostsPath instead of
	// rejecting them. A changed key is always rejected.
	AcceptNewHostKeys     bool
	InsecureIgnoreHostKey bool

	Timeout time.Duration
}

// Addr returns host:port, defaulting the port to 22.
func (c Config) Addr() string {
	host := strings.TrimSpace(c.Host)
	if c.Port != "" {
		return net.JoinHostPort(host, c.Port)
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, "22")
}

// DialError means the TCP connection or SSH handshake could not be completed.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string { return fmt.Sprintf("failed to connect to %s: %v", e.Addr, e.Err) }
func (e *DialError) Unwrap() error { return e.Err }

// AuthError means the server rejected every offered credential.
type AuthError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Addr, e.Err)
}
func (e *AuthError) Unwrap() error { return e.Err }

// ExitError is a remote command that finished with a non-zero status.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command exited with status %d: %s", e.Status, e.Stderr)
	}
	return fmt.Sprintf("remote command exited with status %d", e.Status)
}

// Client is one SSH connection to a device. It is safe to run several
// sessions on it, but the provisioner uses one at a time.
type Client struct {
	cfg    Config
	config *ssh.ClientConfig

	mu     sync.Mutex
	client *ssh.Client
	sftp   sftpState
}

// New validates cfg and prepares the SSH client config. The password is tried
// first, then the private key.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("ssh host is required")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("ssh user is required")
	}

	var authMethods []ssh.AuthMethod
	if cfg.Password != "" {
		pw := cfg.Password
		authMethods = append(authMethods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}
	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath, cfg.KeyPassphrase)
		if err != nil {
			if len(authMethods) == 0 {
				return nil, err
			}
			logging.Warn("ignoring unusable private key, using password", map[string]interface{}{
				"key": cfg.KeyPath, "error": err.Error(),
			})
		} else {
			authMethods = append(authMethods, ssh.PublicKeys(signer))
		}
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no authentication method configured (provide password or key)")
	}

	hostKeyCallback, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		cfg: cfg,
		config: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            authMethods,
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.Timeout,
		},
	}, nil
}

func loadSigner(path, passphrase string) (ssh.Signer, error) {
	key, err := os.ReadFile(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("unable to parse private key: %w", err)
		}
		return signer, nil
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("private key %s is encrypted and no passphrase was given", path)
		}
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func knownHostsPath(cfg Config) (string, error) {
	if p := strings.TrimSpace(cfg.KnownHostsPath); p != "" {
		return expandHome(p), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("known hosts path not set and home dir unavailable")
	}
	return filepath.Join(home, ".ssh", "known_hosts"), nil
}

func hostKeyCallback(cfg Config) (ssh.HostKeyCallback, error) {
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	path, err := knownHostsPath(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.AcceptNewHostKeys {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
		if err != nil {
			return nil, err
		}
		f.Close()
	}
	strict, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load known hosts %s: %w", path, err)
	}
	if !cfg.AcceptNewHostKeys {
		return strict, nil
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := strict(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		f, ferr := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, ferr := fmt.Fprintln(f, line); ferr != nil {
			return ferr
		}
		logging.Info("added new host key", map[string]interface{}{"host": hostname, "known_hosts": path})
		return nil
	}, nil
}

// Connect dials and completes the SSH handshake, honouring ctx and the
// configured timeout.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return nil
	}

	addr := c.cfg.Addr()
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DialError{Addr: addr, Err: err}
	}
	// The handshake itself has no context; bound it with a deadline instead.
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, c.config)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return &AuthError{User: c.cfg.User, Addr: addr, Err: err}
		}
		return &DialError{Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	c.client = ssh.NewClient(clientConn, chans, reqs)
	logging.Debug("ssh connected", map[string]interface{}{"addr": addr, "user": c.cfg.User})
	return nil
}

// Close closes the SFTP subsystem (if opened) and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp.client != nil {
		_ = c.sftp.client.Close()
		c.sftp.client = nil
	}
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func (c *Client) conn() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("SSH client not connected")
	}
	return c.client, nil
}

// RunOptions tune one remote command.
type RunOptions struct {
	// PTY requests a remote terminal; stderr is then merged into stdout.
	PTY bool
	// OnLine receives each output line as it arrives.
	OnLine func(line string)
}

// RunResult is the captured output of a remote command.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Run executes cmd in a new session and streams its output line by line. A
// non-zero exit returns *ExitError along with the captured output. When ctx
// is done the session is signalled and closed, and ctx.Err() is returned.
func (c *Client) Run(ctx context.Context, cmd string, opts RunOptions) (RunResult, error) {
	client, err := c.conn()
	if err != nil {
		return RunResult{}, err
	}
	session, err := client.NewSession()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	if opts.PTY {
		if err := session.RequestPty("xterm", 40, 120, ssh.TerminalModes{ssh.ECHO: 0}); err != nil {
			return RunResult{}, fmt.Errorf("failed to request pty: %w", err)
		}
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return RunResult{}, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := session.Start(cmd); err != nil {
		return RunResult{}, fmt.Errorf("failed to start command: %w", err)
	}

	var (
		outBuf, errBuf strings.Builder
		outMu          sync.Mutex
		wg             sync.WaitGroup
		// detached is set under outMu once Run gives up on the session;
		// readers still draining it must not reach the caller.
		detached bool
	)
	read := func(r io.Reader, dst *strings.Builder) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimRight(scanner.Text(), "\r")
			outMu.Lock()
			if !detached {
				dst.WriteString(line)
				dst.WriteByte('\n')
				if opts.OnLine != nil {
					opts.OnLine(line)
				}
			}
			outMu.Unlock()
		}
	}
	readersDone := make(chan struct{})
	wg.Add(2)
	go read(stdout, &outBuf)
	go read(stderr, &errBuf)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		close(readersDone)
		done <- session.Wait()
	}()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		// The readers end once the channel is closed by the peer; a peer
		// that never answers is cut off by detaching them.
		select {
		case <-readersDone:
		case <-time.After(drainTimeout):
		}
		outMu.Lock()
		detached = true
		res := RunResult{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: -1}
		outMu.Unlock()
		return res, ctx.Err()
	}

	res := RunResult{Stdout: outBuf.String(), Stderr: errBuf.String()}
	if waitErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, &ExitError{Command: cmd, Status: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
		}
		res.ExitCode = -1
		return res, fmt.Errorf("command failed: %w", waitErr)
	}
	return res, nil
}

// Output runs cmd and returns trimmed stdout.
func (c *Client) Output(ctx context.Context, cmd string) (string, error) {
	res, err := c.Run(ctx, cmd, RunOptions{})
	return strings.TrimSpace(res.Stdout), err
}
