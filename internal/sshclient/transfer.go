package sshclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"provisioner/internal/logging"
)

// sftpState caches the SFTP subsystem. unavailable is set once the server has
// refused it so later uploads go straight to scp.
type sftpState struct {
	client      *sftp.Client
	unavailable bool
}

func (c *Client) sftpClient() (*sftp.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp.client != nil {
		return c.sftp.client, true
	}
	if c.sftp.unavailable || c.client == nil {
		return nil, false
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		logging.Info("sftp subsystem unavailable, falling back to scp", map[string]interface{}{
			"addr": c.cfg.Addr(), "error": err.Error(),
		})
		c.sftp.unavailable = true
		return nil, false
	}
	c.sftp.client = sc
	return sc, true
}

func cleanRemote(p string) string {
	return path.Clean(strings.ReplaceAll(p, "\\", "/"))
}

// Upload copies a local file to remotePath, creating parent directories and
// applying mode.
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, mode os.FileMode) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}
	if st.IsDir() {
		return fmt.Errorf("%s is a directory", localPath)
	}
	return c.write(ctx, f, st.Size(), remotePath, mode)
}

// WriteFile writes data to remotePath, creating parent directories.
func (c *Client) WriteFile(ctx context.Context, data []byte, remotePath string, mode os.FileMode) error {
	return c.write(ctx, bytes.NewReader(data), int64(len(data)), remotePath, mode)
}

func (c *Client) write(ctx context.Context, r io.Reader, size int64, remotePath string, mode os.FileMode) error {
	if _, err := c.conn(); err != nil {
		return err
	}
	remotePath = cleanRemote(remotePath)
	if err := ctx.Err(); err != nil {
		return err
	}
	if sc, ok := c.sftpClient(); ok {
		return sftpWrite(ctx, sc, r, remotePath, mode)
	}
	return c.scpWrite(ctx, r, size, remotePath, mode)
}

func sftpWrite(ctx context.Context, sc *sftp.Client, r io.Reader, remotePath string, mode os.FileMode) error {
	if err := sc.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}
	dst, err := sc.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	stop := context.AfterFunc(ctx, func() { dst.Close() })
	defer stop()
	if _, err := dst.ReadFrom(r); err != nil {
		dst.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to write remote file %s: %w", remotePath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close remote file %s: %w", remotePath, err)
	}
	if err := sc.Chmod(remotePath, mode.Perm()); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
	}
	return nil
}

// scpWrite drives `scp -t` over a session's stdin/stdout.
func (c *Client) scpWrite(ctx context.Context, r io.Reader, size int64, remotePath string, mode os.FileMode) error {
	dir := path.Dir(remotePath)
	if _, err := c.Run(ctx, "mkdir -p "+ShellEscape(dir), RunOptions{}); err != nil {
		return fmt.Errorf("failed to create remote directory: %w", err)
	}

	client, err := c.conn()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	stdin, err := session.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := session.Start("scp -t " + ShellEscape(dir)); err != nil {
		return fmt.Errorf("failed to start scp on remote: %w", err)
	}

	fail := func(err error) error {
		stdin.Close()
		_ = session.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	if err := readAck(stdout, stderr); err != nil {
		return fail(err)
	}
	fmt.Fprintf(stdin, "C%04o %d %s\n", mode.Perm(), size, path.Base(remotePath))
	if err := readAck(stdout, stderr); err != nil {
		return fail(err)
	}
	if _, err := io.CopyN(stdin, r, size); err != nil {
		return fail(fmt.Errorf("failed to send file data: %w", err))
	}
	if _, err := fmt.Fprint(stdin, "\x00"); err != nil {
		return fail(fmt.Errorf("failed to send scp terminator: %w", err))
	}
	if err := readAck(stdout, stderr); err != nil {
		return fail(err)
	}
	stdin.Close()
	if err := session.Wait(); err != nil {
		return fmt.Errorf("remote scp command failed: %w", err)
	}
	// scp applies the mode only to newly created files.
	if _, err := c.Run(ctx, fmt.Sprintf("chmod %04o %s", mode.Perm(), ShellEscape(remotePath)), RunOptions{}); err != nil {
		return fmt.Errorf("failed to chmod remote file %s: %w", remotePath, err)
	}
	return nil
}

// readAck reads the single status byte scp answers every message with.
func readAck(stdout, stderr io.Reader) error {
	buf := make([]byte, 1)
	ch := make(chan error, 1)
	go func() {
		if _, err := stdout.Read(buf); err != nil {
			ch <- fmt.Errorf("failed to read scp ack: %w", err)
			return
		}
		switch buf[0] {
		case 0:
			ch <- nil
		case 1, 2:
			msg := make([]byte, 2048)
			n, _ := stderr.Read(msg)
			ch <- fmt.Errorf("scp remote error: %s", strings.TrimSpace(string(msg[:n])))
		default:
			ch <- fmt.Errorf("unknown scp ack: %v", buf[0])
		}
	}()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout waiting for scp ack")
	}
}
