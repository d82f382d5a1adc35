package drivers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/sshclient"
	"provisioner/internal/vars"
)

func TestSSHConfigForPrecedence(t *testing.T) {
	doc := parseDoc(t, `
ssh:
  port: 2222
  default_user: recamera
  default_host: 192.168.42.1
  connection_timeout: 7
`)
	base := sshclient.Config{KnownHostsPath: "/tmp/kh", AcceptNewHostKeys: true, KeyPath: "~/.ssh/id_ed25519"}

	cfg, err := SSHConfigFor(doc, vars.NewBindings(nil), base)
	require.NoError(t, err)
	assert.Equal(t, "192.168.42.1", cfg.Host)
	assert.Equal(t, "recamera", cfg.User)
	assert.Equal(t, "2222", cfg.Port)
	assert.Equal(t, 7*time.Second, cfg.Timeout)
	assert.Equal(t, "/tmp/kh", cfg.KnownHostsPath)
	assert.True(t, cfg.AcceptNewHostKeys)
	assert.Equal(t, "~/.ssh/id_ed25519", cfg.KeyPath)

	cfg, err = SSHConfigFor(doc, vars.NewBindings(map[string]string{
		"recamera_ip": "10.1.1.1", "ssh_username": "admin", "ssh_port": "22", "ssh_password": "pw",
	}), base)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1", cfg.Host)
	assert.Equal(t, "admin", cfg.User)
	assert.Equal(t, "22", cfg.Port)
	assert.Equal(t, "pw", cfg.Password)
}

func TestSSHConfigForDefaultsAndErrors(t *testing.T) {
	cfg, err := SSHConfigFor(nil, vars.NewBindings(map[string]string{"host": "dev"}), sshclient.Config{})
	require.NoError(t, err)
	assert.Equal(t, "root", cfg.User)
	assert.Equal(t, "22", cfg.Port)

	_, err = SSHConfigFor(nil, vars.NewBindings(nil), sshclient.Config{})
	assert.ErrorContains(t, err, "no device host")

	for _, port := range []string{"0", "70000", "ssh"} {
		_, err = SSHConfigFor(nil, vars.NewBindings(map[string]string{"host": "dev", "ssh_port": port}), sshclient.Config{})
		assert.ErrorContains(t, err, "invalid ssh port", port)
	}
}

func TestCommandTimeout(t *testing.T) {
	env := newEnv(t, "ssh:\n  command_timeout: 9\n", nil, nil, nil)
	assert.Equal(t, 9*time.Second, commandTimeout(env, time.Minute))
	env = newEnv(t, "", nil, nil, nil)
	assert.Equal(t, time.Minute, commandTimeout(env, time.Minute))
}
