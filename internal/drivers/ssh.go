package drivers

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"provisioner/internal/solution"
	"provisioner/internal/sshclient"
	"provisioner/internal/vars"
)

const (
	defaultSSHUser = "root"
	defaultSSHPort = 22
)

// sshSection is the device config "ssh" block.
type sshSection struct {
	Port              int    `yaml:"port"`
	DefaultUser       string `yaml:"default_user"`
	DefaultHost       string `yaml:"default_host"`
	ConnectionTimeout int    `yaml:"connection_timeout"`
	CommandTimeout    int    `yaml:"command_timeout"`
}

// SSHConfigFor builds connection parameters from the step inputs, falling back
// to the device config ssh block and then to base.
func SSHConfigFor(doc *yaml.Node, b *vars.Bindings, base sshclient.Config) (sshclient.Config, error) {
	var sec sshSection
	if doc != nil {
		if _, err := solution.DecodeKey(doc, "ssh", &sec); err != nil {
			return sshclient.Config{}, err
		}
	}
	in := func(keys ...string) string {
		if b == nil {
			return ""
		}
		for _, k := range keys {
			if v, ok := b.Lookup(k); ok && v != "" {
				return v
			}
		}
		return ""
	}

	cfg := base
	cfg.Host = firstNonEmpty(in("host", "ssh_host", "device_host", "recamera_ip"), sec.DefaultHost)
	if cfg.Host == "" {
		return sshclient.Config{}, fmt.Errorf("no device host: set the host input")
	}
	cfg.User = firstNonEmpty(in("username", "user", "ssh_username"), sec.DefaultUser, defaultSSHUser)

	port := in("ssh_port", "port")
	if port == "" && sec.Port > 0 {
		port = strconv.Itoa(sec.Port)
	}
	if port == "" {
		port = strconv.Itoa(defaultSSHPort)
	}
	if n, err := strconv.Atoi(port); err != nil || n <= 0 || n > 65535 {
		return sshclient.Config{}, fmt.Errorf("invalid ssh port %q", port)
	}
	cfg.Port = port

	cfg.Password = in("password", "ssh_password")
	cfg.KeyPath = firstNonEmpty(in("ssh_key", "key_path", "key_file"), base.KeyPath)
	cfg.KeyPassphrase = firstNonEmpty(in("key_passphrase"), base.KeyPassphrase)
	if sec.ConnectionTimeout > 0 {
		cfg.Timeout = time.Duration(sec.ConnectionTimeout) * time.Second
	}
	return cfg, nil
}

// commandTimeout is the device config ssh.command_timeout, or def.
func commandTimeout(env *Env, def time.Duration) time.Duration {
	var sec sshSection
	if _, err := env.Decode("ssh", &sec); err == nil && sec.CommandTimeout > 0 {
		return time.Duration(sec.CommandTimeout) * time.Second
	}
	return def
}
