package drivers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/action"
)

func TestOSReleaseVersion(t *testing.T) {
	assert.Equal(t, "0.1.5", osReleaseVersion("NAME=\"reCamera\"\nVERSION_ID=\"0.1.5\"\nVERSION=\"0.1.5 (beta)\"\n"))
	assert.Equal(t, "1.2.0", osReleaseVersion("NAME=x\nVERSION='1.2.0'\n"))
	assert.Equal(t, "", osReleaseVersion("NAME=x\n"))
}

func TestCheckFirmware(t *testing.T) {
	tests := []struct {
		version, min string
		ok           bool
	}{
		{"0.1.5", "", true},
		{"0.1.5", "0.1.4", true},
		{"0.1.5", "0.1.5", true},
		{"0.1.3", "0.1.4", false},
		{"0.2.0", ">= 0.1.0, < 0.2.0", false},
		{"0.1.9", ">= 0.1.0, < 0.2.0", true},
		{"", "0.1.0", false},
		{"banana", "0.1.0", false},
	}
	for _, tt := range tests {
		err := checkFirmware(tt.version, tt.min)
		if tt.ok {
			assert.NoError(t, err, "%s vs %s", tt.version, tt.min)
		} else {
			assert.Error(t, err, "%s vs %s", tt.version, tt.min)
		}
	}
	assert.ErrorContains(t, checkFirmware("0.1.0", "~>>1"), "invalid min_firmware")
}

const recameraConfig = `
binary:
  deb_package:
    path: pkg/yolo-detector_1.0_riscv64.deb
    name: yolo-detector
    includes_init_script: false
  models:
    - path: models/yolo.cvimodel
  init_script:
    path: pkg/S93yolo
    priority: 93
  config_files:
    - content: "model={{model}}"
      destination: /etc/yolo/app.conf
      mode: "0600"
  conflict_services:
    stop: [S91sscma-node]
    disable: [sscma-node]
  min_firmware: "0.1.4"
`

func TestRecameraCppPhases(t *testing.T) {
	remote := &fakeExecutor{output: map[string]string{"os-release": "VERSION_ID=0.1.5\n"}}
	env := newEnv(t, recameraConfig, map[string]string{"host": "192.168.42.1", "username": "recamera", "password": "pw", "model": "yolo11n"}, nil, remote)
	writeAsset(t, env, "pkg/yolo-detector_1.0_riscv64.deb", "deb")
	writeAsset(t, env, "pkg/S93yolo", "#!/bin/sh\n")
	writeAsset(t, env, "models/yolo.cvimodel", "m")
	d := &RecameraCpp{}

	for _, phase := range []string{"connect", "precheck", "prepare", "transfer", "install", "models", "configure", "start", "verify"} {
		require.NoError(t, d.RunPhase(context.Background(), phase, env), phase)
	}
	assert.Equal(t, "0.1.5", env.Outputs()["firmware_version"])
	assert.ElementsMatch(t, []string{"/tmp/yolo-detector_1.0_riscv64.deb", "/tmp/yolo.cvimodel", "/tmp/S93yolo"}, remote.dests())
	assert.True(t, remote.ran("opkg install --force-reinstall"))
	assert.True(t, remote.ran("sudo -S"))
	assert.True(t, remote.ran("/etc/init.d/S93yolo-detector"))
	assert.Equal(t, "model=yolo11n", remote.writes["/tmp/.provisioner-step1-0"])
	assert.True(t, remote.ran("/userdata/local/models"))
}

func TestRecameraCppFirmwareTooOld(t *testing.T) {
	remote := &fakeExecutor{output: map[string]string{"os-release": "VERSION_ID=0.1.2\n"}}
	env := newEnv(t, recameraConfig, map[string]string{"host": "h", "model": "m"}, nil, remote)
	err := (&RecameraCpp{}).RunPhase(context.Background(), "precheck", env)
	assert.ErrorContains(t, err, "does not satisfy")
}

func TestRecameraCppAlreadyInstalled(t *testing.T) {
	remote := &fakeExecutor{fail: map[string]error{"opkg install": &action.CommandError{ExitCode: 1, Stderr: "Package yolo-detector already installed"}}}
	env := newEnv(t, recameraConfig, map[string]string{"host": "h", "model": "m"}, nil, remote)
	assert.NoError(t, (&RecameraCpp{}).RunPhase(context.Background(), "install", env))

	remote.fail = map[string]error{"opkg install": &action.CommandError{ExitCode: 1, Stderr: "no space left"}}
	assert.Error(t, (&RecameraCpp{}).RunPhase(context.Background(), "install", env))
}

func TestRecameraCppVerifyFailsWhenServiceDown(t *testing.T) {
	remote := &fakeExecutor{fail: map[string]error{"status": &action.CommandError{ExitCode: 1}}}
	env := newEnv(t, recameraConfig, map[string]string{"host": "h", "model": "m"}, nil, remote)
	var he *HealthError
	require.ErrorAs(t, (&RecameraCpp{}).RunPhase(context.Background(), "verify", env), &he)
}

func TestSSHDebPhases(t *testing.T) {
	sum := "2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae" // sha256("foo")
	remote := &fakeExecutor{output: map[string]string{"uname -s": "Linux\n", "sha256sum": sum + "  /tmp/app.deb\n"}}
	env := newEnv(t, `
package:
  source:
    path: dist/app.deb
    checksum:
      sha256: `+sum+`
  config_files:
    - source: dist/app.yaml
      destination: /etc/app/app.yaml
  service:
    name: app
`, map[string]string{"host": "pi"}, nil, remote)
	writeAsset(t, env, "dist/app.deb", "foo")
	writeAsset(t, env, "dist/app.yaml", "a: 1\n")
	d := &SSHDeb{}

	for _, phase := range []string{"connect", "transfer", "install", "verify"} {
		require.NoError(t, d.RunPhase(context.Background(), phase, env), phase)
	}
	assert.Equal(t, []string{"/tmp/app.deb", "/tmp/app.yaml"}, remote.dests())
	assert.True(t, remote.ran("dpkg -i '/tmp/app.deb'"))
	assert.True(t, remote.ran("apt-get install -f -y"))
	assert.True(t, remote.ran("systemctl enable"))
	assert.True(t, remote.ran("systemctl is-active --quiet 'app'"))
}

func TestSSHDebChecksumMismatch(t *testing.T) {
	remote := &fakeExecutor{}
	env := newEnv(t, `
package:
  source:
    path: app.deb
    checksum:
      sha256: deadbeef
`, map[string]string{"host": "pi"}, nil, remote)
	writeAsset(t, env, "app.deb", "foo")
	err := (&SSHDeb{}).RunPhase(context.Background(), "transfer", env)
	assert.ErrorContains(t, err, "expected deadbeef")
	assert.Empty(t, remote.copies)
}

func TestSSHDebURLSource(t *testing.T) {
	remote := &fakeExecutor{}
	env := newEnv(t, `
package:
  source:
    type: url
    url: https://example.com/pkg/tool_1.0.deb
  install_commands: ["dpkg -i {package_path}"]
`, map[string]string{"host": "pi"}, nil, remote)
	d := &SSHDeb{}
	require.NoError(t, d.RunPhase(context.Background(), "transfer", env))
	assert.True(t, remote.ran("wget -q -O '/tmp/tool_1.0.deb' 'https://example.com/pkg/tool_1.0.deb'"))
	require.NoError(t, d.RunPhase(context.Background(), "install", env))
	assert.True(t, remote.ran("dpkg -i '/tmp/tool_1.0.deb'"))
	assert.NoError(t, d.RunPhase(context.Background(), "verify", env))
}
