package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/logging"
)

func init() { logging.Discard() }

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Path)
	assert.Equal(t, "solutions", cfg.SolutionsDir)
	assert.Equal(t, filepath.Join(".provisioner", "history.db"), cfg.History.Path)
	assert.Equal(t, 1000, cfg.History.MaxRecords)
	assert.Equal(t, 5, cfg.Health.Retries)
	assert.Equal(t, 2*time.Second, cfg.Health.InitialInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.Health.MaxInterval.Duration)
	assert.Equal(t, 30*time.Second, cfg.SSH.ConnectTimeout.Duration)
	assert.True(t, cfg.AcceptNew())
	assert.False(t, cfg.SSH.InsecureIgnoreHostKey)
	assert.Equal(t, "en", cfg.Lang)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadYAMLWithDotEnv(t *testing.T) {
	dir := t.TempDir()
	write(t, dir, ".env", "STATION_DIR=/srv/solutions\nLEVEL=debug\n")
	p := write(t, dir, "provisioner.yaml", `
solutions_dir: ${STATION_DIR}
work_dir: state
log:
  level: ${LEVEL}
  format: console
ssh:
  accept_new_host_keys: false
  connect_timeout: 10s
health:
  retries: 3
  initial_interval: 500ms
  max_interval: 5s
metrics:
  listen: 127.0.0.1:9310
`)
	t.Setenv("LEVEL", "warn")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/srv/solutions", cfg.SolutionsDir)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.WorkDir)
	assert.Equal(t, filepath.Join(dir, "state", "history.db"), cfg.History.Path)
	assert.Equal(t, "warn", cfg.Log.Level, "process env wins over .env")
	assert.False(t, cfg.AcceptNew())
	assert.Equal(t, 10*time.Second, cfg.SSH.ConnectTimeout.Duration)
	assert.Equal(t, 500*time.Millisecond, cfg.Health.InitialInterval.Duration)
	assert.Equal(t, "127.0.0.1:9310", cfg.Metrics.Listen)
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	p := write(t, dir, "provisioner.toml", `
solutions_dir = "/opt/solutions"
lang = "zh"

[history]
max_records = 50

[health]
max_interval = "1m"
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "/opt/solutions", cfg.SolutionsDir)
	assert.Equal(t, "zh", cfg.Lang)
	assert.Equal(t, 50, cfg.History.MaxRecords)
	assert.Equal(t, time.Minute, cfg.Health.MaxInterval.Duration)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(write(t, dir, "provisioner.yaml", "solution_dir: x\n"))
	assert.Error(t, err)

	_, err = Load(write(t, dir, "provisioner.toml", "solution_dir = 'x'\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PROVISIONER_LOG_LEVEL", "debug")
	t.Setenv("PROVISIONER_SOLUTIONS_DIR", "/data/solutions")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/data/solutions", cfg.SolutionsDir)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.Lang = "fr"
	cfg.Log.Level = "loud"
	cfg.Log.Format = "xml"
	cfg.History.MaxRecords = -1
	cfg.Health.InitialInterval.Duration = time.Minute
	cfg.Metrics.Listen = "9310"
	cfg.SSH.KeyPath = filepath.Join(t.TempDir(), "missing_key")

	err := Validate(cfg)
	require.Error(t, err)
	lines := strings.Split(err.Error(), "\n")
	assert.Equal(t, "configuration validation failed:", lines[0])
	assert.Len(t, lines, 8)
	assert.Contains(t, err.Error(), "lang must be 'en' or 'zh'")
	assert.Contains(t, err.Error(), "health.initial_interval cannot exceed health.max_interval")
	assert.Contains(t, err.Error(), "metrics.listen must be host:port")
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText([]byte(" 90s ")))
	assert.Equal(t, 90*time.Second, d.Duration)
}

func TestFixKeyPermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permissions")
	}
	key := write(t, t.TempDir(), "id_ed25519", "key")
	require.NoError(t, os.Chmod(key, 0o644))
	require.NoError(t, FixKeyPermissions(key))
	info, err := os.Stat(key)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.NoError(t, FixKeyPermissions(""))
	assert.Error(t, FixKeyPermissions(key+".missing"))
}
