// Package config loads the station configuration: where solutions live,
// where runs write logs and history, and the SSH, health and metrics
// defaults applied to every deployment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"provisioner/internal/logging"
)

// ConfigFileName is looked up in the working directory when no path is given.
const ConfigFileName = "provisioner.yaml"

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "PROVISIONER_CONFIG"

// Duration accepts Go duration strings such as "30s" in YAML and TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

type HistoryConfig struct {
	Path       string `yaml:"path" toml:"path"`
	MaxRecords int    `yaml:"max_records" toml:"max_records"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type SSHConfig struct {
	KnownHosts string `yaml:"known_hosts" toml:"known_hosts"`
	// AcceptNewHostKeys defaults to true: unknown hosts are trusted on first
	// use and recorded, changed keys are rejected.
	AcceptNewHostKeys     *bool    `yaml:"accept_new_host_keys" toml:"accept_new_host_keys"`
	InsecureIgnoreHostKey bool     `yaml:"insecure_ignore_host_key" toml:"insecure_ignore_host_key"`
	ConnectTimeout        Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	// KeyPath is the station's default private key.
	KeyPath string `yaml:"key_path" toml:"key_path"`
}

type HealthConfig struct {
	Retries         int      `yaml:"retries" toml:"retries"`
	InitialInterval Duration `yaml:"initial_interval" toml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval" toml:"max_interval"`
}

type MetricsConfig struct {
	// Listen serves /metrics during runs, e.g. "127.0.0.1:9310".
	Listen string `yaml:"listen" toml:"listen"`
	// Textfile is rewritten after every run.
	Textfile string `yaml:"textfile" toml:"textfile"`
}

type ToolsConfig struct {
	Esptool      string `yaml:"esptool" toml:"esptool"`
	HimaxFlasher string `yaml:"himax_flasher" toml:"himax_flasher"`
}

type Config struct {
	SolutionsDir string        `yaml:"solutions_dir" toml:"solutions_dir"`
	WorkDir      string        `yaml:"work_dir" toml:"work_dir"`
	Lang         string        `yaml:"lang" toml:"lang"`
	Parallel     int           `yaml:"parallel" toml:"parallel"`
	History      HistoryConfig `yaml:"history" toml:"history"`
	Log          LogConfig     `yaml:"log" toml:"log"`
	SSH          SSHConfig     `yaml:"ssh" toml:"ssh"`
	Health       HealthConfig  `yaml:"health" toml:"health"`
	Metrics      MetricsConfig `yaml:"metrics" toml:"metrics"`
	Tools        ToolsConfig   `yaml:"tools" toml:"tools"`

	// Path is the file the config was read from, empty for defaults.
	Path string `yaml:"-" toml:"-"`
}

// AcceptNew reports the effective host key policy for unknown hosts.
func (c *Config) AcceptNew() bool {
	return c.SSH.AcceptNewHostKeys == nil || *c.SSH.AcceptNewHostKeys
}

// Load reads the station config. path wins, then $PROVISIONER_CONFIG, then
// provisioner.yaml or provisioner.toml in the working directory. No file at
// all yields the defaults. The result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	explicit := path != ""
	if !explicit {
		for _, name := range []string{ConfigFileName, "provisioner.toml"} {
			if fileExists(name) {
				path = name
				break
			}
		}
	}

	cfg := &Config{}
	if path != "" {
		if !fileExists(path) {
			if explicit {
				return nil, fmt.Errorf("config file %s not found", path)
			}
		} else if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	envMap, _ := loadDotEnvIfExists(filepath.Dir(path))
	rendered := interpolateEnv(string(data), envMap)

	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(rendered, cfg)
		if err != nil {
			return fmt.Errorf("error parsing config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("error parsing config file %s: unknown keys %v", path, undecoded)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader([]byte(rendered)))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	cfg.Path = abs
	relativeTo(cfg, filepath.Dir(abs))
	return nil
}

// relativeTo anchors relative paths from the file at dir.
func relativeTo(cfg *Config, dir string) {
	for _, p := range []*string{&cfg.SolutionsDir, &cfg.WorkDir, &cfg.History.Path, &cfg.Metrics.Textfile} {
		if *p != "" && !filepath.IsAbs(*p) && !strings.HasPrefix(*p, "~") {
			*p = filepath.Join(dir, *p)
		}
	}
}

// loadDotEnvIfExists reads dir/.env. A missing file yields an empty map.
func loadDotEnvIfExists(dir string) (map[string]string, error) {
	envPath := filepath.Join(dir, ".env")
	if !fileExists(envPath) {
		return map[string]string{}, nil
	}
	m, err := godotenv.Read(envPath)
	if err != nil {
		logging.Warn("failed to parse .env", map[string]interface{}{"path": envPath, "error": err.Error()})
		return map[string]string{}, err
	}
	return m, nil
}

// interpolateEnv replaces ${VAR} and $VAR. The process environment wins over
// .env values; unset variables become empty with a warning.
func interpolateEnv(input string, envMap map[string]string) string {
	return os.Expand(input, func(name string) string {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			return v
		}
		if v, ok := envMap[name]; ok {
			return v
		}
		logging.Warn("environment variable not set, using empty string", map[string]interface{}{"name": name})
		return ""
	})
}

func applyEnv(cfg *Config) {
	for env, dst := range map[string]*string{
		"PROVISIONER_LOG_LEVEL":     &cfg.Log.Level,
		"PROVISIONER_LOG_FORMAT":    &cfg.Log.Format,
		"PROVISIONER_SOLUTIONS_DIR": &cfg.SolutionsDir,
		"PROVISIONER_WORK_DIR":      &cfg.WorkDir,
		"PROVISIONER_LANG":          &cfg.Lang,
	} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			*dst = v
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.SolutionsDir == "" {
		cfg.SolutionsDir = "solutions"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = ".provisioner"
	}
	cfg.SolutionsDir = expandHome(cfg.SolutionsDir)
	cfg.WorkDir = expandHome(cfg.WorkDir)
	if cfg.Lang == "" {
		cfg.Lang = "en"
	}
	if cfg.Parallel == 0 {
		cfg.Parallel = 4
	}
	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(cfg.WorkDir, "history.db")
	}
	cfg.History.Path = expandHome(cfg.History.Path)
	if cfg.History.MaxRecords == 0 {
		cfg.History.MaxRecords = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = "~/.ssh/known_hosts"
	}
	cfg.SSH.KnownHosts = expandHome(cfg.SSH.KnownHosts)
	cfg.SSH.KeyPath = expandHome(cfg.SSH.KeyPath)
	if cfg.SSH.ConnectTimeout.Duration == 0 {
		cfg.SSH.ConnectTimeout.Duration = 30 * time.Second
	}
	if cfg.Health.Retries == 0 {
		cfg.Health.Retries = 5
	}
	if cfg.Health.InitialInterval.Duration == 0 {
		cfg.Health.InitialInterval.Duration = 2 * time.Second
	}
	if cfg.Health.MaxInterval.Duration == 0 {
		cfg.Health.MaxInterval.Duration = 30 * time.Second
	}
}

// Validate reports every problem at once.
func Validate(cfg *Config) error {
	var problems []string
	if strings.TrimSpace(cfg.SolutionsDir) == "" {
		problems = append(problems, "solutions_dir cannot be empty")
	}
	if cfg.Lang != "en" && cfg.Lang != "zh" {
		problems = append(problems, fmt.Sprintf("lang must be 'en' or 'zh', got '%s'", cfg.Lang))
	}
	if cfg.Parallel < 0 {
		problems = append(problems, "parallel cannot be negative")
	}
	if cfg.History.MaxRecords < 0 {
		problems = append(problems, "history.max_records cannot be negative")
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level: %v", err))
	}
	switch logging.Format(cfg.Log.Format) {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		problems = append(problems, fmt.Sprintf("log.format must be 'json' or 'console', got '%s'", cfg.Log.Format))
	}
	if cfg.SSH.ConnectTimeout.Duration < 0 {
		problems = append(problems, "ssh.connect_timeout cannot be negative")
	}
	if cfg.SSH.KeyPath != "" && !fileExists(cfg.SSH.KeyPath) {
		problems = append(problems, fmt.Sprintf("ssh.key_path does not exist: %s", cfg.SSH.KeyPath))
	}
	if cfg.Health.Retries < 0 {
		problems = append(problems, "health.retries cannot be negative")
	}
	if cfg.Health.InitialInterval.Duration < 0 || cfg.Health.MaxInterval.Duration < 0 {
		problems = append(problems, "health intervals cannot be negative")
	} else if cfg.Health.InitialInterval.Duration > cfg.Health.MaxInterval.Duration && cfg.Health.MaxInterval.Duration > 0 {
		problems = append(problems, "health.initial_interval cannot exceed health.max_interval")
	}
	if cfg.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Listen); err != nil {
			problems = append(problems, fmt.Sprintf("metrics.listen must be host:port, got '%s'", cfg.Metrics.Listen))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(problems, "\n"))
	}
	return nil
}

// FixKeyPermissions tightens a private key to 0600, which OpenSSH-style
// clients require. It does nothing on Windows or for an empty path.
func FixKeyPermissions(keyPath string) error {
	if keyPath == "" || runtime.GOOS == "windows" {
		return nil
	}
	keyPath = expandHome(keyPath)
	info, err := os.Stat(keyPath)
	if err != nil {
		return fmt.Errorf("cannot access SSH key file: %w", err)
	}
	if info.Mode().Perm()&0o077 == 0 {
		return nil
	}
	if err := os.Chmod(keyPath, 0o600); err != nil {
		return fmt.Errorf("failed to set SSH key permissions for %s: %w", keyPath, err)
	}
	logging.Info("tightened ssh key permissions", map[string]interface{}{"path": keyPath, "was": fmt.Sprintf("%o", info.Mode().Perm())})
	return nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
