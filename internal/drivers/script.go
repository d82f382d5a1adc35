package drivers

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

type scriptCommand struct {
	Command     string `yaml:"command"`
	Description string `yaml:"description"`
}

type scriptConfig struct {
	WorkingDir     string          `yaml:"working_dir"`
	SetupCommands  []scriptCommand `yaml:"setup_commands"`
	ConfigTemplate *struct {
		File    string `yaml:"file"`
		Content string `yaml:"content"`
	} `yaml:"config_template"`
	StartCommand *struct {
		LinuxMacOS string            `yaml:"linux_macos"`
		Windows    string            `yaml:"windows"`
		Env        map[string]string `yaml:"env"`
	} `yaml:"start_command"`
	HealthCheck *struct {
		Type           string `yaml:"type"`
		Pattern        string `yaml:"pattern"`
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"health_check"`
}

func (c *scriptConfig) startLine() string {
	if c.StartCommand == nil {
		return ""
	}
	if runtime.GOOS == "windows" {
		return c.StartCommand.Windows
	}
	return c.StartCommand.LinuxMacOS
}

type scriptState struct {
	pid     int
	logPath string
}

// Script runs a local application from the solution: setup commands, a
// generated config file and a background start command.
type Script struct{}

func (d *Script) workingDir(env *Env, cfg *scriptConfig) string {
	if cfg.WorkingDir == "" {
		return env.Dir
	}
	if filepath.IsAbs(cfg.WorkingDir) {
		return cfg.WorkingDir
	}
	return filepath.Join(env.Dir, filepath.FromSlash(cfg.WorkingDir))
}

func (d *Script) RunPhase(ctx context.Context, phase string, env *Env) error {
	var cfg scriptConfig
	ok, err := env.Decode("script", &cfg)
	if err != nil {
		return err
	}
	if !ok {
		if ok, err = env.Decode("deployment", &cfg); err != nil {
			return err
		} else if !ok {
			return fmt.Errorf("device config has no script section")
		}
	}
	dir := d.workingDir(env, &cfg)
	st := stateOf[scriptState](env, "script")

	switch phase {
	case "validate":
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return fmt.Errorf("working directory %s not found", dir)
		}
		for i, c := range cfg.SetupCommands {
			if strings.TrimSpace(c.Command) == "" {
				return fmt.Errorf("setup_commands[%d] is empty", i)
			}
		}
		if cfg.StartCommand != nil && cfg.startLine() == "" {
			return fmt.Errorf("no start command for %s", runtime.GOOS)
		}
		env.Log("working directory: %s", dir)
		return nil
	case "setup":
		for _, c := range cfg.SetupCommands {
			env.Log("running: %s", firstNonEmpty(c.Description, c.Command))
			if _, err := env.run(ctx, env.Local, action.Command{Line: c.Command, Dir: dir}); err != nil {
				return fmt.Errorf("setup command failed: %w", err)
			}
		}
		return nil
	case "configure":
		if cfg.ConfigTemplate == nil {
			return nil
		}
		dest := filepath.Join(dir, filepath.FromSlash(cfg.ConfigTemplate.File))
		if err := writeFile(ctx, env.Local, []byte(cfg.ConfigTemplate.Content), dest, 0o644); err != nil {
			return fmt.Errorf("failed to write config: %w", err)
		}
		env.Log("configuration written to %s", cfg.ConfigTemplate.File)
		return nil
	case "start":
		line := cfg.startLine()
		if line == "" {
			env.Log("no start command configured")
			return nil
		}
		st.logPath = filepath.Join(dir, fmt.Sprintf(".provisioner-%s.log", env.StepID))
		res, err := env.Local.Run(ctx, action.Command{Line: background(line, st.logPath), Dir: dir, Env: cfg.StartCommand.Env})
		if err != nil {
			return fmt.Errorf("failed to start process: %w", err)
		}
		if pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout)); err == nil {
			st.pid = pid
			env.Publish("pid", strconv.Itoa(pid))
		}
		env.Publish("log_file", st.logPath)
		env.Log("process started")
		return nil
	case "health_check":
		hc := cfg.HealthCheck
		if hc == nil {
			return nil
		}
		within := time.Duration(hc.TimeoutSeconds) * time.Second
		if within <= 0 {
			within = 30 * time.Second
		}
		probe, err := d.probe(env, st, hc.Type, hc.Pattern, hc.URL)
		if err != nil {
			return err
		}
		if err := waitHealthy(ctx, env, "script "+firstNonEmpty(hc.Type, "log_pattern"), within, probe); err != nil {
			d.stop(env, st)
			return err
		}
		return nil
	}
	return unknownPhase(solution.StepScript, phase)
}

func (d *Script) probe(env *Env, st *scriptState, kind, pattern, url string) (func(ctx context.Context) error, error) {
	switch firstNonEmpty(kind, "log_pattern") {
	case "log_pattern":
		re, err := regexp.Compile(pattern)
		if err != nil || pattern == "" {
			return nil, fmt.Errorf("invalid health_check pattern %q", pattern)
		}
		return func(context.Context) error {
			data, err := os.ReadFile(st.logPath)
			if err != nil {
				return err
			}
			if !re.Match(data) {
				return fmt.Errorf("pattern %q not in output yet", pattern)
			}
			return nil
		}, nil
	case "http":
		if url == "" {
			return nil, fmt.Errorf("health_check url is required for http checks")
		}
		return httpProbe(env, http.MethodGet, url, nil, func(s int) bool { return s >= 200 && s < 400 }), nil
	case "process":
		return func(context.Context) error {
			if st.pid == 0 {
				return backoff.Permanent(fmt.Errorf("process id unknown"))
			}
			if !processAlive(st.pid) {
				return backoff.Permanent(fmt.Errorf("process %d exited", st.pid))
			}
			return nil
		}, nil
	}
	return nil, fmt.Errorf("unknown health_check type %q", kind)
}

func (d *Script) stop(env *Env, st *scriptState) {
	if st.pid == 0 {
		return
	}
	if p, err := os.FindProcess(st.pid); err == nil {
		if err := p.Kill(); err == nil {
			env.logger().Info("stopped unhealthy process", map[string]interface{}{"pid": st.pid})
		}
	}
}

// background turns line into a detached command that prints its pid.
func background(line, logPath string) string {
	if runtime.GOOS == "windows" {
		return fmt.Sprintf(`start "" /B cmd /C "%s > "%s" 2>&1"`, line, logPath)
	}
	return fmt.Sprintf("nohup sh -c %s > %s 2>&1 < /dev/null & echo $!", action.ShellQuote(line), action.ShellQuote(logPath))
}
