package drivers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

const (
	defaultModelDir     = "/userdata/local/models"
	defaultInitPriority = 92
	stagingDir          = "/tmp"
)

type debPackage struct {
	Path               string `yaml:"path"`
	Name               string `yaml:"name"`
	IncludesInitScript *bool  `yaml:"includes_init_script"`
}

type modelFile struct {
	Path       string `yaml:"path"`
	TargetPath string `yaml:"target_path"`
	Filename   string `yaml:"filename"`
}

type initScript struct {
	Path     string `yaml:"path"`
	Priority int    `yaml:"priority"`
	Name     string `yaml:"name"`
}

type configFile struct {
	Source      string `yaml:"source"`
	Content     string `yaml:"content"`
	Destination string `yaml:"destination"`
	Mode        string `yaml:"mode"`
}

type binaryConfig struct {
	DebPackage       *debPackage  `yaml:"deb_package"`
	Models           []modelFile  `yaml:"models"`
	InitScript       *initScript  `yaml:"init_script"`
	ConfigFiles      []configFile `yaml:"config_files"`
	ConflictServices struct {
		Stop    []string `yaml:"stop"`
		Disable []string `yaml:"disable"`
	} `yaml:"conflict_services"`
	ServiceName     string `yaml:"service_name"`
	ServicePriority int    `yaml:"service_priority"`
	AutoStart       *bool  `yaml:"auto_start"`
	MinFirmware     string `yaml:"min_firmware"`
}

func (b *binaryConfig) serviceName() string {
	switch {
	case b.ServiceName != "":
		return b.ServiceName
	case b.InitScript != nil && b.InitScript.Name != "":
		return b.InitScript.Name
	case b.DebPackage != nil && b.DebPackage.Name != "":
		return b.DebPackage.Name
	}
	return ""
}

func (b *binaryConfig) priority() int {
	if b.InitScript != nil && b.InitScript.Priority > 0 {
		return b.InitScript.Priority
	}
	if b.ServicePriority > 0 {
		return b.ServicePriority
	}
	return defaultInitPriority
}

// initPath is the SysV script that starts the service.
func (b *binaryConfig) initPath() string {
	return fmt.Sprintf("/etc/init.d/S%02d%s", b.priority(), b.serviceName())
}

func (b *binaryConfig) includesInit() bool {
	return b.DebPackage != nil && boolOr(b.DebPackage.IncludesInitScript, true)
}

func staged(local string) string {
	return path.Join(stagingDir, filepath.Base(local))
}

// RecameraCpp installs a native application package on a reCamera over SSH.
type RecameraCpp struct {
	// Settle is the pause before verifying a started service.
	Settle time.Duration
}

func (d *RecameraCpp) RunPhase(ctx context.Context, phase string, env *Env) error {
	var cfg binaryConfig
	if ok, err := env.Decode("binary", &cfg); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("device config has no binary section")
	}
	ex, err := env.Remote(ctx)
	if err != nil {
		return err
	}
	sudo := func(line string) action.Command { return action.Command{Line: env.asRoot(line)} }

	switch phase {
	case "connect":
		if _, err := env.run(ctx, ex, action.Command{Line: "true"}); err != nil {
			return err
		}
		env.Publish("host", env.Input("host", "recamera_ip"))
		return nil
	case "precheck":
		res, err := ex.Run(ctx, action.Command{Line: "cat /etc/os-release"})
		if err != nil {
			return err
		}
		version := osReleaseVersion(res.Stdout)
		if version != "" {
			env.Publish("firmware_version", version)
		}
		return checkFirmware(version, cfg.MinFirmware)
	case "prepare":
		for _, svc := range cfg.ConflictServices.Stop {
			name := strings.TrimLeft(svc, "SK")
			// Init scripts may be enabled (S) or disabled (K).
			for _, prefix := range []string{"S", "K"} {
				script := svc
				if !strings.HasPrefix(svc, prefix) {
					script = prefix + name
				}
				line := fmt.Sprintf("for s in /etc/init.d/%s*; do [ -x \"$s\" ] && \"$s\" stop; done 2>/dev/null || true", script)
				if _, err := env.run(ctx, ex, sudo(line)); err != nil {
					return err
				}
			}
		}
		return nil
	case "transfer":
		var files []string
		if cfg.DebPackage != nil {
			files = append(files, cfg.DebPackage.Path)
		}
		for _, m := range cfg.Models {
			files = append(files, m.Path)
		}
		if cfg.InitScript != nil && cfg.InitScript.Path != "" && !cfg.includesInit() {
			files = append(files, cfg.InitScript.Path)
		}
		for _, f := range cfg.ConfigFiles {
			if f.Source != "" {
				files = append(files, f.Source)
			}
		}
		for _, f := range files {
			src, err := env.Asset(f)
			if err != nil {
				return err
			}
			env.Log("uploading %s", filepath.Base(src))
			if err := ex.Copy(ctx, action.CopySpec{Src: src, Dest: staged(src), Mode: 0o644}); err != nil {
				return err
			}
		}
		return nil
	case "install":
		if cfg.DebPackage == nil {
			env.Log("no package to install")
			return nil
		}
		if svc := cfg.serviceName(); svc != "" {
			// A previous disable leaves K scripts the package would not replace.
			cleanup := fmt.Sprintf("rm -f /etc/init.d/K*%s 2>/dev/null || true", svc)
			if _, err := env.run(ctx, ex, sudo(cleanup)); err != nil {
				return err
			}
		}
		pkg := action.ShellQuote(staged(cfg.DebPackage.Path))
		line := fmt.Sprintf("if command -v opkg >/dev/null 2>&1; then opkg install --force-reinstall %s; else dpkg -i %s; fi", pkg, pkg)
		cctx, cancel := context.WithTimeout(ctx, commandTimeout(env, 120*time.Second))
		defer cancel()
		_, err := env.run(cctx, ex, sudo(line))
		var ce *action.CommandError
		if err != nil && errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Stderr), "already installed") {
			env.Log("package already installed")
			return nil
		}
		return err
	case "models":
		for _, m := range cfg.Models {
			dir := firstNonEmpty(m.TargetPath, defaultModelDir)
			name := firstNonEmpty(m.Filename, filepath.Base(m.Path))
			line := fmt.Sprintf("mkdir -p %s && cp %s %s", action.ShellQuote(dir),
				action.ShellQuote(staged(m.Path)), action.ShellQuote(path.Join(dir, name)))
			if _, err := env.run(ctx, ex, sudo(line)); err != nil {
				return fmt.Errorf("model %s: %w", name, err)
			}
		}
		return nil
	case "configure":
		if !cfg.includesInit() && cfg.InitScript != nil && cfg.InitScript.Path != "" && cfg.serviceName() != "" {
			script := cfg.initPath()
			line := fmt.Sprintf("cp %s %s && chmod +x %s", action.ShellQuote(staged(cfg.InitScript.Path)),
				action.ShellQuote(script), action.ShellQuote(script))
			if _, err := env.run(ctx, ex, sudo(line)); err != nil {
				return err
			}
		}
		if err := installConfigFiles(ctx, env, ex, cfg.ConfigFiles, env.asRoot); err != nil {
			return err
		}
		for _, svc := range cfg.ConflictServices.Disable {
			// Disabling renames S scripts to K so they are skipped at boot.
			line := fmt.Sprintf("for s in /etc/init.d/S*%s*; do [ -f \"$s\" ] && mv \"$s\" \"/etc/init.d/K${s#/etc/init.d/S}\"; done 2>/dev/null || true", strings.TrimLeft(svc, "SK"))
			if _, err := env.run(ctx, ex, sudo(line)); err != nil {
				return err
			}
		}
		return nil
	case "start":
		if !boolOr(cfg.AutoStart, true) || cfg.serviceName() == "" {
			env.Log("service start skipped")
			return nil
		}
		_, err := env.run(ctx, ex, sudo(cfg.initPath()+" start"))
		return err
	case "verify":
		svc := cfg.serviceName()
		if !boolOr(cfg.AutoStart, true) || svc == "" {
			return nil
		}
		if d.Settle > 0 {
			select {
			case <-time.After(d.Settle):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return waitHealthy(ctx, env, "service "+svc, 60*time.Second, func(ctx context.Context) error {
			line := fmt.Sprintf("%s status || ps | grep -v grep | grep -q %s", cfg.initPath(), action.ShellQuote(svc))
			_, err := ex.Run(ctx, sudo(line))
			return err
		})
	}
	return unknownPhase(solution.StepRecameraCpp, phase)
}

// installConfigFiles places config files on the device. Sources were staged
// by transfer; inline content is written to the staging dir first. wrap turns
// the final move into a privileged command.
func installConfigFiles(ctx context.Context, env *Env, ex action.Executor, files []configFile, wrap func(string) string) error {
	for i, f := range files {
		if f.Destination == "" {
			return fmt.Errorf("config_files[%d] has no destination", i)
		}
		mode := firstNonEmpty(f.Mode, "0644")
		src := staged(f.Source)
		if f.Source == "" {
			src = path.Join(stagingDir, fmt.Sprintf(".provisioner-%s-%d", env.StepID, i))
			if err := writeFile(ctx, ex, []byte(f.Content), src, 0o600); err != nil {
				return err
			}
		}
		line := fmt.Sprintf("mkdir -p %s && cp %s %s && chmod %s %s", action.ShellQuote(path.Dir(f.Destination)),
			action.ShellQuote(src), action.ShellQuote(f.Destination), mode, action.ShellQuote(f.Destination))
		if _, err := env.run(ctx, ex, action.Command{Line: wrap(line)}); err != nil {
			return fmt.Errorf("config file %s: %w", f.Destination, err)
		}
	}
	return nil
}

// osReleaseVersion extracts VERSION_ID (or VERSION) from /etc/os-release.
func osReleaseVersion(release string) string {
	fields := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(release))
	for sc.Scan() {
		k, v, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if ok {
			fields[k] = strings.Trim(v, `"'`)
		}
	}
	return firstNonEmpty(fields["VERSION_ID"], fields["VERSION"])
}

// checkFirmware enforces min. A bare version means at least that version.
func checkFirmware(version, min string) error {
	if min == "" {
		return nil
	}
	expr := min
	if _, err := semver.NewVersion(strings.TrimSpace(min)); err == nil {
		expr = ">= " + min
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return fmt.Errorf("invalid min_firmware %q: %w", min, err)
	}
	if version == "" {
		return fmt.Errorf("firmware version unknown, %s required", expr)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("unrecognised firmware version %q: %w", version, err)
	}
	if ok, errs := c.Validate(v); !ok {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Error())
		}
		return fmt.Errorf("firmware %s does not satisfy %s: %s", version, expr, strings.Join(msgs, "; "))
	}
	return nil
}
