package drivers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

type packageSource struct {
	Type     string            `yaml:"type"`
	Path     string            `yaml:"path"`
	URL      string            `yaml:"url"`
	Checksum map[string]string `yaml:"checksum"`
}

type packageConfig struct {
	Source          packageSource `yaml:"source"`
	InstallCommands []string      `yaml:"install_commands"`
	ConfigFiles     []configFile  `yaml:"config_files"`
	Service         *struct {
		Name   string `yaml:"name"`
		Enable *bool  `yaml:"enable"`
		Start  *bool  `yaml:"start"`
	} `yaml:"service"`
}

func (p *packageConfig) remotePath() string {
	name := path.Base(p.Source.URL)
	if p.Source.Path != "" {
		name = path.Base(strings.ReplaceAll(p.Source.Path, "\\", "/"))
	}
	return path.Join(stagingDir, name)
}

// SSHDeb installs a Debian package on a Linux device over SSH.
type SSHDeb struct{}

func (d *SSHDeb) RunPhase(ctx context.Context, phase string, env *Env) error {
	var cfg packageConfig
	if ok, err := env.Decode("package", &cfg); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("device config has no package section")
	}
	ex, err := env.Remote(ctx)
	if err != nil {
		return err
	}
	remote := cfg.remotePath()

	switch phase {
	case "connect":
		res, err := ex.Run(ctx, action.Command{Line: "uname -s"})
		if err != nil {
			return err
		}
		if osName := strings.TrimSpace(res.Stdout); !strings.EqualFold(osName, "linux") {
			return fmt.Errorf("remote OS %q is not supported, Linux required", osName)
		}
		env.Publish("host", env.Input("host"))
		return nil
	case "transfer":
		if err := d.transfer(ctx, env, ex, &cfg, remote); err != nil {
			return err
		}
		for _, f := range cfg.ConfigFiles {
			if f.Source == "" {
				continue
			}
			src, err := env.Asset(f.Source)
			if err != nil {
				return err
			}
			if err := ex.Copy(ctx, action.CopySpec{Src: src, Dest: staged(src), Mode: 0o644}); err != nil {
				return err
			}
		}
		return nil
	case "install":
		cmds := cfg.InstallCommands
		if len(cmds) == 0 {
			cmds = []string{"dpkg -i {package}", "apt-get install -f -y"}
		}
		timeout := commandTimeout(env, 300*time.Second)
		for _, c := range cmds {
			line := strings.NewReplacer("{package_path}", action.ShellQuote(remote), "{package}", action.ShellQuote(remote)).Replace(c)
			env.Log("running: %s", line)
			cctx, cancel := context.WithTimeout(ctx, timeout)
			_, err := env.run(cctx, ex, action.Command{Line: env.asRoot(line)})
			cancel()
			if err != nil {
				return err
			}
		}
		if err := installConfigFiles(ctx, env, ex, cfg.ConfigFiles, env.asRoot); err != nil {
			return err
		}
		if s := cfg.Service; s != nil && s.Name != "" {
			unit := action.ShellQuote(s.Name)
			if boolOr(s.Enable, true) {
				if _, err := env.run(ctx, ex, action.Command{Line: env.asRoot("systemctl enable " + unit)}); err != nil {
					return err
				}
			}
			if boolOr(s.Start, true) {
				if _, err := env.run(ctx, ex, action.Command{Line: env.asRoot("systemctl restart " + unit)}); err != nil {
					return err
				}
			}
		}
		return nil
	case "verify":
		svc := d.serviceName(env, &cfg)
		if svc == "" {
			env.Log("no service configured, skipping verification")
			return nil
		}
		return waitHealthy(ctx, env, "service "+svc, 60*time.Second, func(ctx context.Context) error {
			_, err := ex.Run(ctx, action.Command{Line: "systemctl is-active --quiet " + action.ShellQuote(svc)})
			return err
		})
	}
	return unknownPhase(solution.StepSSHDeb, phase)
}

func (d *SSHDeb) serviceName(env *Env, cfg *packageConfig) string {
	if cfg.Service != nil && cfg.Service.Name != "" && boolOr(cfg.Service.Start, true) {
		return cfg.Service.Name
	}
	var post postDeployment
	if _, err := env.Decode("post_deployment", &post); err == nil && post.VerifyService {
		return post.ServiceName
	}
	return ""
}

// transfer uploads a local package or downloads a URL package on the device,
// then checks its sha256 when one is configured.
func (d *SSHDeb) transfer(ctx context.Context, env *Env, ex action.Executor, cfg *packageConfig, remote string) error {
	want := strings.ToLower(cfg.Source.Checksum["sha256"])
	switch {
	case cfg.Source.Type == "url" || (cfg.Source.Path == "" && cfg.Source.URL != ""):
		url := action.ShellQuote(cfg.Source.URL)
		line := fmt.Sprintf("wget -q -O %s %s || curl -fsSL -o %s %s", action.ShellQuote(remote), url, action.ShellQuote(remote), url)
		if _, err := env.run(ctx, ex, action.Command{Line: line}); err != nil {
			return fmt.Errorf("package download failed: %w", err)
		}
	default:
		src, err := env.Asset(cfg.Source.Path)
		if err != nil {
			return fmt.Errorf("package: %w", err)
		}
		if want != "" {
			got, err := fileSHA256(src)
			if err != nil {
				return err
			}
			if got != want {
				return fmt.Errorf("package %s sha256 %s, expected %s", cfg.Source.Path, got, want)
			}
		}
		env.Log("uploading %s", path.Base(remote))
		if err := ex.Copy(ctx, action.CopySpec{Src: src, Dest: remote, Mode: 0o644}); err != nil {
			return err
		}
	}
	if want == "" {
		return nil
	}
	res, err := ex.Run(ctx, action.Command{Line: "sha256sum " + action.ShellQuote(remote)})
	if err != nil {
		return err
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 || strings.ToLower(fields[0]) != want {
		return fmt.Errorf("remote package checksum mismatch for %s", remote)
	}
	return nil
}

func fileSHA256(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
