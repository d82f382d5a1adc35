package drivers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

const (
	defaultProject       = "provisioning"
	defaultRemotePath    = "/opt/provisioning"
	defaultServiceWithin = 60 * time.Second
)

type dockerService struct {
	Name                string `yaml:"name"`
	Port                int    `yaml:"port"`
	HealthCheckEndpoint string `yaml:"health_check_endpoint"`
	HealthCheckTimeout  int    `yaml:"health_check_timeout"`
	Required            *bool  `yaml:"required"`
}

func (s dockerService) within() time.Duration {
	if s.HealthCheckTimeout > 0 {
		return time.Duration(s.HealthCheckTimeout) * time.Second
	}
	return defaultServiceWithin
}

type dockerOptions struct {
	ProjectName   string `yaml:"project_name"`
	RemoveOrphans bool   `yaml:"remove_orphans"`
	Build         bool   `yaml:"build"`
}

// dockerConfig is the "docker" (local) or "docker_remote" device config block.
type dockerConfig struct {
	ComposeFile string            `yaml:"compose_file"`
	ComposeDir  string            `yaml:"compose_dir"`
	RemotePath  string            `yaml:"remote_path"`
	Files       []string          `yaml:"files"`
	Environment map[string]string `yaml:"environment"`
	Options     dockerOptions     `yaml:"options"`
	Services    []dockerService   `yaml:"services"`
}

func (c dockerConfig) project() string {
	if c.Options.ProjectName != "" {
		return c.Options.ProjectName
	}
	return defaultProject
}

func (c dockerConfig) upArgs() string {
	args := "up -d"
	if c.Options.RemoveOrphans {
		args += " --remove-orphans"
	}
	if c.Options.Build {
		args += " --build"
	}
	return args
}

func loadDockerConfig(env *Env, keys ...string) (*dockerConfig, error) {
	for _, k := range keys {
		var c dockerConfig
		ok, err := env.Decode(k, &c)
		if err != nil {
			return nil, err
		}
		if ok {
			return &c, nil
		}
	}
	return nil, fmt.Errorf("device config has no %s section", strings.Join(keys, " or "))
}

// publishURL publishes the address of the first service with a port.
func publishURL(env *Env, host string, services []dockerService) {
	for _, s := range services {
		if s.Port > 0 {
			env.Publish("url", fmt.Sprintf("http://%s:%d", host, s.Port))
			return
		}
	}
}

// DockerLocal runs a compose project on the station.
type DockerLocal struct {
	// Host is where published service ports are probed.
	Host string
}

func (d *DockerLocal) host() string {
	if d.Host == "" {
		return "localhost"
	}
	return d.Host
}

func (d *DockerLocal) RunPhase(ctx context.Context, phase string, env *Env) error {
	cfg, err := loadDockerConfig(env, "docker")
	if err != nil {
		return err
	}
	compose, err := env.Asset(cfg.ComposeFile)
	if err != nil {
		return fmt.Errorf("compose file: %w", err)
	}
	base := fmt.Sprintf("docker compose -f %s -p %s", action.ShellQuote(compose), action.ShellQuote(cfg.project()))
	dir := filepath.Dir(compose)

	switch phase {
	case "pull_images":
		_, err := env.run(ctx, env.Local, action.Command{Line: base + " pull", Dir: dir, Env: cfg.Environment})
		return err
	case "create_volumes":
		// Compose creates named volumes on up; an explicit create only primes them.
		_, err := env.run(ctx, env.Local, action.Command{Line: base + " create", Dir: dir, Env: cfg.Environment})
		if err != nil {
			var ce *action.CommandError
			if errors.As(err, &ce) {
				env.logger().Warn("compose create failed, continuing", map[string]interface{}{"error": err.Error()})
				return nil
			}
			return err
		}
		return nil
	case "start_services":
		_, err := env.run(ctx, env.Local, action.Command{Line: base + " " + cfg.upArgs(), Dir: dir, Env: cfg.Environment})
		return err
	case "health_check":
		for _, s := range cfg.Services {
			if s.HealthCheckEndpoint == "" || s.Port <= 0 {
				continue
			}
			url := fmt.Sprintf("http://%s:%d%s", d.host(), s.Port, s.HealthCheckEndpoint)
			err := waitHealthy(ctx, env, s.Name, s.within(), httpProbe(env, http.MethodGet, url, nil, nil))
			if err != nil {
				if ctx.Err() != nil || boolOr(s.Required, true) {
					return err
				}
				env.logger().Warn("optional service unhealthy", map[string]interface{}{"service": s.Name, "error": err.Error()})
				continue
			}
			env.Log("service %s is healthy", s.Name)
		}
		publishURL(env, d.host(), cfg.Services)
		return nil
	}
	return unknownPhase(solution.StepDockerLocal, phase)
}

// DockerRemote runs a compose project on a device over SSH.
type DockerRemote struct{}

type remoteDockerState struct {
	dir string
}

func (d *DockerRemote) remoteDir(env *Env, cfg *dockerConfig) string {
	st := stateOf[remoteDockerState](env, "docker_remote")
	if st.dir != "" {
		return st.dir
	}
	base := cfg.RemotePath
	if base == "" {
		base = defaultRemotePath
	}
	name := env.StepID
	var id struct {
		ID string `yaml:"id"`
	}
	if env.Config != nil {
		_ = env.Config.Decode(&id)
	}
	if id.ID != "" {
		name = id.ID
	}
	st.dir = path.Join(base, name)
	return st.dir
}

func (d *DockerRemote) RunPhase(ctx context.Context, phase string, env *Env) error {
	cfg, err := loadDockerConfig(env, "docker_remote", "docker")
	if err != nil {
		return err
	}
	ex, err := env.Remote(ctx)
	if err != nil {
		return err
	}
	dir := d.remoteDir(env, cfg)
	project := action.ShellQuote(cfg.project())

	switch phase {
	case "connect":
		if _, err := env.run(ctx, ex, action.Command{Line: "true"}); err != nil {
			return err
		}
		env.Publish("host", env.Input("host", "ssh_host"))
		return nil
	case "check_os":
		res, err := ex.Run(ctx, action.Command{Line: "uname -s"})
		if err != nil {
			return err
		}
		if osName := strings.TrimSpace(res.Stdout); !strings.EqualFold(osName, "linux") {
			return fmt.Errorf("remote OS %q is not supported, Linux required", osName)
		}
		return nil
	case "check_docker":
		if _, err := env.run(ctx, ex, action.Command{Line: "docker version && docker compose version"}); err != nil {
			return fmt.Errorf("docker with compose is required on the device: %w", err)
		}
		return nil
	case "prepare":
		_, err := env.run(ctx, ex, action.Command{Line: "mkdir -p " + action.ShellQuote(dir)})
		return err
	case "upload":
		return d.upload(ctx, env, ex, cfg, dir)
	case "pull_images":
		_, err := env.run(ctx, ex, action.Command{Line: "docker compose -p " + project + " pull", Dir: dir, Env: cfg.Environment})
		return err
	case "start_services":
		_, err := env.run(ctx, ex, action.Command{Line: "docker compose -p " + project + " " + cfg.upArgs(), Dir: dir, Env: cfg.Environment})
		return err
	case "health_check":
		for _, s := range cfg.Services {
			if s.HealthCheckEndpoint == "" || s.Port <= 0 {
				continue
			}
			url := fmt.Sprintf("http://localhost:%d%s", s.Port, s.HealthCheckEndpoint)
			probe := func(ctx context.Context) error {
				_, err := ex.Run(ctx, action.Command{Line: "curl -fsS -o /dev/null " + action.ShellQuote(url)})
				return err
			}
			if err := waitHealthy(ctx, env, s.Name, s.within(), probe); err != nil {
				if ctx.Err() != nil || boolOr(s.Required, true) {
					return err
				}
				env.logger().Warn("optional service unhealthy", map[string]interface{}{"service": s.Name, "error": err.Error()})
				continue
			}
			env.Log("service %s is healthy", s.Name)
		}
		publishURL(env, env.Input("host", "ssh_host"), cfg.Services)
		return nil
	}
	return unknownPhase(solution.StepDockerRemote, phase)
}

// upload sends either the whole compose directory or the compose file as
// docker-compose.yml, then any extra files next to it.
func (d *DockerRemote) upload(ctx context.Context, env *Env, ex action.Executor, cfg *dockerConfig, dir string) error {
	if cfg.ComposeDir != "" {
		root, err := env.Asset(cfg.ComposeDir)
		if err != nil {
			return fmt.Errorf("compose directory: %w", err)
		}
		err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
			if err != nil || de.IsDir() {
				return err
			}
			rel, err := filepath.Rel(root, p)
			if err != nil {
				return err
			}
			env.Log("uploading %s", filepath.ToSlash(rel))
			return ex.Copy(ctx, action.CopySpec{Src: p, Dest: path.Join(dir, filepath.ToSlash(rel)), Mode: 0o644})
		})
		if err != nil {
			return err
		}
	} else {
		compose, err := env.Asset(cfg.ComposeFile)
		if err != nil {
			return fmt.Errorf("compose file: %w", err)
		}
		env.Log("uploading %s", cfg.ComposeFile)
		if err := ex.Copy(ctx, action.CopySpec{Src: compose, Dest: path.Join(dir, "docker-compose.yml"), Mode: 0o644}); err != nil {
			return err
		}
	}
	for _, f := range cfg.Files {
		src, err := env.Asset(f)
		if err != nil {
			return err
		}
		env.Log("uploading %s", f)
		if err := ex.Copy(ctx, action.CopySpec{Src: src, Dest: path.Join(dir, path.Base(filepath.ToSlash(f))), Mode: 0o644}); err != nil {
			return err
		}
	}
	return nil
}
