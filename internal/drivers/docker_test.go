package drivers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/action"
)

func serverPort(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return u.Port()
}

func TestDockerLocalPhases(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	port := serverPort(t, srv)

	local := &fakeExecutor{}
	env := newEnv(t, `
docker:
  compose_file: app/docker-compose.yml
  environment:
    TZ: "{{tz}}"
  options:
    project_name: demo
    remove_orphans: true
  services:
    - name: web
      port: `+port+`
      health_check_endpoint: /health
    - name: extra
      port: `+port+`
      health_check_endpoint: /broken
      required: false
`, map[string]string{"tz": "UTC"}, local, nil)
	writeAsset(t, env, "app/docker-compose.yml", "services: {}\n")
	d := &DockerLocal{Host: "127.0.0.1"}

	for _, phase := range []string{"pull_images", "create_volumes", "start_services", "health_check"} {
		require.NoError(t, d.RunPhase(context.Background(), phase, env), phase)
	}
	require.Len(t, local.lines, 3)
	assert.Contains(t, local.lines[0], "-p 'demo' pull")
	assert.Contains(t, local.lines[2], "up -d --remove-orphans")
	assert.NotContains(t, local.lines[2], "--build")
	assert.Equal(t, "http://127.0.0.1:"+port, env.Outputs()["url"])
}

func TestDockerLocalRequiredServiceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env := newEnv(t, `
docker:
  compose_file: docker-compose.yml
  services:
    - name: web
      port: `+serverPort(t, srv)+`
      health_check_endpoint: /
      health_check_timeout: 1
`, nil, &fakeExecutor{}, nil)
	writeAsset(t, env, "docker-compose.yml", "services: {}\n")

	err := (&DockerLocal{Host: "127.0.0.1"}).RunPhase(context.Background(), "health_check", env)
	var he *HealthError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "web", he.Check)
}

func TestDockerLocalCreateVolumesTolerated(t *testing.T) {
	local := &fakeExecutor{fail: map[string]error{" create": &action.CommandError{ExitCode: 1}}}
	env := newEnv(t, "docker:\n  compose_file: docker-compose.yml\n", nil, local, nil)
	writeAsset(t, env, "docker-compose.yml", "services: {}\n")
	assert.NoError(t, (&DockerLocal{}).RunPhase(context.Background(), "create_volumes", env))
}

func TestDockerLocalMissingCompose(t *testing.T) {
	env := newEnv(t, "docker:\n  compose_file: none.yml\n", nil, &fakeExecutor{}, nil)
	assert.ErrorContains(t, (&DockerLocal{}).RunPhase(context.Background(), "pull_images", env), "compose file")

	env = newEnv(t, "other: {}\n", nil, &fakeExecutor{}, nil)
	assert.ErrorContains(t, (&DockerLocal{}).RunPhase(context.Background(), "pull_images", env), "no docker section")
}

func TestDockerRemotePhases(t *testing.T) {
	remote := &fakeExecutor{output: map[string]string{"uname -s": "Linux\n"}}
	env := newEnv(t, `
id: warehouse
docker_remote:
  compose_file: compose/docker-compose.yml
  remote_path: /srv/apps
  files: [compose/.env]
  services:
    - name: api
      port: 8080
      health_check_endpoint: /ready
`, map[string]string{"host": "10.0.0.9"}, nil, remote)
	writeAsset(t, env, "compose/docker-compose.yml", "services: {}\n")
	writeAsset(t, env, "compose/.env", "A=1\n")
	d := &DockerRemote{}

	for _, phase := range []string{"connect", "check_os", "check_docker", "prepare", "upload", "pull_images", "start_services", "health_check"} {
		require.NoError(t, d.RunPhase(context.Background(), phase, env), phase)
	}
	assert.True(t, remote.ran("mkdir -p '/srv/apps/warehouse'"))
	assert.Equal(t, []string{"/srv/apps/warehouse/docker-compose.yml", "/srv/apps/warehouse/.env"}, remote.dests())
	assert.True(t, remote.ran("curl -fsS -o /dev/null 'http://localhost:8080/ready'"))
	assert.Equal(t, "10.0.0.9", env.Outputs()["host"])
	assert.Equal(t, "http://10.0.0.9:8080", env.Outputs()["url"])
}

func TestDockerRemoteRejectsNonLinux(t *testing.T) {
	remote := &fakeExecutor{output: map[string]string{"uname -s": "Darwin\n"}}
	env := newEnv(t, "docker_remote:\n  compose_file: c.yml\n", map[string]string{"host": "mac"}, nil, remote)
	err := (&DockerRemote{}).RunPhase(context.Background(), "check_os", env)
	assert.ErrorContains(t, err, "Linux required")
}

func TestDockerRemoteUploadsComposeDir(t *testing.T) {
	remote := &fakeExecutor{}
	env := newEnv(t, "docker_remote:\n  compose_dir: stack\n", map[string]string{"host": "h"}, nil, remote)
	writeAsset(t, env, "stack/docker-compose.yml", "services: {}\n")
	writeAsset(t, env, "stack/conf/app.conf", "x\n")
	require.NoError(t, (&DockerRemote{}).RunPhase(context.Background(), "upload", env))
	dests := strings.Join(remote.dests(), ",")
	assert.Contains(t, dests, "/opt/provisioning/step1/docker-compose.yml")
	assert.Contains(t, dests, "/opt/provisioning/step1/conf/app.conf")
}
