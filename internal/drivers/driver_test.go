package drivers

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"provisioner/internal/action"
	"provisioner/internal/logging"
	"provisioner/internal/solution"
	"provisioner/internal/sshclient"
	"provisioner/internal/vars"
)

// fakeExecutor records commands, copies and writes. output maps a command
// substring to its stdout; fail maps a substring to the error returned.
type fakeExecutor struct {
	mu     sync.Mutex
	lines  []string
	copies []action.CopySpec
	writes map[string]string
	output map[string]string
	fail   map[string]error
}

func (f *fakeExecutor) Run(_ context.Context, cmd action.Command) (action.Result, error) {
	f.mu.Lock()
	f.lines = append(f.lines, cmd.Line)
	f.mu.Unlock()
	var res action.Result
	for sub, out := range f.output {
		if strings.Contains(cmd.Line, sub) {
			res.Stdout = out
			if cmd.Stdout != nil {
				cmd.Stdout(out)
			}
		}
	}
	for sub, err := range f.fail {
		if strings.Contains(cmd.Line, sub) {
			res.ExitCode = 1
			return res, err
		}
	}
	return res, nil
}

func (f *fakeExecutor) Copy(_ context.Context, spec action.CopySpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, spec)
	return nil
}

func (f *fakeExecutor) WriteFile(_ context.Context, data []byte, dest string, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = map[string]string{}
	}
	f.writes[dest] = string(data)
	return nil
}

func (f *fakeExecutor) Close() error { return nil }

func (f *fakeExecutor) ran(sub string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

func (f *fakeExecutor) dests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.copies))
	for _, c := range f.copies {
		out = append(out, c.Dest)
	}
	return out
}

func init() { logging.Discard() }

func parseDoc(t *testing.T, src string) *yaml.Node {
	t.Helper()
	var doc yaml.Node
	require.NoError(t, yaml.Unmarshal([]byte(src), &doc))
	return &doc
}

// newEnv builds a step environment over a rendered device config. remote is
// returned by the dialer.
func newEnv(t *testing.T, config string, inputs map[string]string, local, remote *fakeExecutor) *Env {
	t.Helper()
	b := vars.NewBindings(inputs)
	var doc *yaml.Node
	if config != "" {
		var err error
		doc, err = RenderConfig(parseDoc(t, config), b)
		require.NoError(t, err)
	}
	env := &Env{
		StepID:   "step1",
		Dir:      t.TempDir(),
		Config:   doc,
		Bindings: b,
		Health:   HealthPolicy{Retries: 2, InitialInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond},
	}
	if local != nil {
		env.Local = local
	}
	if remote != nil {
		env.Dial = func(context.Context, sshclient.Config, *Env) (action.Executor, error) { return remote, nil }
	}
	return env
}

func writeAsset(t *testing.T, env *Env, rel, content string) string {
	t.Helper()
	p := filepath.Join(env.Dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestDefaultRegistryCoversConcreteTypes(t *testing.T) {
	reg := Default(Options{})
	var concrete []solution.StepType
	for _, st := range solution.StepTypes {
		if st != solution.StepDockerDeploy {
			concrete = append(concrete, st)
		}
	}
	assert.Empty(t, reg.Missing(concrete))
	assert.Equal(t, []solution.StepType{solution.StepDockerDeploy}, reg.Missing(solution.StepTypes))

	d, ok := reg.Lookup(solution.StepManual)
	require.True(t, ok)
	assert.IsType(t, RefuseAll{}, d.(*Manual).Acknowledger)
}

func TestMissingSortedAndUnique(t *testing.T) {
	reg := Registry{solution.StepScript: &Script{}}
	got := reg.Missing([]solution.StepType{solution.StepSSHDeb, solution.StepScript, solution.StepESP32USB, solution.StepSSHDeb})
	assert.Equal(t, []solution.StepType{solution.StepESP32USB, solution.StepSSHDeb}, got)
}

func TestRenderConfigSkipsHooksAndInputs(t *testing.T) {
	doc := parseDoc(t, `
id: app
host: "{{host}}"
actions:
  before:
    - name: x
      run: echo {{later_output}}
user_inputs:
  - id: host
    default: "{{not_bound}}"
`)
	out, err := RenderConfig(doc, vars.NewBindings(map[string]string{"host": "10.0.0.2"}))
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, out.Decode(&got))
	assert.Equal(t, map[string]interface{}{"id": "app", "host": "10.0.0.2"}, got)

	_, err = RenderConfig(parseDoc(t, "host: '{{missing}}'"), vars.NewBindings(nil))
	var undef *vars.UndefinedVariableError
	require.ErrorAs(t, err, &undef)
	assert.Equal(t, []string{"missing"}, undef.Names)

	out, err = RenderConfig(nil, nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestEnvInputAssetAndOutputs(t *testing.T) {
	env := newEnv(t, "", map[string]string{"a": "", "b": "2"}, nil, nil)
	assert.Equal(t, "2", env.Input("a", "b"))
	assert.Equal(t, "", env.Input("zzz"))

	writeAsset(t, env, "files/app.bin", "x")
	p, err := env.Asset("files/app.bin")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.Dir, "files", "app.bin"), p)
	_, err = env.Asset("files/none.bin")
	assert.Error(t, err)
	_, err = env.Asset("")
	assert.Error(t, err)

	env.Publish("url", "http://x")
	out := env.Outputs()
	out["url"] = "changed"
	assert.Equal(t, "http://x", env.Outputs()["url"])
}

func TestEnvRemoteDialsOnceAndWrapsSudo(t *testing.T) {
	remote := &fakeExecutor{}
	env := newEnv(t, "", map[string]string{"host": "dev", "username": "pi", "password": "pw"}, nil, remote)
	dials := 0
	env.Dial = func(_ context.Context, cfg sshclient.Config, _ *Env) (action.Executor, error) {
		dials++
		assert.Equal(t, "dev", cfg.Host)
		assert.Equal(t, "pi", cfg.User)
		return remote, nil
	}
	assert.False(t, env.Connected())
	for i := 0; i < 2; i++ {
		ex, err := env.Remote(context.Background())
		require.NoError(t, err)
		assert.Same(t, remote, ex)
	}
	assert.Equal(t, 1, dials)
	assert.True(t, env.Connected())
	assert.Contains(t, env.asRoot("systemctl restart x"), "sudo")

	require.NoError(t, env.Close())
	assert.False(t, env.Connected())
}

func TestEnvRemoteAsRootSkipsSudo(t *testing.T) {
	env := newEnv(t, "", map[string]string{"host": "dev"}, nil, &fakeExecutor{})
	_, err := env.Remote(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "id -u", env.asRoot("id -u"))
}

func TestStateOfIsStepScoped(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	st := stateOf[scriptState](env, "script")
	st.pid = 42
	assert.Equal(t, 42, stateOf[scriptState](env, "script").pid)

	other := newEnv(t, "", nil, nil, nil)
	assert.Zero(t, stateOf[scriptState](other, "script").pid)
}

func TestUnknownPhase(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	err := (&Preview{}).RunPhase(context.Background(), "deploy", env)
	assert.ErrorIs(t, err, ErrUnknownPhase)
}
