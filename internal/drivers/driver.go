// Package drivers performs the canonical phases of each step type against the
// leaf executors.
package drivers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"provisioner/internal/action"
	"provisioner/internal/hooks"
	"provisioner/internal/logging"
	"provisioner/internal/solution"
	"provisioner/internal/sshclient"
	"provisioner/internal/vars"
)

// Driver performs one phase of a step. Phases arrive in plan order, hook
// phases excluded.
type Driver interface {
	RunPhase(ctx context.Context, phase string, env *Env) error
}

// DriverFunc adapts a function to Driver.
type DriverFunc func(ctx context.Context, phase string, env *Env) error

func (f DriverFunc) RunPhase(ctx context.Context, phase string, env *Env) error {
	return f(ctx, phase, env)
}

// Registry is the closed set of drivers keyed by concrete step type.
type Registry map[solution.StepType]Driver

// Lookup returns the driver for t.
func (r Registry) Lookup(t solution.StepType) (Driver, bool) {
	d, ok := r[t]
	return d, ok
}

// Missing lists the types among ts that have no driver, sorted.
func (r Registry) Missing(ts []solution.StepType) []solution.StepType {
	seen := map[solution.StepType]bool{}
	var out []solution.StepType
	for _, t := range ts {
		if _, ok := r[t]; !ok && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options configure the default registry.
type Options struct {
	// Acknowledger answers manual steps. Nil refuses every step.
	Acknowledger Acknowledger
	// EsptoolPath overrides the esptool executable.
	EsptoolPath string
	// HimaxFlasher overrides the Himax flash command prefix.
	HimaxFlasher string
}

// Default returns a driver for every concrete step type. docker_deploy has no
// entry of its own; plans resolve it to docker_local or docker_remote.
func Default(opts Options) Registry {
	ack := opts.Acknowledger
	if ack == nil {
		ack = RefuseAll{}
	}
	return Registry{
		solution.StepDockerLocal:     &DockerLocal{Host: "localhost"},
		solution.StepDockerRemote:    &DockerRemote{},
		solution.StepESP32USB:        &ESP32{Tool: opts.EsptoolPath},
		solution.StepHimaxUSB:        &Himax{Flasher: opts.HimaxFlasher},
		solution.StepRecameraCpp:     &RecameraCpp{},
		solution.StepRecameraNodeRed: &NodeRed{},
		solution.StepSSHDeb:          &SSHDeb{},
		solution.StepScript:          &Script{},
		solution.StepHAIntegration:   &HomeAssistant{},
		solution.StepPreview:         &Preview{},
		solution.StepManual:          &Manual{Acknowledger: ack},
	}
}

// ErrUnknownPhase is returned for a phase the driver does not implement.
var ErrUnknownPhase = errors.New("unknown phase")

func unknownPhase(t solution.StepType, phase string) error {
	return fmt.Errorf("%s: %w %q", t, ErrUnknownPhase, phase)
}

// Dialer opens the SSH executor of a step.
type Dialer func(ctx context.Context, cfg sshclient.Config, env *Env) (action.Executor, error)

// DialSSH is the production Dialer.
func DialSSH(ctx context.Context, cfg sshclient.Config, env *Env) (action.Executor, error) {
	ex := action.NewSSH(cfg, env.Dir, env.Logger)
	if err := ex.Connect(ctx); err != nil {
		return nil, err
	}
	return ex, nil
}

// Env is everything a driver sees while running one step. One Env lives for
// one step; Close releases the SSH session.
type Env struct {
	StepID string
	Title  string
	Type   solution.StepType
	// Dir is the solution directory; relative asset paths resolve against it.
	Dir string
	// Config is the device config rendered with the step's bindings, or nil.
	Config   *yaml.Node
	Bindings *vars.Bindings
	Local    action.Executor
	Logger   *logging.Logger
	HTTP     *http.Client
	Health   HealthPolicy
	// SSH holds station-wide connection defaults (host keys, timeout).
	SSH  sshclient.Config
	Dial Dialer
	// Output receives device and tool output lines.
	Output func(line string)

	mu         sync.Mutex
	remote     action.Executor
	remoteUser string
	outputs    map[string]string
	state      map[string]interface{}
}

// Remote returns the step's SSH executor, connecting on first use.
func (e *Env) Remote(ctx context.Context) (action.Executor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote != nil {
		return e.remote, nil
	}
	cfg, err := SSHConfigFor(e.Config, e.Bindings, e.SSH)
	if err != nil {
		return nil, err
	}
	dial := e.Dial
	if dial == nil {
		dial = DialSSH
	}
	ex, err := dial(ctx, cfg, e)
	if err != nil {
		return nil, err
	}
	e.remote = ex
	e.remoteUser = cfg.User
	return ex, nil
}

// asRoot wraps line with sudo unless the SSH user is root.
func (e *Env) asRoot(line string) string {
	e.mu.Lock()
	user := e.remoteUser
	e.mu.Unlock()
	if user == "root" {
		return line
	}
	return hooks.WrapSudo(line, nil, hooks.SudoPassword(e.Bindings))
}

// Connected reports whether Remote has been opened.
func (e *Env) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remote != nil
}

// Close releases the SSH session if one was opened.
func (e *Env) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return nil
	}
	err := e.remote.Close()
	e.remote = nil
	return err
}

// Publish records a step output visible to later steps as <step>.<key> and
// <key>.
func (e *Env) Publish(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outputs == nil {
		e.outputs = map[string]string{}
	}
	e.outputs[key] = value
}

// Outputs returns a copy of the published outputs.
func (e *Env) Outputs() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.outputs))
	for k, v := range e.outputs {
		out[k] = v
	}
	return out
}

// Log forwards a line to the step output.
func (e *Env) Log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if e.Output != nil {
		e.Output(line)
	}
}

func (e *Env) logger() *logging.Logger {
	if e.Logger == nil {
		return logging.WithFields(nil)
	}
	return e.Logger
}

func (e *Env) httpClient() *http.Client {
	if e.HTTP == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return e.HTTP
}

// Decode decodes the config section under key into out. A missing Config or
// key leaves out untouched and reports false.
func (e *Env) Decode(key string, out interface{}) (bool, error) {
	if e.Config == nil {
		return false, nil
	}
	return solution.DecodeKey(e.Config, key, out)
}

// Input returns the first of keys bound to a non-empty value.
func (e *Env) Input(keys ...string) string {
	if e.Bindings == nil {
		return ""
	}
	for _, k := range keys {
		if v, ok := e.Bindings.Lookup(k); ok && v != "" {
			return v
		}
	}
	return ""
}

// Asset resolves a path from the device config against the solution
// directory and checks it exists.
func (e *Env) Asset(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty asset path")
	}
	p := rel
	if !filepath.IsAbs(p) {
		p = filepath.Join(e.Dir, filepath.FromSlash(rel))
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("asset %s not found: %w", rel, err)
	}
	return p, nil
}

// run executes line on ex, streaming output to the step.
func (e *Env) run(ctx context.Context, ex action.Executor, cmd action.Command) (action.Result, error) {
	if cmd.Stdout == nil {
		cmd.Stdout = e.Output
	}
	return ex.Run(ctx, cmd)
}

// stateOf returns the step-scoped value stored under key, creating it on
// first use. Drivers use it to carry data between phases.
func stateOf[T any](e *Env, key string) *T {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		e.state = map[string]interface{}{}
	}
	if v, ok := e.state[key].(*T); ok {
		return v
	}
	v := new(T)
	e.state[key] = v
	return v
}

// writeFile writes data through ex when it supports direct writes.
func writeFile(ctx context.Context, ex action.Executor, data []byte, dest string, mode os.FileMode) error {
	fw, ok := ex.(action.FileWriter)
	if !ok {
		return fmt.Errorf("executor cannot write files")
	}
	return fw.WriteFile(ctx, data, dest, mode)
}

// renderSkip holds top-level keys left unrendered: hooks render their own
// fields lazily and user input declarations hold literal defaults.
var renderSkip = map[string]bool{"actions": true, "user_inputs": true}

// RenderConfig substitutes every scalar of a device config document with b,
// leaving the actions and user_inputs sections out. A nil doc renders to nil.
func RenderConfig(doc *yaml.Node, b *vars.Bindings) (*yaml.Node, error) {
	if doc == nil {
		return nil, nil
	}
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return vars.RenderNode(doc, b)
	}
	trimmed := &yaml.Node{Kind: yaml.MappingNode, Tag: doc.Tag, Style: doc.Style}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if renderSkip[doc.Content[i].Value] {
			continue
		}
		trimmed.Content = append(trimmed.Content, doc.Content[i], doc.Content[i+1])
	}
	return vars.RenderNode(trimmed, b)
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
