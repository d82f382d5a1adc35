package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

const (
	defaultHAPort      = 8123
	defaultHAConfigDir = "/config"
	haRestartWithin    = 180 * time.Second
)

var defaultIncludePatterns = []string{"*.py", "*.json", "*.yaml", "*.yml", "translations/*.json", "*.png"}

type flowField struct {
	Name      string `yaml:"name"`
	Value     string `yaml:"value"`
	ValueFrom string `yaml:"value_from"`
	Type      string `yaml:"type"`
}

type haConfig struct {
	Domain          string      `yaml:"domain"`
	ComponentsDir   string      `yaml:"components_dir"`
	IncludePatterns []string    `yaml:"include_patterns"`
	ConfigFlowData  []flowField `yaml:"config_flow_data"`
}

type haState struct {
	configDir    string
	installation string
}

// HAAPIError is a non-success answer from the Home Assistant REST API.
type HAAPIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *HAAPIError) Error() string {
	return fmt.Sprintf("home assistant %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// HomeAssistant installs a custom integration into Home Assistant: files go
// over SSH, the rest through the REST API with a long-lived access token.
type HomeAssistant struct {
	// RestartWithin bounds the wait for Home Assistant to come back.
	RestartWithin time.Duration
}

func (d *HomeAssistant) baseURL(env *Env) (string, error) {
	host := env.Input("ha_host", "host")
	if host == "" {
		return "", fmt.Errorf("no Home Assistant host: set the host input")
	}
	port := env.Input("ha_port")
	if port == "" {
		port = strconv.Itoa(defaultHAPort)
	}
	return "http://" + host + ":" + port, nil
}

func (d *HomeAssistant) RunPhase(ctx context.Context, phase string, env *Env) error {
	var cfg haConfig
	if ok, err := env.Decode("ha_integration", &cfg); err != nil {
		return err
	} else if !ok || cfg.Domain == "" {
		return fmt.Errorf("device config needs an ha_integration section with a domain")
	}
	base, err := d.baseURL(env)
	if err != nil {
		return err
	}
	token := env.Input("ha_token", "token")
	st := stateOf[haState](env, "ha")
	api := func(ctx context.Context, method, p string, body, out interface{}) error {
		return d.call(ctx, env, base, token, method, p, body, out)
	}

	switch phase {
	case "auth":
		if token == "" {
			return fmt.Errorf("a long-lived access token is required: set the ha_token input")
		}
		err := api(ctx, http.MethodGet, "/api/", nil, nil)
		var apiErr *HAAPIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			return &action.AuthenticationError{User: "token", Addr: base, Err: err}
		}
		return err
	case "detect":
		var info struct {
			Version          string   `json:"version"`
			ConfigDir        string   `json:"config_dir"`
			InstallationType string   `json:"installation_type"`
			Components       []string `json:"components"`
		}
		if err := api(ctx, http.MethodGet, "/api/config", nil, &info); err != nil {
			return err
		}
		st.installation = info.InstallationType
		if st.installation == "" {
			st.installation = "Home Assistant Container"
			for _, c := range info.Components {
				if c == "hassio" {
					st.installation = "Home Assistant OS"
					break
				}
			}
		}
		st.configDir = firstNonEmpty(env.Input("config_dir"), info.ConfigDir, defaultHAConfigDir)
		env.Publish("ha_version", info.Version)
		env.Publish("ha_installation", st.installation)
		env.Log("detected %s %s", st.installation, info.Version)
		return nil
	case "ssh":
		ex, err := env.Remote(ctx)
		if err != nil {
			return err
		}
		_, err = env.run(ctx, ex, action.Command{Line: "true"})
		return err
	case "copy":
		ex, err := env.Remote(ctx)
		if err != nil {
			return err
		}
		return d.copyComponents(ctx, env, ex, &cfg, firstNonEmpty(st.configDir, env.Input("config_dir"), defaultHAConfigDir))
	case "restart":
		err := api(ctx, http.MethodPost, "/api/services/homeassistant/restart", map[string]interface{}{}, nil)
		var apiErr *HAAPIError
		switch {
		case err == nil:
		case errors.As(err, &apiErr) && apiErr.Status >= 502 && apiErr.Status <= 504:
			// Already going down.
		case errors.As(err, &apiErr):
			return err
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			env.logger().Info("connection dropped during restart", map[string]interface{}{"error": err.Error()})
		}
		within := d.RestartWithin
		if within <= 0 {
			within = haRestartWithin
		}
		return waitHealthy(ctx, env, "home assistant restart", within, func(ctx context.Context) error {
			return api(ctx, http.MethodGet, "/api/", nil, nil)
		})
	case "integrate":
		return d.integrate(ctx, env, api, &cfg)
	}
	return unknownPhase(solution.StepHAIntegration, phase)
}

func (d *HomeAssistant) call(ctx context.Context, env *Env, base, token, method, p string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, base+p, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &HAAPIError{Method: method, Path: p, Status: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("home assistant %s %s: invalid response: %w", method, p, err)
	}
	return nil
}

func (d *HomeAssistant) copyComponents(ctx context.Context, env *Env, ex action.Executor, cfg *haConfig, configDir string) error {
	src := cfg.ComponentsDir
	if src == "" {
		src = path.Join("custom_components", cfg.Domain)
	}
	root, err := env.Asset(src)
	if err != nil {
		return fmt.Errorf("components directory: %w", err)
	}
	patterns := cfg.IncludePatterns
	if len(patterns) == 0 {
		patterns = defaultIncludePatterns
	}
	dest := path.Join(configDir, "custom_components", cfg.Domain)
	copied := 0
	err = filepath.WalkDir(root, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() {
			if de.Name() == "__pycache__" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(patterns, rel) {
			return nil
		}
		copied++
		return ex.Copy(ctx, action.CopySpec{Src: p, Dest: path.Join(dest, rel), Mode: 0o644})
	})
	if err != nil {
		return err
	}
	if copied == 0 {
		return fmt.Errorf("no integration files matched in %s", src)
	}
	env.Log("copied %d files to %s", copied, dest)
	return nil
}

// matchAny matches rel against patterns with a path or a base-name match.
func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, rel); ok {
			return true
		}
		if !strings.Contains(p, "/") {
			if ok, _ := path.Match(p, path.Base(rel)); ok {
				return true
			}
		}
	}
	return false
}

type apiFunc func(ctx context.Context, method, p string, body, out interface{}) error

func (d *HomeAssistant) integrate(ctx context.Context, env *Env, api apiFunc, cfg *haConfig) error {
	var entries []struct {
		Domain string `json:"domain"`
	}
	if err := api(ctx, http.MethodGet, "/api/config/config_entries/entry", nil, &entries); err == nil {
		for _, e := range entries {
			if e.Domain == cfg.Domain {
				env.Log("%s integration already configured", cfg.Domain)
				return nil
			}
		}
	}
	data, err := flowData(env, cfg.ConfigFlowData)
	if err != nil {
		return err
	}
	var flow struct {
		FlowID string `json:"flow_id"`
	}
	if err := api(ctx, http.MethodPost, "/api/config/config_entries/flow",
		map[string]interface{}{"handler": cfg.Domain, "show_advanced_options": false}, &flow); err != nil {
		return err
	}
	if flow.FlowID == "" {
		return fmt.Errorf("config flow for %s returned no flow id", cfg.Domain)
	}
	var result struct {
		Type   string            `json:"type"`
		Title  string            `json:"title"`
		Errors map[string]string `json:"errors"`
	}
	if err := api(ctx, http.MethodPost, "/api/config/config_entries/flow/"+flow.FlowID, data, &result); err != nil {
		return err
	}
	if result.Type != "create_entry" {
		if len(result.Errors) > 0 {
			return fmt.Errorf("failed to add %s integration: %v", cfg.Domain, result.Errors)
		}
		env.logger().Warn("unexpected config flow result", map[string]interface{}{"type": result.Type})
	}
	env.Publish("ha_entry", firstNonEmpty(result.Title, cfg.Domain))
	return nil
}

// flowData builds the config flow form from literal values and inputs.
func flowData(env *Env, fields []flowField) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		raw := f.Value
		if f.ValueFrom != "" {
			raw = env.Input(f.ValueFrom)
		}
		switch f.Type {
		case "int":
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("config flow field %s: %q is not an integer", f.Name, raw)
			}
			data[f.Name] = n
		case "float":
			n, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("config flow field %s: %q is not a number", f.Name, raw)
			}
			data[f.Name] = n
		case "bool":
			switch strings.ToLower(raw) {
			case "true", "1", "yes":
				data[f.Name] = true
			default:
				data[f.Name] = false
			}
		default:
			data[f.Name] = raw
		}
	}
	return data, nil
}
