package solution

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeviceConfig is a step's device YAML. Apart from the header fields and the
// actions block the document is opaque here and handed to the step driver.
type DeviceConfig struct {
	Ref     string // as written in the guide, relative to the solution dir
	Path    string
	ID      string
	Name    string
	Type    string
	Version string
	Actions Actions
	Doc     *yaml.Node
}

type deviceHeader struct {
	ID      string  `yaml:"id"`
	Name    string  `yaml:"name"`
	Type    string  `yaml:"type"`
	Version string  `yaml:"version"`
	Actions Actions `yaml:"actions"`
}

// resolveRef maps a config reference to a path inside dir.
func resolveRef(dir, ref string) (string, error) {
	if filepath.IsAbs(ref) {
		return "", fmt.Errorf("config %q must be relative to the solution directory", ref)
	}
	p := filepath.Join(dir, filepath.FromSlash(ref))
	rel, err := filepath.Rel(dir, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("config %q escapes the solution directory", ref)
	}
	return p, nil
}

// LoadDeviceConfig reads and validates the device YAML at ref under dir.
func LoadDeviceConfig(dir, ref string) (*DeviceConfig, error) {
	path, err := resolveRef(dir, ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read device config %s: %w", ref, err)
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse device config %s: %w", ref, err)
	}
	root := documentRoot(&doc)
	if root == nil {
		root = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("device config %s: top level must be a mapping", ref)
	}
	var h deviceHeader
	if err := root.Decode(&h); err != nil {
		return nil, fmt.Errorf("failed to decode device config %s: %w", ref, err)
	}
	for i := range h.Actions.Before {
		if err := h.Actions.Before[i].validate(); err != nil {
			return nil, fmt.Errorf("device config %s: actions.before[%d]: %w", ref, i, err)
		}
	}
	for i := range h.Actions.After {
		if err := h.Actions.After[i].validate(); err != nil {
			return nil, fmt.Errorf("device config %s: actions.after[%d]: %w", ref, i, err)
		}
	}
	return &DeviceConfig{
		Ref:     ref,
		Path:    path,
		ID:      h.ID,
		Name:    h.Name,
		Type:    h.Type,
		Version: h.Version,
		Actions: h.Actions,
		Doc:     root,
	}, nil
}

func documentRoot(n *yaml.Node) *yaml.Node {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.DocumentNode {
		if len(n.Content) == 0 {
			return nil
		}
		return n.Content[0]
	}
	return n
}

// Lookup returns the value node for key in a mapping node.
func Lookup(m *yaml.Node, key string) *yaml.Node {
	m = documentRoot(m)
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// DecodeKey decodes the section under key into out. It reports whether the
// key was present.
func DecodeKey(m *yaml.Node, key string, out interface{}) (bool, error) {
	n := Lookup(m, key)
	if n == nil {
		return false, nil
	}
	if err := n.Decode(out); err != nil {
		return true, fmt.Errorf("failed to decode %q: %w", key, err)
	}
	return true, nil
}
