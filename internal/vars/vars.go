// Package vars implements {{name}} placeholder substitution for hook commands,
// environment values and device configs.
package vars

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// UndefinedVariableError names every placeholder that had no binding, in order
// of first appearance.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable(s): %s", strings.Join(e.Names, ", "))
}

// Bindings is a layered lookup. Later layers shadow earlier ones.
type Bindings struct {
	layers []map[string]string
}

// NewBindings starts a binding set from resolved user inputs.
func NewBindings(inputs map[string]string) *Bindings {
	b := &Bindings{}
	b.Push(inputs)
	return b
}

// Push adds a layer on top. The map is copied.
func (b *Bindings) Push(layer map[string]string) {
	cp := make(map[string]string, len(layer))
	for k, v := range layer {
		cp[k] = v
	}
	b.layers = append(b.layers, cp)
}

// Set writes into the top layer.
func (b *Bindings) Set(key, value string) {
	if len(b.layers) == 0 {
		b.layers = append(b.layers, map[string]string{})
	}
	b.layers[len(b.layers)-1][key] = value
}

// Lookup returns the value of key from the highest layer that defines it.
func (b *Bindings) Lookup(key string) (string, bool) {
	if b == nil {
		return "", false
	}
	for i := len(b.layers) - 1; i >= 0; i-- {
		if v, ok := b.layers[i][key]; ok {
			return v, true
		}
	}
	return "", false
}

// Get is Lookup without the presence flag.
func (b *Bindings) Get(key string) string {
	v, _ := b.Lookup(key)
	return v
}

// Snapshot flattens all layers into one map.
func (b *Bindings) Snapshot() map[string]string {
	out := map[string]string{}
	if b == nil {
		return out
	}
	for _, layer := range b.layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// Keys returns the bound names, sorted.
func (b *Bindings) Keys() []string {
	snap := b.Snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone copies the layer stack so a step can add outputs without touching the parent.
func (b *Bindings) Clone() *Bindings {
	c := &Bindings{}
	if b == nil {
		return c
	}
	for _, layer := range b.layers {
		c.Push(layer)
	}
	return c
}

// Substitute replaces every placeholder in tmpl. It never returns a partially
// substituted string: if any name is unbound the result is empty and the error
// lists all unbound names.
func Substitute(tmpl string, b *Bindings) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	var missing []string
	seen := map[string]bool{}
	out := placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := b.Lookup(name)
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", &UndefinedVariableError{Names: missing}
	}
	return out, nil
}

// SubstituteBound replaces only the placeholders that have a binding and
// leaves the rest as written. It is for documents with a template syntax of
// their own. escape, when set, is applied to each inserted value.
func SubstituteBound(tmpl string, b *Bindings, escape func(string) string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		v, ok := b.Lookup(placeholder.FindStringSubmatch(m)[1])
		if !ok {
			return m
		}
		if escape != nil {
			return escape(v)
		}
		return v
	})
}

// SubstituteMap applies Substitute to every value. Unbound names across all
// values are reported together.
func SubstituteMap(m map[string]string, b *Bindings) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(m))
	var missing []string
	seen := map[string]bool{}
	for _, k := range keys {
		v, err := Substitute(m[k], b)
		if err != nil {
			missing = appendMissing(missing, seen, err)
			continue
		}
		out[k] = v
	}
	if len(missing) > 0 {
		return nil, &UndefinedVariableError{Names: missing}
	}
	return out, nil
}

// References returns the placeholder names used in tmpl, in order, without duplicates.
func References(tmpl string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(tmpl, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}

// RenderNode returns a deep copy of node with every scalar value substituted.
// Mapping keys are left untouched. Aliases point at the rendered copy of
// their anchor.
func RenderNode(node *yaml.Node, b *Bindings) (*yaml.Node, error) {
	if node == nil {
		return nil, nil
	}
	r := &renderer{b: b, seen: map[string]bool{}, copies: map[*yaml.Node]*yaml.Node{}}
	out := r.render(node, false)
	if len(r.missing) > 0 {
		return nil, &UndefinedVariableError{Names: r.missing}
	}
	return out, nil
}

type renderer struct {
	b       *Bindings
	missing []string
	seen    map[string]bool
	// copies maps original nodes to their rendered copy.
	copies map[*yaml.Node]*yaml.Node
}

func (r *renderer) render(n *yaml.Node, isKey bool) *yaml.Node {
	if done, ok := r.copies[n]; ok {
		return done
	}
	cp := *n
	cp.Content = nil
	r.copies[n] = &cp
	switch n.Kind {
	case yaml.ScalarNode:
		if !isKey {
			v, err := Substitute(n.Value, r.b)
			if err != nil {
				r.missing = appendMissing(r.missing, r.seen, err)
			} else {
				cp.Value = v
			}
		}
	case yaml.MappingNode:
		for i, c := range n.Content {
			cp.Content = append(cp.Content, r.render(c, i%2 == 0))
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			cp.Alias = r.render(n.Alias, false)
		}
	default:
		for _, c := range n.Content {
			cp.Content = append(cp.Content, r.render(c, false))
		}
	}
	return &cp
}

func appendMissing(missing []string, seen map[string]bool, err error) []string {
	uv, ok := err.(*UndefinedVariableError)
	if !ok {
		return missing
	}
	for _, n := range uv.Names {
		if !seen[n] {
			seen[n] = true
			missing = append(missing, n)
		}
	}
	return missing
}
