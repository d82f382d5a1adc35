package deploy

import (
	"fmt"
	"strings"

	"provisioner/internal/solution"
	"provisioner/internal/vars"
)

// userInput is one declaration of the device config user_inputs list.
type userInput struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Type     string `yaml:"type"`
	Default  string `yaml:"default"`
	Required bool   `yaml:"required"`
}

// MissingInputError lists required inputs that have neither a value nor a
// default.
type MissingInputError struct {
	Names []string
}

func (e *MissingInputError) Error() string {
	return fmt.Sprintf("missing required input(s): %s", strings.Join(e.Names, ", "))
}

// applyInputDefaults binds the declared defaults of inputs the caller left
// unset. Defaults may reference other bindings.
func applyInputDefaults(dev *solution.DeviceConfig, b *vars.Bindings) error {
	if dev == nil || dev.Doc == nil {
		return nil
	}
	var decl []userInput
	if _, err := solution.DecodeKey(dev.Doc, "user_inputs", &decl); err != nil {
		return err
	}
	var missing []string
	for _, in := range decl {
		if in.ID == "" {
			continue
		}
		if v, ok := b.Lookup(in.ID); ok && v != "" {
			continue
		}
		if in.Default == "" {
			if in.Required {
				missing = append(missing, in.ID)
			}
			continue
		}
		v, err := vars.Substitute(in.Default, b)
		if err != nil {
			return fmt.Errorf("default of input %s: %w", in.ID, err)
		}
		b.Set(in.ID, v)
	}
	if len(missing) > 0 {
		return &MissingInputError{Names: missing}
	}
	return nil
}
