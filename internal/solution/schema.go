package solution

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const manifestSchemaURL = "https://provisioner.local/schemas/solution.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name"],
  "properties": {
    "version": {"type": ["string", "number"]},
    "id": {"type": "string", "pattern": "^[a-z0-9][a-z0-9_\\-]*$"},
    "name": {"type": "string", "minLength": 1},
    "name_zh": {"type": "string"},
    "enabled": {"type": "boolean"},
    "requires": {
      "type": "object",
      "properties": {"station": {"type": "string"}}
    },
    "intro": {
      "type": "object",
      "properties": {
        "presets": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "pattern": "^\\w+$"},
              "name": {"type": "string"},
              "name_zh": {"type": "string"},
              "disabled": {"type": "boolean"},
              "device_groups": {"type": "array"}
            }
          }
        }
      }
    },
    "deployment": {
      "type": "object",
      "properties": {
        "guide_file": {"type": "string"},
        "guide_file_zh": {"type": "string"},
        "selection_mode": {"enum": ["sequential"]}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func manifestValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
			schemaErr = fmt.Errorf("manifest schema load failed: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(manifestSchemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("manifest schema compile failed: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidateManifest checks raw solution.yaml bytes against the manifest schema.
func ValidateManifest(data []byte) error {
	schema, err := manifestValidator()
	if err != nil {
		return err
	}
	var v interface{}
	if err := yaml.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("failed to parse solution.yaml: %w", err)
	}
	// round-trip through JSON so the validator sees JSON value types
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("solution.yaml is not representable as JSON: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("solution.yaml schema validation failed: %w", err)
	}
	return nil
}
