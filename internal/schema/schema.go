// Package schema validates YAML documents against the embedded CUE schemas.
package schema

import (
	_ "embed"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
)

//go:embed agent.cue
var agentSchema []byte

//go:embed profile.cue
var profileSchema []byte

// Definitions exported by the embedded schemas.
const (
	AgentDefinition   = "#Agent"
	ProfileDefinition = "#Profile"
)

// Agent returns the embedded agent configuration schema.
func Agent() []byte { return agentSchema }

// Profile returns the embedded efficiency profile schema.
func Profile() []byte { return profileSchema }

// Validate unifies the YAML document with definition in schemaSrc and checks
// that the result is valid and concrete.
func Validate(data []byte, filename string, schemaSrc []byte, definition string) error {
	ctx := cuecontext.New()

	schemaVal := ctx.CompileBytes(schemaSrc, cue.Filename("schema.cue"))
	if err := schemaVal.Err(); err != nil {
		return fmt.Errorf("compile CUE schema: %w", err)
	}
	def := schemaVal.LookupPath(cue.ParsePath(definition))
	if err := def.Err(); err != nil {
		return fmt.Errorf("lookup %s: %w", definition, err)
	}

	file, err := yaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("cannot parse YAML: %w", err)
	}
	doc := ctx.BuildFile(file)
	if err := doc.Err(); err != nil {
		return fmt.Errorf("cannot build YAML value: %w", err)
	}

	final := def.Unify(doc)
	if err := final.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateFile reads path and validates it. An empty schemaPath selects the
// embedded schema passed as fallback.
func ValidateFile(path, schemaPath string, fallback []byte, definition string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read YAML: %w", err)
	}
	src := fallback
	if schemaPath != "" {
		if src, err = os.ReadFile(schemaPath); err != nil {
			return nil, fmt.Errorf("cannot read CUE schema: %w", err)
		}
	}
	if err := Validate(data, path, src, definition); err != nil {
		return nil, err
	}
	return data, nil
}
