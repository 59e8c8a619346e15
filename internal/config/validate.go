// CUE schema validation code
package config

import "gpuwatch/internal/schema"

// ValidateWithCue validates a YAML configuration file against the agent
// CUE schema and returns its contents. An empty cueFile selects the
// embedded schema.
func ValidateWithCue(configFile, cueFile string) ([]byte, error) {
	return schema.ValidateFile(configFile, cueFile, schema.Agent(), schema.AgentDefinition)
}
