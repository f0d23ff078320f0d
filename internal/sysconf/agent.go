package sysconf

import (
	"fmt"

	"github.com/canonical/maas-sub025/internal/model"
	"gopkg.in/yaml.v3"
)

// RenderAgent encodes the agent configuration as YAML
func RenderAgent(cfg model.AgentConfiguration) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode agent config: %w", err)
	}
	return data, nil
}

// WriteAgent writes the agent configuration. The file holds the rack
// identity, so it is private to the owner.
func WriteAgent(path string, cfg model.AgentConfiguration) (bool, error) {
	data, err := RenderAgent(cfg)
	if err != nil {
		return false, err
	}
	return WriteFile(path, data, 0o600)
}

// ReadAgent loads a previously written agent configuration
func ReadAgent(data []byte) (model.AgentConfiguration, error) {
	var cfg model.AgentConfiguration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode agent config: %w", err)
	}
	return cfg, nil
}
