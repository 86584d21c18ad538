package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ajaxzhan/localsandbox/pkg/types"
)

// LocalConfig is the user's local config file. It is written as JSON, which
// the YAML decoder reads as a subset.
type LocalConfig struct {
	// RegistryImages maps an agent type to a fully qualified registry image.
	RegistryImages map[string]string `yaml:"registryImages"`
	// RegistryAccount is a remembered registry account name.
	RegistryAccount string `yaml:"registryAccount"`
}

// RegistryImage returns the per-agent registry override, if any.
func (l *LocalConfig) RegistryImage(agent types.AgentType) (string, bool) {
	if l == nil || l.RegistryImages == nil {
		return "", false
	}
	ref, ok := l.RegistryImages[string(agent)]
	return ref, ok && ref != ""
}

// LoadLocal reads the local config file.
func LoadLocal(path string) (*LocalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	local := &LocalConfig{}
	if err := yaml.Unmarshal(data, local); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return local, nil
}

// LoadLocalOrEmpty loads the local config file, or returns an empty config
// if the path is unset or the file doesn't exist.
func LoadLocalOrEmpty(path string) (*LocalConfig, error) {
	if path == "" {
		return &LocalConfig{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &LocalConfig{}, nil
	}
	return LoadLocal(path)
}
