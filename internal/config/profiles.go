package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentProfile is a static, operator-facing description of an agent's
// declared capabilities. The core never interprets Capabilities beyond
// display — matching the registry's Agent.Capabilities field, which is
// populated from an agent's own agent.register message, not this file.
type AgentProfile struct {
	Name         string            `yaml:"name"`
	Capabilities map[string]string `yaml:"capabilities"`
	Notes        string            `yaml:"notes,omitempty"`
}

// ProfileSet is the top-level shape of a configs/*.yaml profile file.
type ProfileSet struct {
	Profiles []AgentProfile `yaml:"profiles"`
}

// LoadProfiles reads and parses a profile file, adapted from
// internal/agents/config.go's LoadTeamsConfig.
func LoadProfiles(path string) (*ProfileSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read profiles %s: %w", path, err)
	}
	var set ProfileSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("config: parse profiles %s: %w", path, err)
	}
	return &set, nil
}

// Find returns the profile with the given name, or nil.
func (s *ProfileSet) Find(name string) *AgentProfile {
	for i := range s.Profiles {
		if s.Profiles[i].Name == name {
			return &s.Profiles[i]
		}
	}
	return nil
}
