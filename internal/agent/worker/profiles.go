package worker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolProfile is a named pair of allowed/disallowed tool sets passed to the
// CLI on spawn.
type ToolProfile struct {
	Allowed    []string `yaml:"allowed"`
	Disallowed []string `yaml:"disallowed"`
}

// ToolProfiles is the on-disk registry of tool profiles.
//
//	default: restricted
//	profiles:
//	  restricted:
//	    allowed: [Read, Glob, Grep]
//	    disallowed: [Bash]
type ToolProfiles struct {
	Default  string                  `yaml:"default"`
	Profiles map[string]*ToolProfile `yaml:"profiles"`
}

// LoadToolProfiles reads a YAML tool profile registry from disk.
func LoadToolProfiles(path string) (*ToolProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool profiles: %w", err)
	}

	var profiles ToolProfiles
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("failed to parse tool profiles: %w", err)
	}

	if profiles.Default != "" {
		if _, ok := profiles.Profiles[profiles.Default]; !ok {
			return nil, fmt.Errorf("default tool profile %q is not defined", profiles.Default)
		}
	}

	return &profiles, nil
}

// Get returns the named profile, or the default profile when name is empty.
// Returns nil when no profile matches.
func (p *ToolProfiles) Get(name string) *ToolProfile {
	if p == nil {
		return nil
	}
	if name == "" {
		name = p.Default
	}
	if name == "" {
		return nil
	}
	return p.Profiles[name]
}
