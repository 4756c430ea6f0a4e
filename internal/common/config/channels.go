package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelSpec declares one channel and its retention policy.
type ChannelSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MaxMessages int64  `yaml:"max_messages"`
	MaxAgeMs    int64  `yaml:"max_age_ms"`
}

// MaxAge returns the channel retention as a time.Duration.
func (c *ChannelSpec) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMs) * time.Millisecond
}

// channelsFile is the on-disk shape of the declarative channels file.
type channelsFile struct {
	Channels []ChannelSpec `yaml:"channels"`
}

// ChannelNamePattern is the allowed channel identifier form: lowercase kebab.
var ChannelNamePattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// DefaultChannelSpecs returns the channels every project starts with.
func DefaultChannelSpecs(defaults ChannelsConfig) []ChannelSpec {
	specs := []ChannelSpec{
		{Name: "roadmap", Description: "High-level planning and milestone coordination"},
		{Name: "parallel-work", Description: "Coordination between agents working concurrently"},
		{Name: "errors", Description: "Failures and blockers that need attention"},
	}
	for i := range specs {
		specs[i].MaxMessages = defaults.DefaultMaxMessages
		specs[i].MaxAgeMs = defaults.DefaultMaxAgeMs
	}
	return specs
}

// LoadChannelSpecs returns the channel set for a project: the defaults,
// overlaid with any declarative channels file. A channel in the file with the
// same name as a default replaces it; new names are appended.
func LoadChannelSpecs(cfg ChannelsConfig) ([]ChannelSpec, error) {
	specs := DefaultChannelSpecs(cfg)
	if cfg.ConfigPath == "" {
		return specs, nil
	}

	data, err := os.ReadFile(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading channels config %s: %w", cfg.ConfigPath, err)
	}

	var file channelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing channels config %s: %w", cfg.ConfigPath, err)
	}

	byName := make(map[string]int, len(specs))
	for i, s := range specs {
		byName[s.Name] = i
	}

	for _, declared := range file.Channels {
		if !ChannelNamePattern.MatchString(declared.Name) {
			return nil, fmt.Errorf("channel name %q must match %s", declared.Name, ChannelNamePattern)
		}
		if declared.MaxMessages == 0 {
			declared.MaxMessages = cfg.DefaultMaxMessages
		}
		if declared.MaxAgeMs == 0 {
			declared.MaxAgeMs = cfg.DefaultMaxAgeMs
		}
		if i, ok := byName[declared.Name]; ok {
			specs[i] = declared
			continue
		}
		byName[declared.Name] = len(specs)
		specs = append(specs, declared)
	}

	return specs, nil
}
