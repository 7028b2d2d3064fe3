package agent

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings configures the coding agent. The JSON form is what OpenCode reads
// from its config file; the remaining fields control how it is invoked.
type Settings struct {
	Model      string            `yaml:"model" json:"model,omitempty"`
	SmallModel string            `yaml:"small_model" json:"small_model,omitempty"`
	Permission map[string]string `yaml:"permission" json:"permission,omitempty"`

	Bin        string `yaml:"bin" json:"-"`
	PathPrefix string `yaml:"path_prefix" json:"-"`
	RunFlags   string `yaml:"run_flags" json:"-"`
}

// DefaultSettings grants the agent every permission it asks for; the sandbox
// is the isolation boundary.
func DefaultSettings() Settings {
	return Settings{
		Model:      "opencode/gemini-3-pro",
		SmallModel: "opencode/claude-haiku-4-5",
		Permission: map[string]string{
			"edit":               "allow",
			"bash":               "allow",
			"webfetch":           "allow",
			"external_directory": "allow",
			"doom_loop":          "allow",
		},
		PathPrefix: "/root/.opencode/bin:/root/.local/bin",
		RunFlags:   "--print-logs --log-level DEBUG --format json",
	}
}

// LoadSettings reads a YAML settings file and overlays it on the defaults.
// An empty path returns the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("reading agent settings: %w", err)
	}

	var override Settings
	if err := yaml.Unmarshal(data, &override); err != nil {
		return s, fmt.Errorf("parsing agent settings %s: %w", path, err)
	}
	return s.Merge(override), nil
}

// Merge returns s with every non-empty field of o applied on top.
// Permission entries are merged key by key.
func (s Settings) Merge(o Settings) Settings {
	if o.Model != "" {
		s.Model = o.Model
	}
	if o.SmallModel != "" {
		s.SmallModel = o.SmallModel
	}
	if o.Bin != "" {
		s.Bin = o.Bin
	}
	if o.PathPrefix != "" {
		s.PathPrefix = o.PathPrefix
	}
	if o.RunFlags != "" {
		s.RunFlags = o.RunFlags
	}
	if len(o.Permission) > 0 {
		merged := make(map[string]string, len(s.Permission)+len(o.Permission))
		for k, v := range s.Permission {
			merged[k] = v
		}
		for k, v := range o.Permission {
			merged[k] = v
		}
		s.Permission = merged
	}
	return s
}
