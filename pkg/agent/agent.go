// Package agent defines the pluggable coding agent interface for buildbot.
// Each implementation wraps a headless coding agent CLI that runs inside the
// build sandbox, one prompt per turn.
package agent

import (
	"fmt"
	"sort"
)

// CodingAgent describes how to drive one headless coding agent.
type CodingAgent interface {
	// Name returns the agent identifier (e.g. "opencode", "claude-code").
	Name() string

	// DisplayName is the human-facing name used in chat messages.
	DisplayName() string

	// Binary is the executable looked up on PATH inside the sandbox.
	Binary(s Settings) string

	// Command returns the shell command that runs one prompt in session,
	// from the repository root.
	Command(s Settings, prompt, session string) string

	// ConfigFiles returns the agent configuration to write before the first
	// prompt, keyed by absolute path.
	ConfigFiles(s Settings) (map[string]string, error)
}

// Registry holds named CodingAgent implementations.
var registry = map[string]CodingAgent{}

// Register adds a CodingAgent to the global registry.
func Register(a CodingAgent) {
	registry[a.Name()] = a
}

// Get returns a CodingAgent by name, or an error if not found.
func Get(name string) (CodingAgent, error) {
	if a, ok := registry[name]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("unknown coding agent: %q", name)
}

// Default returns the default CodingAgent (OpenCode).
func Default() CodingAgent {
	return registry["opencode"]
}

// Resolve returns the CodingAgent for the given name.
// Empty string or "auto" returns the default agent.
func Resolve(name string) CodingAgent {
	if name == "" || name == "auto" {
		return Default()
	}
	if a, ok := registry[name]; ok {
		return a
	}
	return Default()
}

// Names returns all registered agent names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register(&OpenCode{})
	Register(&ClaudeCode{})
	Register(&Codex{})
	Register(&Pi{})
}
