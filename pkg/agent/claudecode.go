package agent

import (
	"encoding/json"
	"fmt"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// ClaudeCode wraps the Claude Code CLI agent.
// Claude Code supports Anthropic models only and is proprietary.
type ClaudeCode struct{}

func (a *ClaudeCode) Name() string        { return "claude-code" }
func (a *ClaudeCode) DisplayName() string { return "Claude Code" }

func (a *ClaudeCode) Binary(s Settings) string {
	if s.Bin != "" {
		return s.Bin
	}
	return "claude"
}

// Command continues the most recent conversation so later turns keep context.
func (a *ClaudeCode) Command(s Settings, prompt, _ string) string {
	return fmt.Sprintf(`cd %s && PATH="%s:$PATH" %s --print --continue --dangerously-skip-permissions %s 2>&1`,
		sandbox.RepoPath, s.PathPrefix, a.Binary(s), sandbox.Quote(prompt))
}

func (a *ClaudeCode) ConfigFiles(s Settings) (map[string]string, error) {
	if s.Model == "" {
		return nil, nil
	}
	data, err := json.MarshalIndent(map[string]string{"model": s.Model}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding claude settings: %w", err)
	}
	return map[string]string{"/root/.claude/settings.json": string(data)}, nil
}
