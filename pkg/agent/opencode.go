package agent

import (
	"encoding/json"
	"fmt"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

const (
	openCodeConfigPath    = "/root/.opencode/config.json"
	openCodeXDGConfigPath = "/root/.config/opencode/opencode.json"
)

// OpenCode wraps the OpenCode CLI agent.
// OpenCode is model-agnostic (15+ providers) and MIT licensed.
type OpenCode struct{}

func (a *OpenCode) Name() string        { return "opencode" }
func (a *OpenCode) DisplayName() string { return "OpenCode" }

func (a *OpenCode) Binary(s Settings) string {
	if s.Bin != "" {
		return s.Bin
	}
	return "opencode"
}

func (a *OpenCode) Command(s Settings, prompt, session string) string {
	return fmt.Sprintf(`cd %s && PATH="%s:$PATH" %s run %s --session %s %s`,
		sandbox.RepoPath, s.PathPrefix, a.Binary(s), s.RunFlags, session, sandbox.Quote(prompt))
}

// ConfigFiles writes the same config to the legacy and XDG locations; which
// one is read depends on the installed OpenCode version.
func (a *OpenCode) ConfigFiles(s Settings) (map[string]string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding opencode config: %w", err)
	}
	return map[string]string{
		openCodeConfigPath:    string(data),
		openCodeXDGConfigPath: string(data),
	}, nil
}
