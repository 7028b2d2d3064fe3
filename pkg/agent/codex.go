package agent

import (
	"fmt"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// Codex wraps the OpenAI Codex CLI agent.
// Codex supports OpenAI models only and is Apache 2.0 licensed.
type Codex struct{}

func (a *Codex) Name() string        { return "codex" }
func (a *Codex) DisplayName() string { return "Codex" }

func (a *Codex) Binary(s Settings) string {
	if s.Bin != "" {
		return s.Bin
	}
	return "codex"
}

func (a *Codex) Command(s Settings, prompt, _ string) string {
	return fmt.Sprintf(`cd %s && PATH="%s:$PATH" %s exec --full-auto %s 2>&1`,
		sandbox.RepoPath, s.PathPrefix, a.Binary(s), sandbox.Quote(prompt))
}

func (a *Codex) ConfigFiles(s Settings) (map[string]string, error) {
	if s.Model == "" {
		return nil, nil
	}
	return map[string]string{"/root/.codex/config.toml": fmt.Sprintf("model = %q\n", s.Model)}, nil
}
