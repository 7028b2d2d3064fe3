package agent

import (
	"fmt"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// Pi wraps the Pi CLI agent.
// Pi is model-agnostic (15+ providers), MIT licensed, and produces rich JSONL output.
type Pi struct{}

func (a *Pi) Name() string        { return "pi" }
func (a *Pi) DisplayName() string { return "Pi" }

func (a *Pi) Binary(s Settings) string {
	if s.Bin != "" {
		return s.Bin
	}
	return "pi"
}

func (a *Pi) Command(s Settings, prompt, _ string) string {
	return fmt.Sprintf(`cd %s && PATH="%s:$PATH" %s -p %s --mode json 2>&1`,
		sandbox.RepoPath, s.PathPrefix, a.Binary(s), sandbox.Quote(prompt))
}

func (a *Pi) ConfigFiles(Settings) (map[string]string, error) { return nil, nil }
