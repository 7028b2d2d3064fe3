package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// InstallAuto detects the install command from the repository contents.
const InstallAuto = "auto"

// Controller drives a coding agent inside a build sandbox: dependency
// install, configuration, execution session lifecycle, and prompts.
type Controller struct {
	rt         sandbox.Runtime
	agent      CodingAgent
	settings   Settings
	installCmd string
	env        map[string]string
	logger     *slog.Logger
}

// ControllerOptions configures a Controller.
type ControllerOptions struct {
	// InstallCommand runs in the repository during bootstrap. InstallAuto
	// picks one from the lockfiles present; empty skips the step.
	InstallCommand string
	// Env is passed to the agent's execution session (API keys etc.).
	Env    map[string]string
	Logger *slog.Logger
}

// NewController returns a controller for a (nil means the default agent).
func NewController(rt sandbox.Runtime, a CodingAgent, s Settings, opts ControllerOptions) *Controller {
	if a == nil {
		a = Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		rt:         rt,
		agent:      a,
		settings:   s,
		installCmd: opts.InstallCommand,
		env:        opts.Env,
		logger:     logger,
	}
}

// Name returns the agent's display name.
func (c *Controller) Name() string { return c.agent.DisplayName() }

// SessionName is the execution session the agent runs in.
func (c *Controller) SessionName() string { return c.agent.Name() + "-session" }

// Install installs the repository's dependencies.
func (c *Controller) Install(ctx context.Context, h sandbox.Handle) error {
	cmd := c.installCmd
	if cmd == InstallAuto {
		res, err := c.rt.Exec(ctx, h, sandbox.ProbeFilesCommand, sandbox.RepoPath)
		if err != nil {
			return fmt.Errorf("listing repository files: %w", err)
		}
		cmd = sandbox.DetectInstallCommand(sandbox.ParseFileList(res.Output))
		c.logger.Debug("detected install command", "sandbox", h.ID, "command", cmd)
	}
	if cmd == "" {
		return nil
	}

	res, err := c.rt.Exec(ctx, h, cmd, sandbox.RepoPath)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	if !res.OK() {
		return fmt.Errorf("%s exited with code %d: %s", cmd, res.ExitCode, tail(res.Output, 500))
	}
	return nil
}

// Configure writes the agent's configuration files.
func (c *Controller) Configure(ctx context.Context, h sandbox.Handle) error {
	files, err := c.agent.ConfigFiles(c.settings)
	if err != nil {
		return err
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := c.rt.MakeDir(ctx, h, path.Dir(p)); err != nil {
			return fmt.Errorf("configuring %s: %w", c.agent.Name(), err)
		}
		if err := c.rt.WriteFile(ctx, h, p, files[p]); err != nil {
			return fmt.Errorf("configuring %s: %w", c.agent.Name(), err)
		}
	}
	return nil
}

// StartSession creates the execution session prompts run in.
func (c *Controller) StartSession(ctx context.Context, h sandbox.Handle) error {
	return c.rt.CreateSession(ctx, h, sandbox.SessionOptions{
		Name: c.SessionName(),
		Cwd:  sandbox.RepoPath,
		Env:  c.env,
	})
}

// Prompt runs one instruction and streams the agent's output to onChunk,
// preceded by a few diagnostic lines. It returns the agent's exit code.
func (c *Controller) Prompt(ctx context.Context, h sandbox.Handle, text string, onChunk func(string)) (int, error) {
	name := c.agent.Name()
	bin := c.agent.Binary(c.settings)
	command := c.agent.Command(c.settings, text, c.SessionName())

	emit := func(format string, args ...any) {
		if onChunk != nil {
			onChunk(fmt.Sprintf("[%s] ", name) + fmt.Sprintf(format, args...) + "\n")
		}
	}

	emit("PATH prefix: %s", c.settings.PathPrefix)
	emit("command: %s", command)

	which := fmt.Sprintf(`PATH="%s:$PATH" which %s`, c.settings.PathPrefix, bin)
	if res, err := c.rt.Exec(ctx, h, which, sandbox.RepoPath); err != nil {
		emit("which lookup failed: %v", err)
	} else {
		found := strings.TrimSpace(res.Output)
		if found == "" {
			found = "(not found)"
		}
		emit("which %s: %s", bin, found)
	}

	exitCode, err := c.rt.ExecStream(ctx, h, c.SessionName(), command, sandbox.RepoPath, onChunk)
	if err != nil {
		return exitCode, fmt.Errorf("running %s: %w", name, err)
	}
	emit("exit code: %d", exitCode)
	return exitCode, nil
}

// Cleanup removes the execution session. A session that is already gone is
// not an error.
func (c *Controller) Cleanup(ctx context.Context, h sandbox.Handle) error {
	err := c.rt.DeleteSession(ctx, h, c.SessionName())
	if err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return err
	}
	return nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
