// Package docker implements sandbox.Runtime using local Docker containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/creack/pty"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

const (
	streamReadBufferLen = 4096
	streamRows          = 50
	streamCols          = 200
)

// Runtime implements sandbox.Runtime using the docker CLI.
type Runtime struct {
	dockerBin string
	cpus      string
	memory    string
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[string]sandbox.SessionOptions // container -> name -> session
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithResources limits each container, e.g. WithResources("4", "8g").
func WithResources(cpus, memory string) Option {
	return func(r *Runtime) {
		r.cpus = cpus
		r.memory = memory
	}
}

// WithLogger sets the runtime logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// New creates a new Docker sandbox runtime.
func New(opts ...Option) *Runtime {
	r := &Runtime{
		dockerBin: findDocker(),
		logger:    slog.Default(),
		sessions:  make(map[string]map[string]sandbox.SessionOptions),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var _ sandbox.Runtime = (*Runtime)(nil)

// findDocker locates the docker binary, checking PATH first and then
// well-known install locations (Docker Desktop on macOS, Homebrew, etc.).
func findDocker() string {
	if p, err := exec.LookPath("docker"); err == nil {
		return p
	}
	candidates := []string{
		"/Applications/Docker.app/Contents/Resources/bin/docker",
		"/usr/local/bin/docker",
		"/opt/homebrew/bin/docker",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "docker"
}

func (r *Runtime) docker(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, r.dockerBin, args...)
}

// Provision starts a long-lived container that idles until commands are
// executed in it. Returns the container ID as the handle.
func (r *Runtime) Provision(ctx context.Context, opts sandbox.ProvisionOptions) (sandbox.Handle, error) {
	if opts.Image == "" {
		return sandbox.Handle{}, errors.New("provision: image is required")
	}
	if opts.Network != "" {
		if err := r.ensureNetwork(ctx, opts.Network); err != nil {
			return sandbox.Handle{}, err
		}
	}

	output, err := r.docker(ctx, r.runArgs(opts)...).CombinedOutput()
	if err != nil {
		return sandbox.Handle{}, fmt.Errorf("starting container: %w\noutput: %s", err, string(output))
	}

	id := strings.TrimSpace(string(output))
	r.logger.Debug("container started", "session", opts.SessionID, "container", shortID(id))
	return sandbox.Handle{ID: id}, nil
}

func (r *Runtime) runArgs(opts sandbox.ProvisionOptions) []string {
	args := []string{
		"run", "-d",
		"--name", "buildbot-" + opts.SessionID,
		"--label", "buildbot.session=" + opts.SessionID,
	}
	if opts.OwnerID != "" {
		args = append(args, "--label", "buildbot.owner="+opts.OwnerID)
	}

	keys := make([]string, 0, len(opts.Labels))
	for k := range opts.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	if opts.Network != "" {
		args = append(args, "--network", opts.Network)
	}
	if r.cpus != "" {
		args = append(args, "--cpus", r.cpus)
	}
	if r.memory != "" {
		args = append(args, "--memory", r.memory)
	}
	for _, e := range opts.Env {
		args = append(args, "-e", e)
	}
	args = append(args, "-e", "BUILDBOT_SESSION_ID="+opts.SessionID)

	return append(args, "--entrypoint", "sleep", opts.Image, "infinity")
}

// ensureNetwork creates the Docker network if it doesn't exist.
func (r *Runtime) ensureNetwork(ctx context.Context, name string) error {
	if r.docker(ctx, "network", "inspect", name).Run() == nil {
		return nil
	}
	if output, err := r.docker(ctx, "network", "create", name).CombinedOutput(); err != nil {
		return fmt.Errorf("creating network %q: %w\noutput: %s", name, err, string(output))
	}
	return nil
}

// Exec runs a shell command inside the container and returns its combined
// output. A non-zero exit is reported in the result, not as an error.
func (r *Runtime) Exec(ctx context.Context, h sandbox.Handle, command, cwd string) (sandbox.ExecResult, error) {
	args := []string{"exec"}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	args = append(args, h.ID, "sh", "-c", command)

	output, err := r.docker(ctx, args...).CombinedOutput()
	if code, ok := exitCode(err); ok {
		return sandbox.ExecResult{Output: string(output), ExitCode: code}, nil
	}
	return sandbox.ExecResult{}, fmt.Errorf("exec failed: %w\noutput: %s", err, string(output))
}

// ExecStream runs command attached to a pseudo-terminal so the agent flushes
// output as it goes. Environment and working directory from the named
// session, if any, apply to the command.
func (r *Runtime) ExecStream(ctx context.Context, h sandbox.Handle, sessionName, command, cwd string, onChunk func(string)) (int, error) {
	args := []string{"exec", "-t"}

	r.mu.Lock()
	sess, ok := r.sessions[h.ID][sessionName]
	r.mu.Unlock()
	if ok {
		if cwd == "" {
			cwd = sess.Cwd
		}
		keys := make([]string, 0, len(sess.Env))
		for k := range sess.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			args = append(args, "-e", k+"="+sess.Env[k])
		}
	}
	if cwd != "" {
		args = append(args, "-w", cwd)
	}
	args = append(args, h.ID, "sh", "-c", command)

	cmd := r.docker(ctx, args...)
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: streamRows, Cols: streamCols})
	if err != nil {
		return 1, fmt.Errorf("starting exec: %w", err)
	}
	defer ptmx.Close()

	buf := make([]byte, streamReadBufferLen)
	for {
		n, readErr := ptmx.Read(buf)
		if n > 0 && onChunk != nil {
			onChunk(strings.ReplaceAll(string(buf[:n]), "\r\n", "\n"))
		}
		if readErr != nil {
			// The pty returns EIO once the process side closes.
			break
		}
	}

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return 1, ctx.Err()
	}
	if code, ok := exitCode(waitErr); ok {
		return code, nil
	}
	return 1, fmt.Errorf("waiting for exec: %w", waitErr)
}

// WriteFile streams content into path through the container's shell,
// creating parent directories.
func (r *Runtime) WriteFile(ctx context.Context, h sandbox.Handle, path, content string) error {
	script := fmt.Sprintf(`mkdir -p "$(dirname %s)" && cat > %s`, sandbox.Quote(path), sandbox.Quote(path))
	cmd := r.docker(ctx, "exec", "-i", h.ID, "sh", "-c", script)
	cmd.Stdin = strings.NewReader(content)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("writing %s: %w\noutput: %s", path, err, string(output))
	}
	return nil
}

// MakeDir creates path and its parents.
func (r *Runtime) MakeDir(ctx context.Context, h sandbox.Handle, path string) error {
	if output, err := r.docker(ctx, "exec", h.ID, "mkdir", "-p", path).CombinedOutput(); err != nil {
		return fmt.Errorf("creating directory %s: %w\noutput: %s", path, err, string(output))
	}
	return nil
}

// CreateSession records a named execution context. Docker has no native
// equivalent, so sessions live in the runtime and shape later ExecStream calls.
func (r *Runtime) CreateSession(_ context.Context, h sandbox.Handle, opts sandbox.SessionOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[h.ID] == nil {
		r.sessions[h.ID] = make(map[string]sandbox.SessionOptions)
	}
	r.sessions[h.ID][opts.Name] = opts
	return nil
}

// DeleteSession forgets a named execution context.
func (r *Runtime) DeleteSession(_ context.Context, h sandbox.Handle, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[h.ID][name]; !ok {
		return fmt.Errorf("deleting session %s: %w", name, sandbox.ErrNotFound)
	}
	delete(r.sessions[h.ID], name)
	return nil
}

// Destroy kills and removes the container. Removing a container that no
// longer exists succeeds.
func (r *Runtime) Destroy(ctx context.Context, h sandbox.Handle) error {
	r.mu.Lock()
	delete(r.sessions, h.ID)
	r.mu.Unlock()

	_ = r.docker(ctx, "kill", h.ID).Run()
	output, err := r.docker(ctx, "rm", "-f", h.ID).CombinedOutput()
	if err != nil {
		if bytes.Contains(output, []byte("No such container")) {
			return nil
		}
		return fmt.Errorf("removing container: %w\noutput: %s", err, string(output))
	}
	return nil
}

// IsRunning checks if a container is still running.
func (r *Runtime) IsRunning(ctx context.Context, h sandbox.Handle) bool {
	output, err := r.docker(ctx, "inspect", "-f", "{{.State.Running}}", h.ID).CombinedOutput()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(output)) == "true"
}

// exitCode extracts the process exit status. ok is false when err is not an
// exit status (e.g. the binary could not be started).
func exitCode(err error) (int, bool) {
	if err == nil {
		return 0, true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), true
	}
	return 0, false
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
