// Package sandbox defines the Runtime interface for remote build sandboxes.
package sandbox

import (
	"context"
	"errors"
	"strings"
)

// RepoPath is the working copy location inside every sandbox.
const RepoPath = "/workspace/repo"

// ErrNotFound is returned when the sandbox or execution session does not exist.
var ErrNotFound = errors.New("sandbox: not found")

// Handle identifies a provisioned sandbox. It is opaque to callers.
type Handle struct {
	ID string
}

// ProvisionOptions configures a new sandbox.
type ProvisionOptions struct {
	SessionID string
	OwnerID   string            // requester identity, part of remote sandbox ids
	Image     string            // container image (docker backend)
	Network   string            // container network (docker backend)
	Env       []string          // KEY=VALUE pairs visible to every command
	Labels    map[string]string // metadata attached to the sandbox
}

// ExecResult is the outcome of a synchronous command.
type ExecResult struct {
	Output   string // stdout, followed by stderr when present
	ExitCode int
}

// OK reports whether the command exited zero.
func (r ExecResult) OK() bool { return r.ExitCode == 0 }

// SessionOptions configures a named execution session inside a sandbox.
type SessionOptions struct {
	Name string
	Cwd  string
	Env  map[string]string
}

// Runtime provisions sandboxes and runs commands inside them.
//
// Destroy must tolerate being called more than once for the same handle.
type Runtime interface {
	Provision(ctx context.Context, opts ProvisionOptions) (Handle, error)
	Exec(ctx context.Context, h Handle, command, cwd string) (ExecResult, error)
	// ExecStream runs command and delivers output chunks to onChunk in order
	// as they arrive. It returns the process exit code.
	ExecStream(ctx context.Context, h Handle, sessionName, command, cwd string, onChunk func(string)) (int, error)
	WriteFile(ctx context.Context, h Handle, path, content string) error
	MakeDir(ctx context.Context, h Handle, path string) error
	CreateSession(ctx context.Context, h Handle, opts SessionOptions) error
	DeleteSession(ctx context.Context, h Handle, name string) error
	Destroy(ctx context.Context, h Handle) error
}

// Quote single-quotes s for a POSIX shell.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
