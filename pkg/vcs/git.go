// Package vcs runs git operations inside a sandbox.
package vcs

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jxucoder/buildbot/pkg/gitprovider"
	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// gitUser is the username paired with an installation or personal token.
const gitUser = "x-access-token"

// Author identifies the committer of a change.
type Author struct {
	Name  string
	Email string
}

// CloneOptions configures the initial checkout.
type CloneOptions struct {
	RepoURL string
	Branch  string
	Dir     string
}

// Git executes git commands through a sandbox runtime.
type Git struct {
	rt     sandbox.Runtime
	tokens gitprovider.TokenSource
	dir    string
	email  string
}

// New returns a Git operating on the working copy at sandbox.RepoPath.
// defaultEmail is used when an Author has no email.
func New(rt sandbox.Runtime, tokens gitprovider.TokenSource, defaultEmail string) *Git {
	return &Git{rt: rt, tokens: tokens, dir: sandbox.RepoPath, email: defaultEmail}
}

// run executes a command in the working copy and fails on non-zero exit.
func (g *Git) run(ctx context.Context, h sandbox.Handle, cwd, command string) (string, error) {
	res, err := g.rt.Exec(ctx, h, command, cwd)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return res.Output, fmt.Errorf("exit code %d: %s", res.ExitCode, strings.TrimSpace(redact(res.Output)))
	}
	return res.Output, nil
}

// Clone checks out opts.RepoURL at opts.Branch into opts.Dir (default: the
// sandbox repo path) using a token-bearing URL.
func (g *Git) Clone(ctx context.Context, h sandbox.Handle, opts CloneOptions) error {
	dir := opts.Dir
	if dir == "" {
		dir = g.dir
	}
	authURL, err := g.authURL(ctx, opts.RepoURL)
	if err != nil {
		return err
	}

	cmd := "git clone --depth 50"
	if opts.Branch != "" {
		cmd += " --branch " + sandbox.Quote(opts.Branch)
	}
	cmd += " " + sandbox.Quote(authURL) + " " + sandbox.Quote(dir)

	if _, err := g.run(ctx, h, "/workspace", cmd); err != nil {
		return fmt.Errorf("git clone: %w", err)
	}
	return nil
}

// Protect makes paths read-only and hides them from commits. Missing paths
// are ignored.
func (g *Git) Protect(ctx context.Context, h sandbox.Handle, paths []string) error {
	for _, p := range paths {
		q := sandbox.Quote(p)
		if _, err := g.run(ctx, h, g.dir, "chmod -R a-w "+q+" || true"); err != nil {
			return fmt.Errorf("protecting %s: %w", p, err)
		}
		if _, err := g.run(ctx, h, g.dir, "git update-index --skip-worktree "+q+" || true"); err != nil {
			return fmt.Errorf("protecting %s: %w", p, err)
		}
	}
	return nil
}

// CreateBranch creates and checks out a new branch.
func (g *Git) CreateBranch(ctx context.Context, h sandbox.Handle, name string) error {
	if _, err := g.run(ctx, h, g.dir, "git checkout -b "+sandbox.Quote(name)); err != nil {
		return fmt.Errorf("git checkout -b %s: %w", name, err)
	}
	return nil
}

// CommitAll stages every change, commits, and pushes. It returns the new
// commit SHA, or "" when there was nothing to commit and allowEmpty is false.
func (g *Git) CommitAll(ctx context.Context, h sandbox.Handle, message string, author Author, allowEmpty bool) (string, error) {
	email := author.Email
	if email == "" {
		email = g.email
	}
	if _, err := g.run(ctx, h, g.dir, "git config user.name "+sandbox.Quote(author.Name)); err != nil {
		return "", fmt.Errorf("git config: %w", err)
	}
	if _, err := g.run(ctx, h, g.dir, "git config user.email "+sandbox.Quote(email)); err != nil {
		return "", fmt.Errorf("git config: %w", err)
	}

	status, err := g.run(ctx, h, g.dir, "git status --porcelain")
	if err != nil {
		return "", fmt.Errorf("git status: %w", err)
	}
	hasChanges := strings.TrimSpace(status) != ""
	if !hasChanges && !allowEmpty {
		return "", nil
	}

	if hasChanges {
		if _, err := g.run(ctx, h, g.dir, "git add -A"); err != nil {
			return "", fmt.Errorf("git add: %w", err)
		}
	}

	commit := "git commit -m " + sandbox.Quote(message)
	if allowEmpty {
		commit = "git commit --allow-empty -m " + sandbox.Quote(message)
	}
	if _, err := g.run(ctx, h, g.dir, commit); err != nil {
		return "", fmt.Errorf("git commit: %w", err)
	}

	out, err := g.run(ctx, h, g.dir, "git rev-parse HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse: %w", err)
	}
	sha := strings.TrimSpace(out)

	if err := g.Push(ctx, h); err != nil {
		return "", err
	}
	return sha, nil
}

// Push refreshes the remote credentials and pushes HEAD to origin.
func (g *Git) Push(ctx context.Context, h sandbox.Handle) error {
	out, err := g.run(ctx, h, g.dir, "git remote get-url origin")
	if err != nil {
		return fmt.Errorf("git remote get-url: %w", err)
	}
	authURL, err := g.authURL(ctx, strings.TrimSpace(out))
	if err != nil {
		return err
	}
	if _, err := g.run(ctx, h, g.dir, "git remote set-url origin "+sandbox.Quote(authURL)); err != nil {
		return fmt.Errorf("git remote set-url: %w", err)
	}
	if _, err := g.run(ctx, h, g.dir, "git push -u origin HEAD"); err != nil {
		return fmt.Errorf("git push: %w", err)
	}
	return nil
}

// authURL embeds a fresh token in an HTTPS remote URL. SSH-style GitHub
// remotes are rewritten to HTTPS first.
func (g *Git) authURL(ctx context.Context, remote string) (string, error) {
	remote = strings.Replace(remote, "git@github.com:", "https://github.com/", 1)
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parsing remote URL: %w", err)
	}
	if g.tokens == nil {
		return u.String(), nil
	}
	token, err := g.tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining git credentials: %w", err)
	}
	u.User = url.UserPassword(gitUser, token)
	return u.String(), nil
}

// redact hides credentials embedded in URLs within command output.
func redact(s string) string {
	for {
		i := strings.Index(s, gitUser+":")
		if i < 0 {
			return s
		}
		j := strings.Index(s[i:], "@")
		if j < 0 {
			return s
		}
		s = s[:i] + "***" + s[i+j:]
	}
}
