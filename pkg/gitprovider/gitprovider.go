// Package gitprovider defines the git hosting provider interface for buildbot.
package gitprovider

import (
	"context"
	"fmt"
	"strings"
)

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo"
	Branch string // source branch
	Base   string // target branch (default: "main")
	Title  string
	Body   string
	Draft  bool
}

// Provider is the interface for git hosting operations.
type Provider interface {
	CreatePR(ctx context.Context, opts PROptions) (url string, number int, err error)
	MarkReady(ctx context.Context, repo string, number int) error
	GetDefaultBranch(ctx context.Context, repo string) (string, error)
}

// TokenSource yields a credential usable for git over HTTPS and the hosting API.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed personal access token.
type StaticToken string

// Token returns the token, or an error when it is empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", fmt.Errorf("no GitHub token configured")
	}
	return string(t), nil
}

// SplitRepo splits "owner/repo" into its parts.
func SplitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected owner/repo", fullName)
	}
	return parts[0], parts[1], nil
}

// CloneURL returns the HTTPS clone URL for "owner/repo" on github.com.
func CloneURL(fullName string) string {
	return "https://github.com/" + fullName + ".git"
}
