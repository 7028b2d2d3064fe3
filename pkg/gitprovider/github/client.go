// Package github implements gitprovider.Provider using the GitHub API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/buildbot/pkg/gitprovider"
)

// Client wraps the GitHub API for buildbot operations.
type Client struct {
	gh *gogh.Client
}

// Option customizes a Client or AppTokenSource.
type Option func(*gogh.Client)

// WithBaseURL points the client at a different API root (GitHub Enterprise
// or a test server).
func WithBaseURL(base string) Option {
	return func(c *gogh.Client) {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		if u, err := url.Parse(base); err == nil {
			c.BaseURL = u
		}
	}
}

// New creates a GitHub client authenticated with a fixed token.
func New(token string, opts ...Option) *Client {
	return NewWithTokenSource(gitprovider.StaticToken(token), opts...)
}

// NewWithTokenSource creates a client that asks src for a token on every
// request, so short-lived installation tokens are refreshed transparently.
func NewWithTokenSource(src gitprovider.TokenSource, opts ...Option) *Client {
	hc := &http.Client{Transport: &tokenTransport{src: src, base: http.DefaultTransport}}
	gh := gogh.NewClient(hc)
	for _, o := range opts {
		o(gh)
	}
	return &Client{gh: gh}
}

var _ gitprovider.Provider = (*Client)(nil)

// CreatePR opens a pull request and returns the PR URL and number.
func (c *Client) CreatePR(ctx context.Context, opts gitprovider.PROptions) (string, int, error) {
	owner, repo, err := gitprovider.SplitRepo(opts.Repo)
	if err != nil {
		return "", 0, err
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
		Draft: gogh.Ptr(opts.Draft),
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating pull request: %w", err)
	}

	return pr.GetHTMLURL(), pr.GetNumber(), nil
}

const markReadyMutation = `mutation($id: ID!) {
  markPullRequestReadyForReview(input: {pullRequestId: $id}) {
    pullRequest { isDraft }
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// MarkReady takes a pull request out of draft. The REST API cannot clear the
// draft flag, so this goes through the GraphQL endpoint. A PR that is already
// ready is left alone.
func (c *Client) MarkReady(ctx context.Context, repoFullName string, number int) error {
	owner, repo, err := gitprovider.SplitRepo(repoFullName)
	if err != nil {
		return err
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return fmt.Errorf("getting pull request: %w", err)
	}
	if !pr.GetDraft() {
		return nil
	}

	req, err := c.gh.NewRequest(http.MethodPost, "graphql", graphQLRequest{
		Query:     markReadyMutation,
		Variables: map[string]any{"id": pr.GetNodeID()},
	})
	if err != nil {
		return fmt.Errorf("building ready-for-review request: %w", err)
	}

	var out graphQLResponse
	if _, err := c.gh.Do(ctx, req, &out); err != nil {
		return fmt.Errorf("marking pull request ready: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			msgs[i] = e.Message
		}
		return fmt.Errorf("marking pull request ready: %s", strings.Join(msgs, "; "))
	}
	return nil
}

// GetDefaultBranch returns the default branch for a repository.
func (c *Client) GetDefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	owner, repo, err := gitprovider.SplitRepo(repoFullName)
	if err != nil {
		return "", err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}

	return r.GetDefaultBranch(), nil
}

// tokenTransport authenticates each request with a token from src.
type tokenTransport struct {
	src  gitprovider.TokenSource
	base http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.src.Token(req.Context())
	if err != nil {
		return nil, fmt.Errorf("obtaining GitHub token: %w", err)
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(r)
}
