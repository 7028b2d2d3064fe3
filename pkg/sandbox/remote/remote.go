// Package remote implements sandbox.Runtime against a container-sandbox HTTP
// service. Each sandbox is addressed as /sandbox/{id}; the service creates it
// lazily on first use.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// Client talks to the sandbox service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger

	mu  sync.Mutex
	env map[string]map[string]string // sandbox id -> env passed at session creation
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the service at baseURL, authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Streaming execs run for as long as the agent does; rely on contexts.
		http:   &http.Client{Timeout: 0},
		logger: slog.Default(),
		env:    make(map[string]map[string]string),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ sandbox.Runtime = (*Client)(nil)

// APIError is a non-2xx response from the sandbox service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sandbox API error: %d - %s", e.StatusCode, e.Body)
}

// Provision derives the sandbox id from the session and owner. No request is
// made; the service materializes the sandbox on the first operation.
func (c *Client) Provision(_ context.Context, opts sandbox.ProvisionOptions) (sandbox.Handle, error) {
	if opts.SessionID == "" {
		return sandbox.Handle{}, errors.New("provision: session id is required")
	}
	id := opts.SessionID
	if opts.OwnerID != "" {
		id += "-" + opts.OwnerID
	}

	if len(opts.Env) > 0 {
		env := make(map[string]string, len(opts.Env))
		for _, kv := range opts.Env {
			if k, v, ok := strings.Cut(kv, "="); ok {
				env[k] = v
			}
		}
		c.mu.Lock()
		c.env[id] = env
		c.mu.Unlock()
	}
	return sandbox.Handle{ID: id}, nil
}

type execRequest struct {
	Command string `json:"command"`
	Cwd     string `json:"cwd,omitempty"`
}

type execResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

// Exec runs a command and waits for it to finish.
func (c *Client) Exec(ctx context.Context, h sandbox.Handle, command, cwd string) (sandbox.ExecResult, error) {
	if cwd == "" {
		cwd = "/workspace"
	}
	var resp execResponse
	if err := c.do(ctx, http.MethodPost, h.ID, "/exec", execRequest{Command: command, Cwd: cwd}, &resp); err != nil {
		return sandbox.ExecResult{}, fmt.Errorf("exec: %w", err)
	}
	out := resp.Stdout
	if resp.Stderr != "" {
		out += "\n" + resp.Stderr
	}
	return sandbox.ExecResult{Output: out, ExitCode: resp.ExitCode}, nil
}

// streamFrame is one server-sent event from /exec/stream.
type streamFrame struct {
	Type     string `json:"type"` // "stdout", "stderr", "exit", "error"
	Data     string `json:"data"`
	ExitCode int    `json:"exitCode"`
	Error    string `json:"error"`
}

// ExecStream runs a command and forwards stdout/stderr frames to onChunk.
// Without an exit frame the exit code is 1. Malformed frames are skipped.
func (c *Client) ExecStream(ctx context.Context, h sandbox.Handle, _ string, command, cwd string, onChunk func(string)) (int, error) {
	if cwd == "" {
		cwd = sandbox.RepoPath
	}
	req, err := c.newRequest(ctx, http.MethodPost, h.ID, "/exec/stream", execRequest{Command: command, Cwd: cwd})
	if err != nil {
		return 1, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return 1, fmt.Errorf("starting streaming execution: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 1, fmt.Errorf("starting streaming execution: %w", readAPIError(resp))
	}

	exitCode := 1
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	scanner.Split(scanFrames)

	for scanner.Scan() {
		frame, ok := parseFrame(scanner.Text())
		if !ok {
			continue
		}
		switch frame.Type {
		case "stdout", "stderr":
			if onChunk != nil && frame.Data != "" {
				onChunk(frame.Data)
			}
		case "exit":
			exitCode = frame.ExitCode
		case "error":
			c.logger.Warn("sandbox stream error", "sandbox", h.ID, "err", frame.Error)
			if onChunk != nil && frame.Error != "" {
				onChunk("[sandbox] " + frame.Error + "\n")
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return exitCode, ctx.Err()
		}
		return exitCode, fmt.Errorf("reading execution stream: %w", err)
	}
	return exitCode, nil
}

// WriteFile writes content to path inside the sandbox.
func (c *Client) WriteFile(ctx context.Context, h sandbox.Handle, path, content string) error {
	body := map[string]string{"path": path, "content": content}
	if err := c.do(ctx, http.MethodPost, h.ID, "/file/write", body, nil); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// MakeDir creates path and its parents.
func (c *Client) MakeDir(ctx context.Context, h sandbox.Handle, path string) error {
	body := map[string]any{"path": path, "recursive": true}
	if err := c.do(ctx, http.MethodPost, h.ID, "/mkdir", body, nil); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	return nil
}

// CreateSession opens a named execution session. Env given at provision time
// is merged under the session's own env.
func (c *Client) CreateSession(ctx context.Context, h sandbox.Handle, opts sandbox.SessionOptions) error {
	env := map[string]string{}
	c.mu.Lock()
	for k, v := range c.env[h.ID] {
		env[k] = v
	}
	c.mu.Unlock()
	for k, v := range opts.Env {
		env[k] = v
	}

	body := map[string]any{"sessionId": opts.Name, "cwd": opts.Cwd, "env": env}
	if err := c.do(ctx, http.MethodPost, h.ID, "/session", body, nil); err != nil {
		return fmt.Errorf("creating session %s: %w", opts.Name, err)
	}
	return nil
}

// DeleteSession removes a named execution session.
func (c *Client) DeleteSession(ctx context.Context, h sandbox.Handle, name string) error {
	err := c.do(ctx, http.MethodDelete, h.ID, "/session/"+name, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("deleting session %s: %w", name, sandbox.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", name, err)
	}
	return nil
}

// Destroy tears the sandbox down. A sandbox that is already gone is not an error.
func (c *Client) Destroy(ctx context.Context, h sandbox.Handle) error {
	c.mu.Lock()
	delete(c.env, h.ID)
	c.mu.Unlock()

	err := c.do(ctx, http.MethodDelete, h.ID, "", nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("destroying sandbox %s: %w", h.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, id, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/sandbox/"+id+path, r)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, id, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, id, path, body)
	if err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("sandbox request",
		"method", method, "sandbox", id, "path", path,
		"status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
}

// scanFrames splits an event stream on blank lines.
func scanFrames(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.Index(data, []byte("\n\n")); i >= 0 {
		return i + 2, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// parseFrame decodes the data line of one event. Frames without a data line
// or with invalid JSON are rejected.
func parseFrame(raw string) (streamFrame, bool) {
	var payload string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			payload += strings.TrimPrefix(rest, " ")
		}
	}
	if payload == "" {
		return streamFrame{}, false
	}
	var f streamFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return streamFrame{}, false
	}
	return f, true
}
