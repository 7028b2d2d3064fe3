package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/buildbot/pkg/sandbox"
)

// ---------------------------------------------------------------------------
// Fake sandbox service
// ---------------------------------------------------------------------------

type fakeService struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]map[string]any
	stream   string
	gone     map[string]bool
}

func newFakeService() *fakeService {
	return &fakeService{bodies: map[string]map[string]any{}, gone: map[string]bool{}}
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer secret" {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	key := r.Method + " " + r.URL.Path
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.requests = append(f.requests, key)
	f.bodies[key] = body
	f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/exec/stream"):
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, f.stream)
	case strings.HasSuffix(r.URL.Path, "/exec"):
		json.NewEncoder(w).Encode(map[string]any{
			"stdout": "out", "stderr": "warn", "exitCode": 3, "success": false,
		})
	case r.Method == http.MethodDelete && strings.Count(r.URL.Path, "/") == 2:
		f.mu.Lock()
		gone := f.gone[r.URL.Path]
		f.gone[r.URL.Path] = true
		f.mu.Unlock()
		if gone {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	case strings.Contains(r.URL.Path, "/session/missing"):
		http.Error(w, "no such session", http.StatusNotFound)
	case strings.HasSuffix(r.URL.Path, "/mkdir") && body["path"] == "/forbidden":
		http.Error(w, "permission denied", http.StatusInternalServerError)
	default:
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}
}

func newTestClient(t *testing.T) (*Client, *fakeService) {
	t.Helper()
	svc := newFakeService()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", "secret"), svc
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestProvision_DerivesID(t *testing.T) {
	c, svc := newTestClient(t)
	h, err := c.Provision(context.Background(), sandbox.ProvisionOptions{SessionID: "build-01", OwnerID: "U42"})
	require.NoError(t, err)
	assert.Equal(t, "build-01-U42", h.ID)
	assert.Empty(t, svc.requests, "provision is lazy")

	_, err = c.Provision(context.Background(), sandbox.ProvisionOptions{})
	assert.Error(t, err)
}

func TestExec_CombinesOutput(t *testing.T) {
	c, svc := newTestClient(t)
	res, err := c.Exec(context.Background(), sandbox.Handle{ID: "sb"}, "ls", "")
	require.NoError(t, err)
	assert.Equal(t, "out\nwarn", res.Output)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.OK())
	assert.Equal(t, "/workspace", svc.bodies["POST /sandbox/sb/exec"]["cwd"])
}

func TestExecStream_ParsesFrames(t *testing.T) {
	c, svc := newTestClient(t)
	svc.stream = "data: {\"type\":\"stdout\",\"data\":\"hello \"}\n\n" +
		"data: not json\n\n" +
		": comment\n\n" +
		"data: {\"type\":\"stderr\",\"data\":\"world\"}\n\n" +
		"data: {\"type\":\"exit\",\"exitCode\":0}\n\n"

	var chunks []string
	code, err := c.ExecStream(context.Background(), sandbox.Handle{ID: "sb"}, "s", "run", "", func(s string) {
		chunks = append(chunks, s)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"hello ", "world"}, chunks)
	assert.Equal(t, sandbox.RepoPath, svc.bodies["POST /sandbox/sb/exec/stream"]["cwd"])
}

func TestExecStream_NoExitFrameDefaultsToOne(t *testing.T) {
	c, svc := newTestClient(t)
	svc.stream = "data: {\"type\":\"stdout\",\"data\":\"partial\"}"

	var got string
	code, err := c.ExecStream(context.Background(), sandbox.Handle{ID: "sb"}, "s", "run", "", func(s string) { got += s })
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Equal(t, "partial", got)
}

func TestExecStream_ErrorFrame(t *testing.T) {
	c, svc := newTestClient(t)
	svc.stream = "data: {\"type\":\"error\",\"error\":\"boom\"}\n\n"

	var got string
	code, err := c.ExecStream(context.Background(), sandbox.Handle{ID: "sb"}, "s", "run", "", func(s string) { got += s })
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, got, "boom")
}

func TestAPIError(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.MakeDir(context.Background(), sandbox.Handle{ID: "sb"}, "/forbidden")
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Contains(t, err.Error(), "sandbox API error: 500 - permission denied")
}

func TestCreateSession_MergesProvisionEnv(t *testing.T) {
	c, svc := newTestClient(t)
	h, err := c.Provision(context.Background(), sandbox.ProvisionOptions{
		SessionID: "build-01",
		Env:       []string{"OPENCODE_API_KEY=k", "MALFORMED"},
	})
	require.NoError(t, err)

	err = c.CreateSession(context.Background(), h, sandbox.SessionOptions{
		Name: "opencode-session", Cwd: sandbox.RepoPath, Env: map[string]string{"EXTRA": "1"},
	})
	require.NoError(t, err)

	body := svc.bodies["POST /sandbox/build-01/session"]
	assert.Equal(t, "opencode-session", body["sessionId"])
	env := body["env"].(map[string]any)
	assert.Equal(t, "k", env["OPENCODE_API_KEY"])
	assert.Equal(t, "1", env["EXTRA"])
	assert.NotContains(t, env, "MALFORMED")
}

func TestDeleteSession_Missing(t *testing.T) {
	c, _ := newTestClient(t)
	err := c.DeleteSession(context.Background(), sandbox.Handle{ID: "sb"}, "missing")
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
}

func TestDestroy_Idempotent(t *testing.T) {
	c, svc := newTestClient(t)
	h := sandbox.Handle{ID: "sb"}
	require.NoError(t, c.Destroy(context.Background(), h))
	require.NoError(t, c.Destroy(context.Background(), h))
	assert.Equal(t, []string{"DELETE /sandbox/sb", "DELETE /sandbox/sb"}, svc.requests)
}

func TestUnauthorized(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(svc)
	defer srv.Close()

	c := New(srv.URL, "wrong")
	err := c.WriteFile(context.Background(), sandbox.Handle{ID: "sb"}, "/f", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func TestScanFrames(t *testing.T) {
	adv, tok, err := scanFrames([]byte("a\n\nb"), false)
	require.NoError(t, err)
	assert.Equal(t, 3, adv)
	assert.Equal(t, "a", string(tok))

	adv, tok, _ = scanFrames([]byte("b"), false)
	assert.Equal(t, 0, adv)
	assert.Nil(t, tok)

	adv, tok, _ = scanFrames([]byte("b"), true)
	assert.Equal(t, 1, adv)
	assert.Equal(t, "b", string(tok))
}
