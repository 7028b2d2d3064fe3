package github

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jxucoder/buildbot/pkg/gitprovider"
)

// ---------------------------------------------------------------------------
// Fake GitHub API
// ---------------------------------------------------------------------------

type fakeGitHub struct {
	*httptest.Server
	tokenCalls   atomic.Int32
	lastAuth     atomic.Value
	lastAppAuth  atomic.Value
	createdDraft atomic.Bool
	graphqlBody  atomic.Value
	draft        bool
	graphqlError string
	expiresIn    time.Duration
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{draft: true, expiresIn: time.Hour}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /app/installations/{id}/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		n := f.tokenCalls.Add(1)
		f.lastAppAuth.Store(r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_" + string(rune('0'+n)),
			"expires_at": time.Now().Add(f.expiresIn).UTC().Format(time.RFC3339),
		})
	})
	mux.HandleFunc("POST /repos/{owner}/{repo}/pulls", func(w http.ResponseWriter, r *http.Request) {
		f.lastAuth.Store(r.Header.Get("Authorization"))
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.createdDraft.Store(body["draft"] == true)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"number":   7,
			"html_url": "https://github.com/o/r/pull/7",
		})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}/pulls/{n}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"number": 7, "draft": f.draft, "node_id": "PR_node7"})
	})
	mux.HandleFunc("POST /graphql", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		f.graphqlBody.Store(body)
		if f.graphqlError != "" {
			json.NewEncoder(w).Encode(map[string]any{"errors": []map[string]string{{"message": f.graphqlError}}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{}})
	})
	mux.HandleFunc("GET /repos/{owner}/{repo}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"default_branch": "trunk"})
	})

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func testKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, string(pemBytes)
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

func TestCreatePR_Draft(t *testing.T) {
	gh := newFakeGitHub(t)
	c := New("ghp_test", WithBaseURL(gh.URL))

	url, num, err := c.CreatePR(context.Background(), gitprovider.PROptions{
		Repo: "o/r", Branch: "build/x", Title: "Build: x", Body: "b", Draft: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://github.com/o/r/pull/7", url)
	assert.Equal(t, 7, num)
	assert.True(t, gh.createdDraft.Load())
	assert.Equal(t, "Bearer ghp_test", gh.lastAuth.Load())
}

func TestCreatePR_BadRepo(t *testing.T) {
	c := New("t")
	_, _, err := c.CreatePR(context.Background(), gitprovider.PROptions{Repo: "nope"})
	assert.Error(t, err)
}

func TestMarkReady_UsesGraphQL(t *testing.T) {
	gh := newFakeGitHub(t)
	c := New("t", WithBaseURL(gh.URL))

	require.NoError(t, c.MarkReady(context.Background(), "o/r", 7))

	body := gh.graphqlBody.Load().(map[string]any)
	assert.Contains(t, body["query"], "markPullRequestReadyForReview")
	assert.Equal(t, "PR_node7", body["variables"].(map[string]any)["id"])
}

func TestMarkReady_AlreadyReady(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.draft = false
	c := New("t", WithBaseURL(gh.URL))

	require.NoError(t, c.MarkReady(context.Background(), "o/r", 7))
	assert.Nil(t, gh.graphqlBody.Load())
}

func TestMarkReady_GraphQLError(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.graphqlError = "Resource not accessible by integration"
	c := New("t", WithBaseURL(gh.URL))

	err := c.MarkReady(context.Background(), "o/r", 7)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Resource not accessible")
}

func TestGetDefaultBranch(t *testing.T) {
	gh := newFakeGitHub(t)
	c := New("t", WithBaseURL(gh.URL))

	branch, err := c.GetDefaultBranch(context.Background(), "o/r")
	require.NoError(t, err)
	assert.Equal(t, "trunk", branch)
}

func TestStaticToken_Empty(t *testing.T) {
	_, err := gitprovider.StaticToken("").Token(context.Background())
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// App tokens
// ---------------------------------------------------------------------------

func TestAppTokenSource_CachesToken(t *testing.T) {
	gh := newFakeGitHub(t)
	_, keyPEM := testKey(t)

	src, err := NewAppTokenSource(1, 99, keyPEM, WithBaseURL(gh.URL))
	require.NoError(t, err)

	tok1, err := src.Token(context.Background())
	require.NoError(t, err)
	tok2, err := src.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ghs_1", tok1)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, int32(1), gh.tokenCalls.Load())
}

func TestAppTokenSource_RefreshesNearExpiry(t *testing.T) {
	gh := newFakeGitHub(t)
	gh.expiresIn = 4 * time.Minute
	_, keyPEM := testKey(t)

	src, err := NewAppTokenSource(1, 99, keyPEM, WithBaseURL(gh.URL))
	require.NoError(t, err)

	_, err = src.Token(context.Background())
	require.NoError(t, err)
	tok, err := src.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "ghs_2", tok)
	assert.Equal(t, int32(2), gh.tokenCalls.Load())
}

func TestAppTokenSource_SignsJWT(t *testing.T) {
	gh := newFakeGitHub(t)
	key, keyPEM := testKey(t)

	// Single-line form as stored in env files.
	src, err := NewAppTokenSource(12345, 99, strings.ReplaceAll(keyPEM, "\n", `\n`), WithBaseURL(gh.URL))
	require.NoError(t, err)
	_, err = src.Token(context.Background())
	require.NoError(t, err)

	auth := gh.lastAppAuth.Load().(string)
	jwt := strings.TrimPrefix(auth, "Bearer ")
	parts := strings.Split(jwt, ".")
	require.Len(t, parts, 3)

	claimsJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(claimsJSON, &claims))
	assert.Equal(t, "12345", claims["iss"])

	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestNewAppTokenSource_Invalid(t *testing.T) {
	_, err := NewAppTokenSource(0, 1, "x")
	assert.Error(t, err)

	_, err = NewAppTokenSource(1, 1, "not a pem")
	assert.Error(t, err)
}

func TestAppTokenSource_InstallationAuth(t *testing.T) {
	gh := newFakeGitHub(t)
	_, keyPEM := testKey(t)

	src, err := NewAppTokenSource(1, 99, keyPEM, WithBaseURL(gh.URL))
	require.NoError(t, err)
	c := NewWithTokenSource(src, WithBaseURL(gh.URL))

	_, _, err = c.CreatePR(context.Background(), gitprovider.PROptions{Repo: "o/r", Branch: "b", Title: "t"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer ghs_1", gh.lastAuth.Load())
}
