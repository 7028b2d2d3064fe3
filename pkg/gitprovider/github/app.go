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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/buildbot/pkg/gitprovider"
)

// refreshBuffer is how long before expiry a cached installation token is
// considered stale.
const refreshBuffer = 5 * time.Minute

// AppTokenSource mints GitHub App installation tokens and caches them until
// shortly before they expire.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	gh             *gogh.Client
	now            func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ gitprovider.TokenSource = (*AppTokenSource)(nil)

// NewAppTokenSource parses privateKeyPEM (PKCS#1 or PKCS#8). Literal "\n"
// sequences are accepted in place of newlines so the key can live in a
// single-line environment variable.
func NewAppTokenSource(appID, installationID int64, privateKeyPEM string, opts ...Option) (*AppTokenSource, error) {
	if appID == 0 || installationID == 0 {
		return nil, errors.New("GitHub App id and installation id are required")
	}
	key, err := parsePrivateKey(strings.ReplaceAll(privateKeyPEM, `\n`, "\n"))
	if err != nil {
		return nil, err
	}

	s := &AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		now:            time.Now,
	}
	hc := &http.Client{Transport: &jwtTransport{src: s, base: http.DefaultTransport}}
	s.gh = gogh.NewClient(hc)
	for _, o := range opts {
		o(s.gh)
	}
	return s, nil
}

// Token returns a cached installation token, minting a new one when the
// cached token is missing or within five minutes of expiry.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expires.Add(-refreshBuffer)) {
		return s.token, nil
	}

	tok, _, err := s.gh.Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return "", fmt.Errorf("creating installation token: %w", err)
	}
	s.token = tok.GetToken()
	s.expires = tok.GetExpiresAt().Time
	return s.token, nil
}

// appJWT builds the RS256 token that authenticates as the app itself.
func (s *AppTokenSource) appJWT() (string, error) {
	now := s.now()
	header, _ := json.Marshal(map[string]string{"alg": "RS256", "typ": "JWT"})
	claims, _ := json.Marshal(map[string]any{
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
		"iss": strconv.FormatInt(s.appID, 10),
	})

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(header) + "." + enc.EncodeToString(claims)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing app JWT: %w", err)
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

func parsePrivateKey(data string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, errors.New("GitHub App private key is not valid PEM")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing GitHub App private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("GitHub App private key is not an RSA key")
	}
	return key, nil
}

// jwtTransport authenticates app-level API calls with a fresh JWT.
type jwtTransport struct {
	src  *AppTokenSource
	base http.RoundTripper
}

func (t *jwtTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	jwt, err := t.src.appJWT()
	if err != nil {
		return nil, err
	}
	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+jwt)
	return t.base.RoundTrip(r)
}
