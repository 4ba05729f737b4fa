// Package fixtures provides a fake identity provider and shared test
// constants.
//
// [Provider] is an httptest server that publishes an OpenID discovery
// document, a JWKS and an RFC 8693 token endpoint, and mints RS256 tokens
// signed with its current key.
package fixtures

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// Shared identity values.
const (
	Audience        = "gateway"
	Subject         = "user-abc-123"
	ClientID        = "gateway-client"
	ClientSecret    = "gateway-client-secret"
	BackendAudience = "urn:db"
	TokenExchange   = "urn:ietf:params:oauth:grant-type:token-exchange"
	AccessTokenType = "urn:ietf:params:oauth:token-type:access_token"
	// SharedKey is a 32-byte HMAC key.
	SharedKey = "0123456789abcdef0123456789abcdef"
)

// Provider is a fake OpenID provider.
type Provider struct {
	Server *httptest.Server

	mu       sync.Mutex
	key      *rsa.PrivateKey
	keyID    string
	lifetime time.Duration
	failWith *failure
	now      func() time.Time

	jwksRequests     atomic.Int64
	exchangeRequests atomic.Int64
	lastExchange     atomic.Pointer[ExchangeRequest]
}

// ExchangeRequest is the form the token endpoint last received.
type ExchangeRequest struct {
	GrantType        string
	SubjectToken     string
	SubjectTokenType string
	Audience         string
	Scope            string
	ClientID         string
	ClientSecret     string
}

type failure struct {
	status int
	body   string
}

// NewProvider starts a provider; it is closed when the test ends.
func NewProvider(t testing.TB) *Provider {
	t.Helper()
	p := &Provider{lifetime: 5 * time.Minute, now: time.Now}
	p.rotate(t)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("/jwks", p.serveJWKS)
	mux.HandleFunc("/token", p.serveToken)
	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)
	return p
}

// Issuer is the provider's issuer URL.
func (p *Provider) Issuer() string { return p.Server.URL }

// JWKSURL is the provider's key endpoint.
func (p *Provider) JWKSURL() string { return p.Server.URL + "/jwks" }

// TokenURL is the provider's token endpoint.
func (p *Provider) TokenURL() string { return p.Server.URL + "/token" }

// KeyID is the id of the current signing key.
func (p *Provider) KeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keyID
}

// RotateKey replaces the signing key. The JWKS only publishes the new key.
func (p *Provider) RotateKey(t testing.TB) { p.rotate(t) }

func (p *Provider) rotate(t testing.TB) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.key = key
	p.keyID = fmt.Sprintf("key-%d", time.Now().UnixNano())
}

// SetClock replaces the time source used for minted token timestamps.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}

// SetExchangeLifetime sets expires_in for exchanged tokens.
func (p *Provider) SetExchangeLifetime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lifetime = d
}

// FailExchange makes the token endpoint answer with status and body.
// A zero status restores normal behaviour.
func (p *Provider) FailExchange(status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == 0 {
		p.failWith = nil
		return
	}
	p.failWith = &failure{status: status, body: body}
}

// JWKSRequests counts key set fetches.
func (p *Provider) JWKSRequests() int64 { return p.jwksRequests.Load() }

// ExchangeRequests counts token endpoint calls.
func (p *Provider) ExchangeRequests() int64 { return p.exchangeRequests.Load() }

// LastExchange returns the last form received by the token endpoint.
func (p *Provider) LastExchange() *ExchangeRequest { return p.lastExchange.Load() }

// Claims returns a valid claim set from this provider for subject with the
// given role claim values.
func (p *Provider) Claims(subject string, roles ...string) jwt.MapClaims {
	p.mu.Lock()
	now := p.now()
	p.mu.Unlock()
	c := jwt.MapClaims{
		"iss":   p.Issuer(),
		"aud":   Audience,
		"sub":   subject,
		"name":  "Test User",
		"email": "user@example.com",
		"iat":   now.Unix(),
		"exp":   now.Add(10 * time.Minute).Unix(),
	}
	if len(roles) > 0 {
		rs := make([]any, len(roles))
		for i, r := range roles {
			rs[i] = r
		}
		c["roles"] = rs
	}
	return c
}

// Mint signs claims with the current key using RS256.
func (p *Provider) Mint(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	key, kid := p.key, p.keyID
	p.mu.Unlock()
	return MintWith(t, jwt.SigningMethodRS256, key, kid, claims)
}

// MintWith signs claims with an arbitrary method and key. A kid of ""
// omits the header.
func MintWith(t testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	s, err := token.SignedString(key)
	require.NoError(t, err)
	return s
}

// Unsigned returns an alg "none" token for claims.
func Unsigned(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	return s
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                p.Server.URL + "/authorize",
		"token_endpoint":                        p.TokenURL(),
		"jwks_uri":                              p.JWKSURL(),
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

func (p *Provider) serveJWKS(w http.ResponseWriter, _ *http.Request) {
	p.jwksRequests.Add(1)
	p.mu.Lock()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &p.key.PublicKey,
		KeyID:     p.keyID,
		Algorithm: "RS256",
		Use:       "sig",
	}}}
	p.mu.Unlock()
	writeJSON(w, http.StatusOK, set)
}

func (p *Provider) serveToken(w http.ResponseWriter, r *http.Request) {
	p.exchangeRequests.Add(1)
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	req := &ExchangeRequest{
		GrantType:        r.PostForm.Get("grant_type"),
		SubjectToken:     r.PostForm.Get("subject_token"),
		SubjectTokenType: r.PostForm.Get("subject_token_type"),
		Audience:         r.PostForm.Get("audience"),
		Scope:            r.PostForm.Get("scope"),
	}
	req.ClientID, req.ClientSecret, _ = r.BasicAuth()
	if req.ClientID == "" {
		req.ClientID, req.ClientSecret = r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	}
	p.lastExchange.Store(req)

	p.mu.Lock()
	fail, lifetime, key, kid, now := p.failWith, p.lifetime, p.key, p.keyID, p.now()
	p.mu.Unlock()

	if fail != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(fail.status)
		_, _ = w.Write([]byte(fail.body))
		return
	}
	if req.ClientID != ClientID || req.ClientSecret != ClientSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
		return
	}
	if req.GrantType != TokenExchange || req.SubjectToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	subject, _, _ := jwt.NewParser().ParseUnverified(req.SubjectToken, jwt.MapClaims{})
	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"aud": req.Audience,
		"iat": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
		"jti": fmt.Sprintf("x-%d", p.exchangeRequests.Load()),
	}
	if subject != nil {
		if sub, err := subject.Claims.GetSubject(); err == nil {
			claims["sub"] = sub
		}
	}
	if req.Scope != "" {
		claims["scope"] = req.Scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(key)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "server_error"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":      signed,
		"issued_token_type": AccessTokenType,
		"token_type":        "Bearer",
		"expires_in":        int64(lifetime / time.Second),
		"scope":             strings.TrimSpace(req.Scope),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
