package mcpauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/toolbridge/mcp-auth/authserver"
	"github.com/toolbridge/mcp-auth/internal/testutil"
)

func newTestHandler(t *testing.T) (*Handler, *authserver.Server) {
	t.Helper()
	provider := newTestProvider(t)
	resolver := func(r *http.Request) (string, error) {
		return r.Header.Get("X-Test-User"), nil
	}
	h := NewHandler(provider, nil, resolver, Config{Enabled: true})
	t.Cleanup(h.Close)
	return h, provider
}

func serveMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return mux
}

func TestServeMetadata(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := serveMux(h)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}
	var md authserver.Metadata
	if err := json.Unmarshal(rr.Body.Bytes(), &md); err != nil {
		t.Fatalf("metadata does not decode: %v", err)
	}
	if md.Issuer != "https://auth.example.com" {
		t.Errorf("got issuer %q", md.Issuer)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("got challenge methods %v", md.CodeChallengeMethodsSupported)
	}

	// POST is rejected.
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/.well-known/oauth-authorization-server", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("got status %d for POST", rr.Code)
	}
}

func registerViaHTTP(t *testing.T, mux *http.ServeMux) *ClientRegistrationResponse {
	t.Helper()
	body := `{"redirect_uris":["https://app.example.com/callback"],"client_name":"Test App"}`
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, r)

	if rr.Code != http.StatusCreated {
		t.Fatalf("registration got status %d: %s", rr.Code, rr.Body.String())
	}
	var resp ClientRegistrationResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("registration response does not decode: %v", err)
	}
	return &resp
}

func TestServeRegister(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := serveMux(h)

	resp := registerViaHTTP(t, mux)
	if !strings.HasPrefix(resp.ClientID, "mcp_client_") {
		t.Errorf("got client id %q", resp.ClientID)
	}
	if resp.ClientSecretExpiresAt != 0 {
		t.Errorf("got client_secret_expires_at %d, want 0", resp.ClientSecretExpiresAt)
	}
	if resp.TokenEndpointAuthMethod != "none" {
		t.Errorf("got auth method %q", resp.TokenEndpointAuthMethod)
	}

	// Invalid metadata is a 400 with an OAuth error body.
	r := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"redirect_uris":[]}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, r)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("got status %d", rr.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("error body does not decode: %v", err)
	}
	if errResp.Error != ErrorCodeInvalidClientMetadata {
		t.Errorf("got error %q", errResp.Error)
	}
}

func TestAuthorizationCodeFlowOverHTTP(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := serveMux(h)

	client := registerViaHTTP(t, mux)
	challenge, verifier := testutil.GeneratePKCEPair()

	// Authorize with an authenticated user.
	authURL := "/authorize?" + url.Values{
		"client_id":             {client.ClientID},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"state":                 {"abc"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}.Encode()
	r := httptest.NewRequest(http.MethodGet, authURL, nil)
	r.Header.Set("X-Test-User", "user-1")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, r)

	if rr.Code != http.StatusFound {
		t.Fatalf("got status %d: %s", rr.Code, rr.Body.String())
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location does not parse: %v", err)
	}
	code := loc.Query().Get("code")
	if code == "" {
		t.Fatal("no code in redirect")
	}
	if loc.Query().Get("state") != "abc" {
		t.Errorf("state not echoed: %q", loc.Query().Get("state"))
	}

	// Exchange the code.
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
		"client_id":     {client.ClientID},
	}
	r = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, r)

	if rr.Code != http.StatusOK {
		t.Fatalf("token endpoint got status %d: %s", rr.Code, rr.Body.String())
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("got Cache-Control %q", cc)
	}
	var token TokenResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &token); err != nil {
		t.Fatalf("token response does not decode: %v", err)
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		t.Fatalf("incomplete token response: %+v", token)
	}
	if token.TokenType != tokenTypeBearer {
		t.Errorf("got token type %q", token.TokenType)
	}

	// Replay of the code fails with invalid_grant.
	r = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, r)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("replay got status %d", rr.Code)
	}
	var errResp ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatal(err)
	}
	if errResp.Error != ErrorCodeInvalidGrant {
		t.Errorf("got error %q", errResp.Error)
	}
}

func TestAuthorizeWithoutUser(t *testing.T) {
	h, _ := newTestHandler(t)
	mux := serveMux(h)
	client := registerViaHTTP(t, mux)

	authURL := "/authorize?" + url.Values{
		"client_id":     {client.ClientID},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
	}.Encode()
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, authURL, nil))

	if rr.Code != http.StatusForbidden {
		t.Errorf("got status %d, want 403", rr.Code)
	}
}

func TestServeRevoke(t *testing.T) {
	h, provider := newTestHandler(t)
	mux := serveMux(h)
	ctx := context.Background()

	token, err := provider.Tokens().GenerateAccessToken(ctx, "client-1", "user-1", "", false)
	if err != nil {
		t.Fatal(err)
	}

	form := url.Values{"token": {token.AccessToken}}
	r := httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, r)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d", rr.Code)
	}
	v, err := provider.Tokens().ValidateAccessToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if v.Valid {
		t.Error("token survived revocation")
	}

	// Revoking an unknown token still answers 200, per RFC 7009.
	form = url.Values{"token": {"mcp_token_neverissuedneverissued12345678"}}
	r = httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, r)
	if rr.Code != http.StatusOK {
		t.Errorf("got status %d for unknown token", rr.Code)
	}

	// A missing token parameter is a 400.
	r = httptest.NewRequest(http.MethodPost, "/revoke", strings.NewReader(""))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, r)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("got status %d for missing token", rr.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	provider := newTestProvider(t)
	h := NewHandler(provider, nil, nil, Config{
		Enabled:   true,
		RateLimit: RateLimitConfig{Rate: 1, Burst: 2},
	})
	t.Cleanup(h.Close)
	mux := serveMux(h)

	var lastStatus int
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("grant_type=refresh_token"))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.RemoteAddr = "203.0.113.7:1234"
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, r)
		lastStatus = rr.Code
	}
	if lastStatus != http.StatusTooManyRequests {
		t.Errorf("got status %d after burst, want 429", lastStatus)
	}
}
