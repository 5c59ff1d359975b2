// Package authserver implements an OAuth 2.0 authorization server for
// protocol hosts: dynamic client registration (RFC 7591), the
// authorization code grant with mandatory S256 PKCE for public clients
// (RFC 7636), refresh token rotation, token revocation (RFC 7009), and
// server metadata discovery (RFC 8414). Tokens are opaque random
// strings persisted in a kv.Store; nothing is a JWT.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/kv"
	"github.com/toolbridge/mcp-auth/security"
)

// CredentialBroker is the slice of the third-party consumer the server
// needs for session binding. Implemented by consumer.Consumer.
type CredentialBroker interface {
	// HasUserCredentials reports whether any credential record exists
	// for the user, expired or not.
	HasUserCredentials(ctx context.Context, userID string) (bool, error)

	// GetValidAccessToken returns a live third-party access token for
	// the user, refreshing if necessary. Empty means no usable
	// credential remains.
	GetValidAccessToken(ctx context.Context, userID string) (string, error)

	// ClearUserCredentials forces the stored credential to be treated
	// as expired so the next read goes through a refresh.
	ClearUserCredentials(ctx context.Context, userID string) error

	// AuthorizationURLForUser starts a fresh authorization flow for the
	// user and returns the provider URL to send them to.
	AuthorizationURLForUser(ctx context.Context, userID string) (string, error)
}

// APIClient probes a third-party API with an access token to verify the
// credential is still honored upstream, catching revocations the token
// expiry cannot see.
type APIClient interface {
	ValidateCredentials(ctx context.Context, accessToken string) error
}

// Server is the authorization server facade tying the client registry
// and the token manager together.
type Server struct {
	config   *Config
	registry *Registry
	tokens   *TokenManager
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
}

// New creates an authorization server backed by the given store. Static
// clients from the config are provisioned before New returns.
func New(ctx context.Context, store kv.Store, ns Namespaces, config Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ns.applyDefaults()

	if config.AllowInsecureRedirects {
		logger.Warn("Insecure redirect URIs are allowed; do not run this configuration in production")
	}

	s := &Server{
		config:   &config,
		registry: NewRegistry(store, ns, &config, logger),
		tokens:   NewTokenManager(store, ns, &config, logger),
		logger:   logger,
	}

	for _, sc := range config.StaticClients {
		if _, err := s.registry.Provision(ctx, sc); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// SetAuditor attaches an optional security auditor to the server and
// its components.
func (s *Server) SetAuditor(a *security.Auditor) {
	s.auditor = a
	s.registry.SetAuditor(a)
	s.tokens.SetAuditor(a)
}

// SetMetrics attaches optional metric instruments.
func (s *Server) SetMetrics(m *instrumentation.Metrics) {
	s.metrics = m
	s.registry.SetMetrics(m)
	s.tokens.SetMetrics(m)
}

// Registry returns the client registry.
func (s *Server) Registry() *Registry { return s.registry }

// Tokens returns the token manager.
func (s *Server) Tokens() *TokenManager { return s.tokens }

// Config returns the effective configuration after defaults.
func (s *Server) Config() *Config { return s.config }

// AuthorizeRequest is a parsed GET /authorize request.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeResult carries the issued code and the redirect URL the user
// agent should be sent to.
type AuthorizeResult struct {
	Code        string
	State       string
	RedirectURL string
}

// HandleAuthorizeRequest validates an authorization request for an
// already-authenticated user and issues a one-time authorization code.
// The caller is responsible for having established userID; how the host
// authenticates its users is outside this package.
func (s *Server) HandleAuthorizeRequest(ctx context.Context, req *AuthorizeRequest, userID string) (*AuthorizeResult, error) {
	if req.ClientID == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "client_id is required")
	}
	if req.ResponseType != "code" {
		return nil, newErrorf(ErrorCodeUnsupportedResponseType, "Unsupported response_type: %s", req.ResponseType)
	}
	if userID == "" {
		return nil, NewError(ErrorCodeAccessDenied, "No authenticated user for authorization request")
	}

	// S256 is the only accepted challenge method. An explicit "plain"
	// is rejected rather than silently treated as S256.
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
			return nil, newErrorf(ErrorCodeInvalidRequest, "Unsupported code_challenge_method: %s", req.CodeChallengeMethod)
		}
	}

	validation, err := s.registry.Validate(ctx, req.ClientID, req.RedirectURI)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		return nil, NewError(ErrorCodeInvalidRequest, validation.ErrorMessage)
	}

	code, err := s.tokens.GenerateAuthorizationCode(ctx, req.ClientID, userID, req.RedirectURI, req.CodeChallenge, req.Scope)
	if err != nil {
		return nil, err
	}

	redirect, err := buildRedirectURL(req.RedirectURI, code, req.State)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Authorization code issued",
		"client_id", req.ClientID,
		"has_pkce", req.CodeChallenge != "")

	return &AuthorizeResult{Code: code, State: req.State, RedirectURL: redirect}, nil
}

// TokenRequest is a parsed POST /token request. ClientSecret is set for
// confidential clients using client_secret_basic or client_secret_post.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	ClientID     string
	ClientSecret string
}

// TokenGrant is a successful token endpoint response.
type TokenGrant struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    int64
	RefreshToken string
	Scope        string
}

// HandleTokenRequest processes the token endpoint grants. Protocol
// failures come back as *Error; anything else is a storage failure.
func (s *Server) HandleTokenRequest(ctx context.Context, req *TokenRequest) (*TokenGrant, error) {
	switch req.GrantType {
	case "authorization_code":
		return s.exchangeAuthorizationCode(ctx, req)
	case "refresh_token":
		return s.refreshGrant(ctx, req)
	default:
		return nil, newErrorf(ErrorCodeUnsupportedGrantType, "Unsupported grant_type: %s", req.GrantType)
	}
}

// exchangeAuthorizationCode implements the authorization_code grant:
// one-time code consumption, binding checks, and PKCE verification.
func (s *Server) exchangeAuthorizationCode(ctx context.Context, req *TokenRequest) (*TokenGrant, error) {
	if req.Code == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "code is required")
	}

	rec, err := s.tokens.GetAuthorizationCode(ctx, req.Code)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			s.auditor.LogAuthFailure("", req.ClientID, "unknown or consumed authorization code")
			return nil, NewError(ErrorCodeInvalidGrant, "Invalid or expired authorization code")
		}
		return nil, fmt.Errorf("failed to load authorization code: %w", err)
	}

	fail := func(reason, description string) (*TokenGrant, error) {
		// A failed binding check still consumes the code.
		if derr := s.tokens.DeleteAuthorizationCode(ctx, req.Code); derr != nil {
			s.logger.Warn("Failed to delete authorization code", "error", derr)
		}
		s.auditor.LogAuthFailure(rec.UserID, req.ClientID, reason)
		return nil, NewError(ErrorCodeInvalidGrant, description)
	}

	if timeNowAfter(rec.ExpiresAt, s.config.ClockSkewGrace) {
		return fail("expired authorization code", "Invalid or expired authorization code")
	}
	if rec.ClientID != req.ClientID {
		return fail("authorization code client mismatch", "Authorization code was not issued to this client")
	}
	if rec.RedirectURI != req.RedirectURI {
		return fail("authorization code redirect mismatch", "redirect_uri does not match the authorization request")
	}

	client, err := s.registry.Get(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return fail("client revoked before exchange", "Client not found")
		}
		return nil, err
	}
	if client.Confidential() {
		if err := s.registry.ValidateSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			return nil, err
		}
	} else if rec.CodeChallenge == "" {
		// Public clients must use PKCE; a code minted without a
		// challenge cannot be exchanged by one.
		return fail("public client without PKCE", "PKCE code verifier required")
	}

	if pkceErr := VerifyPKCE(rec.CodeChallenge, req.CodeVerifier); pkceErr != nil {
		if derr := s.tokens.DeleteAuthorizationCode(ctx, req.Code); derr != nil {
			s.logger.Warn("Failed to delete authorization code", "error", derr)
		}
		s.auditor.LogAuthFailure(rec.UserID, req.ClientID, "PKCE verification failed")
		return nil, pkceErr
	}

	// Consume the code before minting tokens so a concurrent duplicate
	// exchange observes the deletion, not the tokens.
	if err := s.tokens.DeleteAuthorizationCode(ctx, req.Code); err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	token, err := s.tokens.GenerateAccessToken(ctx, rec.ClientID, rec.UserID, rec.Scope, true)
	if err != nil {
		return nil, err
	}

	s.auditor.LogEvent(security.Event{
		Type:     security.EventCodeExchanged,
		UserID:   rec.UserID,
		ClientID: rec.ClientID,
	})
	if s.metrics != nil {
		s.metrics.CodesExchanged.Add(ctx, 1)
	}

	return grantFromToken(token), nil
}

// refreshGrant implements the refresh_token grant with rotation.
func (s *Server) refreshGrant(ctx context.Context, req *TokenRequest) (*TokenGrant, error) {
	if req.RefreshToken == "" {
		return nil, NewError(ErrorCodeInvalidRequest, "refresh_token is required")
	}
	client, err := s.registry.Get(ctx, req.ClientID)
	if err != nil && !errors.Is(err, ErrClientNotFound) {
		return nil, err
	}
	if client != nil && client.Confidential() {
		if err := s.registry.ValidateSecret(ctx, req.ClientID, req.ClientSecret); err != nil {
			return nil, err
		}
	}

	result, err := s.tokens.RefreshAccessToken(ctx, req.RefreshToken, req.ClientID)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, NewError(result.ErrorCode, result.ErrorMessage)
	}
	return grantFromToken(result.Token), nil
}

// HandleClientRegistration processes a dynamic client registration.
func (s *Server) HandleClientRegistration(ctx context.Context, req *RegistrationRequest) (*Client, error) {
	if !s.config.EnableDynamicRegistration {
		return nil, NewError(ErrorCodeInvalidRequest, "Dynamic client registration is disabled")
	}
	return s.registry.Register(ctx, req)
}

// AuthResult is the outcome of authorizing a protocol request: the
// caller's own token check plus, when a consumer is wired in, the
// liveness of the bound third-party credential.
type AuthResult struct {
	Authenticated bool
	UserID        string
	ClientID      string
	Scopes        []string
	ErrorCode     string
	ErrorMessage  string
}

// AuthorizeMCPRequest validates a bearer token from an Authorization
// header and, when broker is non-nil, binds the session to a live
// third-party credential. A valid own-token with no stored third-party
// credential yields third_party_auth_required; a credential that exists
// but cannot be made live yields third_party_reauth_required. An
// optional api probe catches upstream revocations; a failed probe gets
// one forced refresh before the session is rejected.
func (s *Server) AuthorizeMCPRequest(ctx context.Context, authHeader string, broker CredentialBroker, api APIClient) (*AuthResult, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return &AuthResult{
			ErrorCode:    ErrorCodeInvalidToken,
			ErrorMessage: "Missing bearer token",
		}, nil
	}

	validation, err := s.tokens.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !validation.Valid {
		msg := "Invalid access token"
		if validation.ErrorCode == ErrorCodeTokenExpired {
			msg = "Access token has expired"
		}
		s.auditor.LogAuthFailure("", "", validation.ErrorCode)
		return &AuthResult{
			ErrorCode:    validation.ErrorCode,
			ErrorMessage: msg,
		}, nil
	}

	result := &AuthResult{
		Authenticated: true,
		UserID:        validation.UserID,
		ClientID:      validation.ClientID,
		Scopes:        validation.Scopes,
	}
	if broker == nil {
		return result, nil
	}

	has, err := broker.HasUserCredentials(ctx, validation.UserID)
	if err != nil {
		return nil, err
	}
	if !has {
		return &AuthResult{
			UserID:       validation.UserID,
			ClientID:     validation.ClientID,
			ErrorCode:    ErrorCodeThirdPartyAuthRequired,
			ErrorMessage: "Third-party authorization required",
		}, nil
	}

	upstream, err := broker.GetValidAccessToken(ctx, validation.UserID)
	if err != nil {
		return nil, err
	}
	if upstream == "" {
		return &AuthResult{
			UserID:       validation.UserID,
			ClientID:     validation.ClientID,
			ErrorCode:    ErrorCodeThirdPartyReauthRequired,
			ErrorMessage: "Third-party credentials expired, re-authorization required",
		}, nil
	}

	if api != nil {
		if probeErr := api.ValidateCredentials(ctx, upstream); probeErr != nil {
			s.logger.Debug("Third-party credential probe failed, forcing refresh",
				"error", probeErr)
			if err := broker.ClearUserCredentials(ctx, validation.UserID); err != nil {
				return nil, err
			}
			upstream, err = broker.GetValidAccessToken(ctx, validation.UserID)
			if err != nil {
				return nil, err
			}
			if upstream == "" {
				return &AuthResult{
					UserID:       validation.UserID,
					ClientID:     validation.ClientID,
					ErrorCode:    ErrorCodeThirdPartyReauthRequired,
					ErrorMessage: "Third-party credentials rejected upstream, re-authorization required",
				}, nil
			}
		}
	}

	return result, nil
}

// grantFromToken converts a stored token record to the wire-level grant.
func grantFromToken(t *AccessToken) *TokenGrant {
	return &TokenGrant{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    int64(t.ExpiresAt.Sub(t.CreatedAt).Seconds()),
		RefreshToken: t.RefreshToken,
		Scope:        t.Scope,
	}
}

// timeNowAfter reports whether now, pulled back by the skew grace, is
// past t.
func timeNowAfter(t time.Time, grace time.Duration) bool {
	return time.Now().Add(-grace).After(t)
}

// buildRedirectURL appends code and state query parameters to the
// registered redirect URI, preserving any existing query.
func buildRedirectURL(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
