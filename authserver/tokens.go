package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/internal/randutil"
	"github.com/toolbridge/mcp-auth/kv"
	"github.com/toolbridge/mcp-auth/security"
)

// tokenRandomLength is the number of random alphanumeric characters after
// the type prefix in every minted token and code.
const tokenRandomLength = 32

// AccessToken is an issued bearer token and its binding to a client,
// a user, and a scope set.
type AccessToken struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scope        string    `json:"scope,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// RefreshToken is the long-lived half of a token pair. Rotation replaces
// it on every use.
type RefreshToken struct {
	RefreshToken string    `json:"refresh_token"`
	ClientID     string    `json:"client_id"`
	UserID       string    `json:"user_id"`
	Scope        string    `json:"scope,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// AuthorizationCode is a one-time code binding a pending authorization
// to its client, user, redirect URI, and PKCE challenge.
type AuthorizationCode struct {
	Code          string    `json:"code"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id"`
	RedirectURI   string    `json:"redirect_uri"`
	Scope         string    `json:"scope,omitempty"`
	CodeChallenge string    `json:"code_challenge,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// TokenValidation is the result of checking an access token. ErrorCode
// distinguishes a token that never existed or was revoked
// (invalid_token) from one that outlived its TTL (token_expired).
type TokenValidation struct {
	Valid     bool
	ClientID  string
	UserID    string
	Scopes    []string
	ErrorCode string
}

// RefreshResult is the outcome of a refresh token rotation.
type RefreshResult struct {
	Success      bool
	Token        *AccessToken
	ErrorCode    string
	ErrorMessage string
}

// TokenManager mints, validates, rotates, and revokes the server's own
// tokens and authorization codes on top of a kv.Store.
//
// Refresh rotation is not transactional: the new pair is written before
// the old refresh token is deleted, so a crash in between can leave two
// live refresh tokens until the older one expires. Single-key atomicity
// is the only guarantee the store contract offers.
type TokenManager struct {
	store   kv.Store
	ns      Namespaces
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewTokenManager creates a token manager.
func NewTokenManager(store kv.Store, ns Namespaces, config *Config, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	ns.applyDefaults()
	return &TokenManager{
		store:  store,
		ns:     ns,
		config: config,
		logger: logger,
	}
}

// SetAuditor attaches an optional security auditor.
func (m *TokenManager) SetAuditor(a *security.Auditor) { m.auditor = a }

// SetMetrics attaches optional metric instruments.
func (m *TokenManager) SetMetrics(mx *instrumentation.Metrics) { m.metrics = mx }

// GenerateAccessToken mints a new access token for the client and user,
// optionally paired with a refresh token. Scope defaults to the server's
// supported scopes when empty.
func (m *TokenManager) GenerateAccessToken(ctx context.Context, clientID, userID, scope string, includeRefresh bool) (*AccessToken, error) {
	now := time.Now().UTC()
	if scope == "" {
		scope = strings.Join(m.config.SupportedScopes, " ")
	}

	token := &AccessToken{
		AccessToken: AccessTokenPrefix + randutil.Alphanumeric(tokenRandomLength),
		TokenType:   "Bearer",
		ClientID:    clientID,
		UserID:      userID,
		Scope:       scope,
		CreatedAt:   now,
		ExpiresAt:   now.Add(m.config.AccessTokenTTL),
	}

	if includeRefresh {
		refresh := &RefreshToken{
			RefreshToken: RefreshTokenPrefix + randutil.Alphanumeric(tokenRandomLength),
			ClientID:     clientID,
			UserID:       userID,
			Scope:        scope,
			CreatedAt:    now,
			ExpiresAt:    now.Add(m.config.RefreshTokenTTL),
		}
		if err := m.saveJSON(ctx, m.ns.RefreshTokens+refresh.RefreshToken, refresh, m.config.RefreshTokenTTL); err != nil {
			return nil, fmt.Errorf("failed to store refresh token: %w", err)
		}
		token.RefreshToken = refresh.RefreshToken
	}

	if err := m.saveJSON(ctx, m.ns.AccessTokens+token.AccessToken, token, m.config.AccessTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}

	m.auditor.LogTokenIssued(userID, clientID, scope)
	if m.metrics != nil {
		m.metrics.TokensIssued.Add(ctx, 1)
	}

	return token, nil
}

// GenerateAuthorizationCode mints a one-time authorization code bound to
// the client, user, redirect URI, and PKCE challenge. The stored record
// is read back before the code is returned so the caller never hands out
// a code the store silently dropped.
func (m *TokenManager) GenerateAuthorizationCode(ctx context.Context, clientID, userID, redirectURI, codeChallenge, scope string) (string, error) {
	now := time.Now().UTC()
	code := &AuthorizationCode{
		Code:          AuthorizationCodePrefix + randutil.Alphanumeric(tokenRandomLength),
		ClientID:      clientID,
		UserID:        userID,
		RedirectURI:   redirectURI,
		Scope:         scope,
		CodeChallenge: codeChallenge,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.config.AuthorizationCodeTTL),
	}

	key := m.ns.Codes + code.Code
	if err := m.saveJSON(ctx, key, code, m.config.AuthorizationCodeTTL); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}
	if _, err := m.store.Get(ctx, key); err != nil {
		return "", fmt.Errorf("authorization code write could not be verified: %w", err)
	}

	m.auditor.LogEvent(security.Event{
		Type:     security.EventCodeIssued,
		UserID:   userID,
		ClientID: clientID,
	})
	if m.metrics != nil {
		m.metrics.CodesIssued.Add(ctx, 1)
	}

	return code.Code, nil
}

// GetAuthorizationCode loads a pending authorization code. Returns
// kv.ErrNotFound when the code is unknown or already consumed.
func (m *TokenManager) GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	data, err := m.store.Get(ctx, m.ns.Codes+code)
	if err != nil {
		return nil, err
	}
	var rec AuthorizationCode
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode authorization code: %w", err)
	}
	return &rec, nil
}

// DeleteAuthorizationCode consumes a code. Deleting an already-consumed
// code is not an error.
func (m *TokenManager) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return m.store.Delete(ctx, m.ns.Codes+code)
}

// ValidateAccessToken checks an access token. Unknown or revoked tokens
// fail with invalid_token; tokens past their recorded expiry are deleted
// and fail with token_expired. The expiry re-check backstops stores
// whose TTL enforcement lags, with a small grace for clock skew.
func (m *TokenManager) ValidateAccessToken(ctx context.Context, token string) (*TokenValidation, error) {
	data, err := m.store.Get(ctx, m.ns.AccessTokens+token)
	if errors.Is(err, kv.ErrNotFound) {
		m.recordValidation(ctx, ErrorCodeInvalidToken)
		return &TokenValidation{ErrorCode: ErrorCodeInvalidToken}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load access token: %w", err)
	}

	var rec AccessToken
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	if time.Now().Add(-m.config.ClockSkewGrace).After(rec.ExpiresAt) {
		if err := m.store.Delete(ctx, m.ns.AccessTokens+token); err != nil {
			m.logger.Warn("Failed to delete expired access token", "error", err)
		}
		m.recordValidation(ctx, ErrorCodeTokenExpired)
		return &TokenValidation{ErrorCode: ErrorCodeTokenExpired}, nil
	}

	scopes := strings.Fields(rec.Scope)
	if len(scopes) == 0 {
		scopes = append([]string(nil), m.config.SupportedScopes...)
	}

	m.recordValidation(ctx, "valid")
	return &TokenValidation{
		Valid:    true,
		ClientID: rec.ClientID,
		UserID:   rec.UserID,
		Scopes:   scopes,
	}, nil
}

// RefreshAccessToken rotates a refresh token: it validates the presented
// token, checks the client binding, issues a brand-new access and
// refresh pair, and deletes the old refresh token. The returned result
// distinguishes a bad grant from a client mismatch.
func (m *TokenManager) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*RefreshResult, error) {
	data, err := m.store.Get(ctx, m.ns.RefreshTokens+refreshToken)
	if errors.Is(err, kv.ErrNotFound) {
		return &RefreshResult{
			ErrorCode:    ErrorCodeInvalidGrant,
			ErrorMessage: "Invalid or expired refresh token",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	var rec RefreshToken
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode refresh token: %w", err)
	}

	if time.Now().Add(-m.config.ClockSkewGrace).After(rec.ExpiresAt) {
		if err := m.store.Delete(ctx, m.ns.RefreshTokens+refreshToken); err != nil {
			m.logger.Warn("Failed to delete expired refresh token", "error", err)
		}
		return &RefreshResult{
			ErrorCode:    ErrorCodeInvalidGrant,
			ErrorMessage: "Invalid or expired refresh token",
		}, nil
	}

	if rec.ClientID != clientID {
		m.auditor.LogAuthFailure(rec.UserID, clientID, "refresh token client mismatch")
		return &RefreshResult{
			ErrorCode:    ErrorCodeInvalidClient,
			ErrorMessage: "Refresh token was not issued to this client",
		}, nil
	}

	token, err := m.GenerateAccessToken(ctx, rec.ClientID, rec.UserID, rec.Scope, true)
	if err != nil {
		return nil, err
	}
	if err := m.store.Delete(ctx, m.ns.RefreshTokens+refreshToken); err != nil {
		m.logger.Warn("Failed to delete rotated refresh token", "error", err)
	}

	m.auditor.LogTokenRefreshed(rec.UserID, rec.ClientID)
	if m.metrics != nil {
		m.metrics.TokensRefreshed.Add(ctx, 1)
	}

	return &RefreshResult{Success: true, Token: token}, nil
}

// RevokeToken deletes an access or refresh token, routing by prefix.
// Unknown tokens are ignored, per RFC 7009.
func (m *TokenManager) RevokeToken(ctx context.Context, token string) error {
	switch {
	case strings.HasPrefix(token, AccessTokenPrefix):
		return m.store.Delete(ctx, m.ns.AccessTokens+token)
	case strings.HasPrefix(token, RefreshTokenPrefix):
		return m.store.Delete(ctx, m.ns.RefreshTokens+token)
	default:
		return nil
	}
}

func (m *TokenManager) recordValidation(ctx context.Context, result string) {
	if m.metrics != nil {
		m.metrics.RecordTokenValidation(ctx, result)
	}
}

func (m *TokenManager) saveJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, data, ttl)
}
