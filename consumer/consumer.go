// Package consumer implements the third-party side of the broker: it
// runs authorization code flows against an upstream OAuth provider,
// stores the resulting credentials per user, and keeps them live
// through refresh. The authorization server binds protocol sessions to
// these credentials.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/internal/randutil"
	"github.com/toolbridge/mcp-auth/kv"
	"github.com/toolbridge/mcp-auth/security"
)

// DefaultStateTTL is how long a pending authorization flow stays valid.
const DefaultStateTTL = 10 * time.Minute

// flowState is the persisted record of a pending authorization flow,
// keyed by the CSRF state parameter.
type flowState struct {
	UserID       string    `json:"user_id"`
	CodeVerifier string    `json:"code_verifier,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Config holds consumer configuration.
type Config struct {
	// ProviderID names the upstream provider ("github", "google", ...).
	// It partitions stored credentials. Required.
	ProviderID string

	// Scopes requested when a flow does not override them.
	Scopes []string

	// UsePKCE adds an S256 challenge to outgoing authorization
	// requests. Providers that ignore PKCE are unaffected.
	UsePKCE bool

	// StateTTL bounds how long a started flow may wait for its
	// callback. Zero takes DefaultStateTTL.
	StateTTL time.Duration

	// StateNamespace is the key prefix for pending flow state.
	StateNamespace string
}

func (c *Config) applyDefaults() {
	if c.StateTTL <= 0 {
		c.StateTTL = DefaultStateTTL
	}
	if c.StateNamespace == "" {
		c.StateNamespace = "oauth:consumer:state:"
	}
}

// Consumer brokers third-party authorization for users.
type Consumer struct {
	exchanger Exchanger
	creds     CredentialStore
	states    kv.Store
	config    Config
	logger    *slog.Logger
	auditor   *security.Auditor
	metrics   *instrumentation.Metrics
}

// New creates a consumer. states holds pending flow records and may be
// the same kv.Store backing everything else.
func New(exchanger Exchanger, creds CredentialStore, states kv.Store, config Config, logger *slog.Logger) (*Consumer, error) {
	if exchanger == nil {
		return nil, fmt.Errorf("exchanger is required")
	}
	if creds == nil {
		return nil, fmt.Errorf("credential store is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.ProviderID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	config.applyDefaults()

	return &Consumer{
		exchanger: exchanger,
		creds:     creds,
		states:    states,
		config:    config,
		logger:    logger,
	}, nil
}

// SetAuditor attaches an optional security auditor.
func (c *Consumer) SetAuditor(a *security.Auditor) { c.auditor = a }

// SetMetrics attaches optional metric instruments.
func (c *Consumer) SetMetrics(m *instrumentation.Metrics) { c.metrics = m }

// ProviderID returns the configured provider id.
func (c *Consumer) ProviderID() string { return c.config.ProviderID }

// FlowStart describes a freshly started authorization flow.
type FlowStart struct {
	AuthorizationURL string
	State            string
}

// StartAuthorizationFlow begins an authorization flow for userID. The
// returned URL sends the user to the provider; the state parameter ties
// the eventual callback back to this flow and expires after StateTTL.
// scopes may be nil to use the configured defaults.
func (c *Consumer) StartAuthorizationFlow(ctx context.Context, userID string, scopes []string) (*FlowStart, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if len(scopes) == 0 {
		scopes = c.config.Scopes
	}

	state := randutil.State()
	fs := &flowState{
		UserID:    userID,
		Scopes:    scopes,
		CreatedAt: time.Now().UTC(),
	}

	var challenge string
	if c.config.UsePKCE {
		fs.CodeVerifier = oauth2.GenerateVerifier()
		challenge = randutil.S256Challenge(fs.CodeVerifier)
	}

	data, err := json.Marshal(fs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode flow state: %w", err)
	}
	if err := c.states.Set(ctx, c.stateKey(state), data, c.config.StateTTL); err != nil {
		return nil, fmt.Errorf("failed to store flow state: %w", err)
	}

	c.logger.Info("Third-party authorization flow started",
		"provider", c.config.ProviderID)
	c.auditor.LogEvent(security.Event{
		Type:   security.EventFlowStarted,
		UserID: userID,
		Details: map[string]any{
			"provider": c.config.ProviderID,
			"pkce":     c.config.UsePKCE,
		},
	})
	if c.metrics != nil {
		c.metrics.FlowsStarted.Add(ctx, 1)
	}

	return &FlowStart{
		AuthorizationURL: c.exchanger.BuildAuthorizationURL(state, scopes, challenge),
		State:            state,
	}, nil
}

// AuthorizationURLForUser starts a flow with the default scopes and
// returns only the provider URL. It backs the re-authorization hint in
// authentication challenges.
func (c *Consumer) AuthorizationURLForUser(ctx context.Context, userID string) (string, error) {
	flow, err := c.StartAuthorizationFlow(ctx, userID, nil)
	if err != nil {
		return "", err
	}
	return flow.AuthorizationURL, nil
}

// CallbackResult is the outcome of handling a provider callback.
// Provider rejections and stale states are expected failures.
type CallbackResult struct {
	Success bool
	UserID  string
	Error   string
}

// HandleAuthorizationCallback completes a flow: it resolves the state
// parameter, exchanges the code, and stores the credentials. The state
// record is deleted whether or not the exchange succeeds, so a state is
// never usable twice.
func (c *Consumer) HandleAuthorizationCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	data, err := c.states.Get(ctx, c.stateKey(state))
	if errors.Is(err, kv.ErrNotFound) {
		c.auditor.LogEvent(security.Event{
			Type:    security.EventCallbackHandled,
			Details: map[string]any{"result": "invalid_state"},
		})
		return &CallbackResult{Error: "invalid or expired state"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flow state: %w", err)
	}

	// One-time use, regardless of what the exchange does next.
	if err := c.states.Delete(ctx, c.stateKey(state)); err != nil {
		return nil, fmt.Errorf("failed to consume flow state: %w", err)
	}

	var fs flowState
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("failed to decode flow state: %w", err)
	}

	result := c.exchanger.ExchangeCodeForTokens(ctx, code, fs.CodeVerifier)
	if !result.Success {
		c.logger.Warn("Third-party code exchange failed",
			"provider", c.config.ProviderID,
			"error", result.Error)
		c.recordCallback(ctx, "exchange_failed")
		return &CallbackResult{UserID: fs.UserID, Error: result.Error}, nil
	}

	if err := c.creds.Put(ctx, c.config.ProviderID, fs.UserID, result.Credentials); err != nil {
		return nil, err
	}

	c.logger.Info("Third-party authorization completed",
		"provider", c.config.ProviderID)
	c.auditor.LogEvent(security.Event{
		Type:   security.EventCallbackHandled,
		UserID: fs.UserID,
		Details: map[string]any{
			"provider": c.config.ProviderID,
			"result":   "success",
		},
	})
	c.recordCallback(ctx, "success")

	return &CallbackResult{Success: true, UserID: fs.UserID}, nil
}

// GetValidAccessToken returns a live third-party access token for the
// user, refreshing through the provider when the stored one is expired
// or near expiry. An empty token with a nil error means the user has to
// re-authorize: either nothing is stored, the record has no refresh
// token, or the provider rejected the refresh (in which case the dead
// record is deleted).
func (c *Consumer) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	creds, err := c.creds.Get(ctx, c.config.ProviderID, userID)
	if err != nil {
		return "", err
	}
	if creds != nil {
		return creds.AccessToken, nil
	}

	raw, err := c.creds.GetRaw(ctx, c.config.ProviderID, userID)
	if err != nil {
		return "", err
	}
	if raw == nil || raw.RefreshToken == "" {
		return "", nil
	}

	result := c.exchanger.RefreshTokens(ctx, raw.RefreshToken)
	if !result.Success {
		c.logger.Warn("Third-party token refresh failed, deleting credentials",
			"provider", c.config.ProviderID,
			"error", result.Error)
		c.recordRefresh(ctx, "failure")
		if err := c.creds.Delete(ctx, c.config.ProviderID, userID); err != nil {
			return "", err
		}
		return "", nil
	}

	fresh := result.Credentials
	if fresh.RefreshToken == "" {
		// Providers often omit the refresh token on refresh responses.
		fresh.RefreshToken = raw.RefreshToken
	}
	if err := c.creds.Put(ctx, c.config.ProviderID, userID, fresh); err != nil {
		return "", err
	}

	c.auditor.LogEvent(security.Event{
		Type:   security.EventCredentialRefresh,
		UserID: userID,
		Details: map[string]any{
			"provider": c.config.ProviderID,
		},
	})
	c.recordRefresh(ctx, "success")

	return fresh.AccessToken, nil
}

// IsUserAuthenticated reports whether the user currently holds usable
// third-party credentials, refreshing if needed. Storage failures read
// as not authenticated.
func (c *Consumer) IsUserAuthenticated(ctx context.Context, userID string) bool {
	token, err := c.GetValidAccessToken(ctx, userID)
	if err != nil {
		c.logger.Warn("Authentication check failed", "error", err)
		return false
	}
	return token != ""
}

// HasUserCredentials reports whether any credential record exists for
// the user, live or expired.
func (c *Consumer) HasUserCredentials(ctx context.Context, userID string) (bool, error) {
	raw, err := c.creds.GetRaw(ctx, c.config.ProviderID, userID)
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

// GetUserCredentials returns the stored record regardless of expiry, or
// nil when nothing is stored.
func (c *Consumer) GetUserCredentials(ctx context.Context, userID string) (*Credentials, error) {
	return c.creds.GetRaw(ctx, c.config.ProviderID, userID)
}

// StoreUserCredentials stores credentials obtained outside a flow run
// by this consumer, such as migrated or operator-imported tokens.
func (c *Consumer) StoreUserCredentials(ctx context.Context, userID string, creds *Credentials) error {
	if creds == nil {
		return fmt.Errorf("credentials are required")
	}
	return c.creds.Put(ctx, c.config.ProviderID, userID, creds)
}

// UpdateUserCredentials replaces the stored credentials for a user.
func (c *Consumer) UpdateUserCredentials(ctx context.Context, userID string, creds *Credentials) error {
	return c.StoreUserCredentials(ctx, userID, creds)
}

// RevokeUserCredentials deletes the stored credentials for a user.
func (c *Consumer) RevokeUserCredentials(ctx context.Context, userID string) error {
	if err := c.creds.Delete(ctx, c.config.ProviderID, userID); err != nil {
		return err
	}
	c.auditor.LogEvent(security.Event{
		Type:   security.EventCredentialRevoked,
		UserID: userID,
		Details: map[string]any{
			"provider": c.config.ProviderID,
		},
	})
	return nil
}

// ClearUserCredentials rewrites the stored record with an expiry in the
// past, preserving the refresh token, so the next access goes through a
// full refresh. A missing record is a no-op.
func (c *Consumer) ClearUserCredentials(ctx context.Context, userID string) error {
	raw, err := c.creds.GetRaw(ctx, c.config.ProviderID, userID)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	raw.ExpiresAt = time.Now().Add(-time.Hour)
	return c.creds.Put(ctx, c.config.ProviderID, userID, raw)
}

// GetAuthenticatedUsers lists the user ids with stored credentials for
// this provider. Records may be expired; pair with IsUserAuthenticated
// when liveness matters.
func (c *Consumer) GetAuthenticatedUsers(ctx context.Context) ([]string, error) {
	return c.creds.Users(ctx, c.config.ProviderID)
}

func (c *Consumer) stateKey(state string) string {
	return c.config.StateNamespace + c.config.ProviderID + ":" + state
}

func (c *Consumer) recordCallback(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.CallbacksProcessed.Add(ctx, 1, metric.WithAttributes(
			attribute.String("oauth.result", result),
		))
	}
}

func (c *Consumer) recordRefresh(ctx context.Context, result string) {
	if c.metrics != nil {
		c.metrics.CredentialRefresh.Add(ctx, 1, metric.WithAttributes(
			attribute.String("oauth.result", result),
		))
	}
}
