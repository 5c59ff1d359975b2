package mcpauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/toolbridge/mcp-auth/authserver"
	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/security"
)

// MinBearerTokenLength rejects obviously malformed tokens before the
// storage lookup. Every token this server mints is far longer.
const MinBearerTokenLength = 16

// Endpoints that are always open: a client locked out of these could
// never recover its authentication.
var alwaysOpenEndpoints = []string{
	"/health",
	"/status",
	authserver.MetadataPath,
	authserver.AuthorizationPath,
	authserver.TokenPath,
	authserver.RegistrationPath,
	authserver.RevocationPath,
}

// AuthenticationResult is the middleware-level outcome of
// authenticating one request.
type AuthenticationResult struct {
	Authenticated bool
	UserID        string
	ClientID      string
	Scopes        []string
	RequestID     string

	// Set on failure.
	ErrorCode    string
	ErrorMessage string
	Status       int
	Challenge    *Challenge
}

// Middleware authenticates protocol requests against the authorization
// server and, when a consumer is wired in, enforces session binding to
// a live third-party credential.
type Middleware struct {
	provider *authserver.Server
	broker   authserver.CredentialBroker
	api      authserver.APIClient
	config   Config
	logger   *slog.Logger
	auditor  *security.Auditor
	metrics  *instrumentation.Metrics
}

// NewMiddleware creates an authentication middleware. broker and api
// are optional; without a broker no session binding is enforced.
func NewMiddleware(provider *authserver.Server, broker authserver.CredentialBroker, api authserver.APIClient, config Config) *Middleware {
	config.applyDefaults()
	return &Middleware{
		provider: provider,
		broker:   broker,
		api:      api,
		config:   config,
		logger:   config.Logger,
	}
}

// SetAuditor attaches an optional security auditor.
func (m *Middleware) SetAuditor(a *security.Auditor) { m.auditor = a }

// SetMetrics attaches optional metric instruments.
func (m *Middleware) SetMetrics(mx *instrumentation.Metrics) { m.metrics = mx }

// recordAuthentication counts one request through the middleware, by
// outcome ("ok" or the failure's error code).
func (m *Middleware) recordAuthentication(ctx context.Context, result string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RequestsAuthenticated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.result", result),
	))
}

// IsAuthenticationRequired reports whether requests to path must carry
// a bearer token. The OAuth endpoints themselves and the health probes
// are always open; protocol endpoints are always protected; everything
// else follows the configured default posture.
func (m *Middleware) IsAuthenticationRequired(path string) bool {
	if !m.config.Enabled || m.provider == nil {
		return false
	}
	for _, open := range alwaysOpenEndpoints {
		if path == open {
			return false
		}
	}
	for _, open := range m.config.OpenEndpoints {
		if path == open {
			return false
		}
	}
	for _, protected := range m.config.ProtocolEndpoints {
		if path == protected || strings.HasPrefix(path, protected+"/") {
			return true
		}
	}
	return m.config.DefaultProtected
}

// AuthenticateRequest authenticates a single request. requestID may be
// empty, in which case one is generated; the returned result always
// carries the id used, so callers can correlate logs.
func (m *Middleware) AuthenticateRequest(r *http.Request, requestID string) *AuthenticationResult {
	result := m.authenticate(r, requestID)
	outcome := "ok"
	if !result.Authenticated {
		outcome = result.ErrorCode
	}
	m.recordAuthentication(r.Context(), outcome)
	return result
}

func (m *Middleware) authenticate(r *http.Request, requestID string) *AuthenticationResult {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := r.Context()

	header := r.Header.Get("Authorization")
	switch {
	case header == "":
		return m.failure(requestID, ErrorCodeInvalidRequest, "Missing Authorization header", "")
	case !strings.HasPrefix(header, "Bearer "):
		return m.failure(requestID, ErrorCodeInvalidRequest, "Authorization header must use the Bearer scheme", "")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return m.failure(requestID, ErrorCodeInvalidRequest, "Empty bearer token", "")
	}
	if len(token) < MinBearerTokenLength {
		return m.failure(requestID, ErrorCodeInvalidRequest, "Bearer token too short", "")
	}

	result, err := m.provider.AuthorizeMCPRequest(ctx, header, m.broker, m.api)
	if err != nil {
		// Storage failures must not leak details to the caller.
		m.logger.Error("Authentication dependency failure",
			"request_id", requestID,
			"error", err)
		return m.failure(requestID, ErrorCodeInvalidToken, "Token validation failed", "")
	}

	if !result.Authenticated {
		m.auditor.LogAuthFailure(result.UserID, result.ClientID, result.ErrorCode)

		// On re-auth failures the client can act immediately if we hand
		// it a fresh provider URL.
		var thirdPartyURL string
		if result.ErrorCode == ErrorCodeThirdPartyReauthRequired && m.broker != nil && result.UserID != "" {
			url, err := m.broker.AuthorizationURLForUser(ctx, result.UserID)
			if err != nil {
				m.logger.Warn("Failed to start re-authorization flow",
					"request_id", requestID,
					"error", err)
			} else {
				thirdPartyURL = url
			}
		}

		res := m.failure(requestID, result.ErrorCode, result.ErrorMessage, thirdPartyURL)
		res.UserID = result.UserID
		res.ClientID = result.ClientID
		return res
	}

	m.logger.Debug("Request authenticated",
		"request_id", requestID,
		"client_id", result.ClientID)

	return &AuthenticationResult{
		Authenticated: true,
		UserID:        result.UserID,
		ClientID:      result.ClientID,
		Scopes:        result.Scopes,
		RequestID:     requestID,
	}
}

// Wrap returns an http.Handler that authenticates requests to protected
// paths before invoking next. Failures are written as OAuth error JSON
// with a WWW-Authenticate challenge; successes carry the authenticated
// identity in the request context.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.IsAuthenticationRequired(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		result := m.AuthenticateRequest(r, r.Header.Get("X-Request-Id"))
		if !result.Authenticated {
			w.Header().Set("WWW-Authenticate", result.Challenge.Header())
			writeJSON(w, result.Status, &ErrorResponse{
				Error:            result.ErrorCode,
				ErrorDescription: result.ErrorMessage,
			})
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), &Identity{
			UserID:    result.UserID,
			ClientID:  result.ClientID,
			Scopes:    result.Scopes,
			RequestID: result.RequestID,
		})))
	})
}

// failure assembles a failed result with its HTTP status and challenge.
func (m *Middleware) failure(requestID, code, message, thirdPartyURL string) *AuthenticationResult {
	challenge := newChallenge(m.config.Realm, m.provider.Config(), code, message)
	challenge.ThirdPartyAuthorizationURL = thirdPartyURL
	return &AuthenticationResult{
		RequestID:    requestID,
		ErrorCode:    code,
		ErrorMessage: message,
		Status:       statusForAuthFailure(code),
		Challenge:    challenge,
	}
}

// statusForAuthFailure maps an authentication failure to its HTTP
// status. Session-binding failures are 403, a stop-retry signal: the
// caller's own token was fine and retrying will not help until the
// user re-authorizes. Everything else, malformed headers included, is
// 401 so the client knows to (re)acquire credentials.
func statusForAuthFailure(code string) int {
	switch code {
	case ErrorCodeThirdPartyAuthRequired, ErrorCodeThirdPartyReauthRequired, ErrorCodeInsufficientScope, ErrorCodeAccessDenied:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}
