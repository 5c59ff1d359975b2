package mcpauth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/toolbridge/mcp-auth/authserver"
	"github.com/toolbridge/mcp-auth/consumer"
	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/internal/httputil"
	"github.com/toolbridge/mcp-auth/security"
)

const tokenTypeBearer = "Bearer"

// UserResolver identifies the user behind an authorization request. The
// host owns user authentication (a session cookie, an upstream IdP, a
// CLI login); this hook is how it tells the authorization endpoint who
// is consenting. An empty user id denies the request.
type UserResolver func(r *http.Request) (string, error)

// Handler exposes the authorization server and the third-party callback
// over HTTP.
type Handler struct {
	provider     *authserver.Server
	consumer     *consumer.Consumer
	userResolver UserResolver
	config       Config
	logger       *slog.Logger
	rateLimiter  *security.RateLimiter
	auditor      *security.Auditor
	metrics      *instrumentation.Metrics
}

// NewHandler creates an HTTP handler for the OAuth endpoints. cons and
// resolver are optional: without cons the callback endpoint is not
// served, and without resolver the authorization endpoint rejects every
// request.
func NewHandler(provider *authserver.Server, cons *consumer.Consumer, resolver UserResolver, config Config) *Handler {
	config.applyDefaults()

	h := &Handler{
		provider:     provider,
		consumer:     cons,
		userResolver: resolver,
		config:       config,
		logger:       config.Logger,
	}
	if config.RateLimit.Rate > 0 {
		h.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}
	return h
}

// SetAuditor attaches an optional security auditor.
func (h *Handler) SetAuditor(a *security.Auditor) { h.auditor = a }

// SetMetrics attaches optional metric instruments.
func (h *Handler) SetMetrics(m *instrumentation.Metrics) { h.metrics = m }

// Close stops the handler's background goroutines.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
	}
}

// RegisterRoutes attaches all OAuth endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc(authserver.MetadataPath, h.ServeMetadata)
	mux.HandleFunc(authserver.AuthorizationPath, h.ServeAuthorize)
	mux.HandleFunc(authserver.TokenPath, h.ServeToken)
	mux.HandleFunc(authserver.RegistrationPath, h.ServeRegister)
	mux.HandleFunc(authserver.RevocationPath, h.ServeRevoke)
	if h.consumer != nil {
		mux.HandleFunc("/oauth/callback", h.ServeCallback)
	}
}

// ServeMetadata serves the RFC 8414 discovery document.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, h.provider.Metadata())
}

// ServeAuthorize handles GET /authorize. The user must already be
// known to the host; the resolver supplies their id.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.limited(w, r) {
		return
	}

	if h.userResolver == nil {
		h.writeError(w, ErrorCodeAccessDenied, "No user authentication configured", http.StatusForbidden)
		return
	}
	userID, err := h.userResolver(r)
	if err != nil || userID == "" {
		h.writeError(w, ErrorCodeAccessDenied, "User authentication required", http.StatusForbidden)
		return
	}

	q := r.URL.Query()
	req := &authserver.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	result, err := h.provider.HandleAuthorizeRequest(r.Context(), req, userID)
	if err != nil {
		h.writeProtocolError(w, err)
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// ServeToken handles POST /token for both grants. Confidential clients
// may authenticate with client_secret_basic or client_secret_post.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.limited(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed form body", http.StatusBadRequest)
		return
	}

	req := &authserver.TokenRequest{
		GrantType:    r.PostFormValue("grant_type"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
		CodeVerifier: r.PostFormValue("code_verifier"),
		RefreshToken: r.PostFormValue("refresh_token"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID = id
		req.ClientSecret = secret
	}

	grant, err := h.provider.HandleTokenRequest(r.Context(), req)
	if err != nil {
		h.writeProtocolError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, &TokenResponse{
		AccessToken:  grant.AccessToken,
		TokenType:    grant.TokenType,
		ExpiresIn:    grant.ExpiresIn,
		RefreshToken: grant.RefreshToken,
		Scope:        grant.Scope,
	})
}

// ServeRegister handles POST /register (RFC 7591).
func (h *Handler) ServeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.limited(w, r) {
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed registration request", http.StatusBadRequest)
		return
	}

	client, err := h.provider.HandleClientRegistration(r.Context(), &authserver.RegistrationRequest{
		RedirectURIs: req.RedirectURIs,
		ClientName:   req.ClientName,
		ClientURI:    req.ClientURI,
		Scope:        req.Scope,
		Contacts:     req.Contacts,
		TosURI:       req.TosURI,
		PolicyURI:    req.PolicyURI,
	})
	if err != nil {
		h.writeProtocolError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		TokenEndpointAuthMethod: "none",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              client.ClientName,
		Scope:                   client.Scope,
	})
}

// ServeRevoke handles POST /revoke (RFC 7009). Per the RFC the
// endpoint answers 200 whether or not the token existed.
func (h *Handler) ServeRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.limited(w, r) {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Malformed form body", http.StatusBadRequest)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}
	if err := h.provider.Tokens().RevokeToken(r.Context(), token); err != nil {
		h.logger.Error("Token revocation failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "Revocation failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// ServeCallback completes a third-party authorization flow when the
// provider redirects the user back.
func (h *Handler) ServeCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, ErrorCodeInvalidRequest, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		h.logger.Warn("Third-party provider returned an error",
			"error", errCode,
			"description", q.Get("error_description"))
		h.writeError(w, ErrorCodeAccessDenied, "Third-party authorization was denied", http.StatusForbidden)
		return
	}

	result, err := h.consumer.HandleAuthorizationCallback(r.Context(), q.Get("code"), q.Get("state"))
	if err != nil {
		h.logger.Error("Callback processing failed", "error", err)
		h.writeError(w, ErrorCodeServerError, "Callback processing failed", http.StatusInternalServerError)
		return
	}
	if !result.Success {
		h.writeError(w, ErrorCodeInvalidGrant, result.Error, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<html><body><h1>Authorization complete</h1><p>You can close this window.</p></body></html>"))
}

// limited applies per-IP rate limiting. Returns true when the request
// was rejected.
func (h *Handler) limited(w http.ResponseWriter, r *http.Request) bool {
	if h.rateLimiter == nil {
		return false
	}
	ip := httputil.ClientIP(r, false)
	if h.rateLimiter.Allow(ip) {
		return false
	}
	h.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
	h.auditor.LogRateLimitExceeded(ip)
	if h.metrics != nil {
		h.metrics.RateLimitExceeded.Add(r.Context(), 1)
	}
	h.writeError(w, ErrorCodeRateLimitExceeded, "Too many requests. Please try again later.", http.StatusTooManyRequests)
	return true
}

// writeProtocolError maps an error from the authorization server onto
// the wire. Protocol errors keep their code and description; anything
// else is an internal failure and stays opaque.
func (h *Handler) writeProtocolError(w http.ResponseWriter, err error) {
	var perr *authserver.Error
	if errors.As(err, &perr) {
		oe := oauthErrorFromProtocol(perr)
		h.writeError(w, oe.Code, oe.Description, oe.Status)
		return
	}
	h.logger.Error("Internal error serving OAuth endpoint", "error", err)
	h.writeError(w, ErrorCodeServerError, "Internal server error", http.StatusInternalServerError)
}

// writeError writes an OAuth error response body.
func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	writeJSON(w, status, &ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

// writeJSON writes v as a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("Failed to encode response", "error", err)
	}
}
