package consumer

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// Credentials are stored third-party tokens for one user at one
// provider.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`
}

// ExchangeResult is the outcome of a code exchange or token refresh.
// Provider rejections are expected failures and come back as
// Success=false with an error string, not as Go errors.
type ExchangeResult struct {
	Success     bool
	Credentials *Credentials
	Error       string
}

// Exchanger abstracts the provider-specific half of an authorization
// flow: building the authorization URL and trading codes and refresh
// tokens for credentials. NewEndpointExchanger covers any provider with
// standard OAuth endpoints; bespoke providers implement this directly.
type Exchanger interface {
	// BuildAuthorizationURL returns the provider URL the user should be
	// sent to. codeChallenge is empty when PKCE is disabled.
	BuildAuthorizationURL(state string, scopes []string, codeChallenge string) string

	// ExchangeCodeForTokens trades an authorization code for
	// credentials. codeVerifier is empty when PKCE is disabled.
	ExchangeCodeForTokens(ctx context.Context, code, codeVerifier string) *ExchangeResult

	// RefreshTokens trades a refresh token for fresh credentials.
	RefreshTokens(ctx context.Context, refreshToken string) *ExchangeResult
}

// EndpointExchanger implements Exchanger for providers with standard
// OAuth 2.0 authorization and token endpoints.
type EndpointExchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
}

// NewEndpointExchanger creates an exchanger for the given OAuth
// endpoints. httpClient may be nil to use http.DefaultClient.
func NewEndpointExchanger(config *oauth2.Config, httpClient *http.Client) *EndpointExchanger {
	return &EndpointExchanger{
		config:     config,
		httpClient: httpClient,
	}
}

// BuildAuthorizationURL implements Exchanger.
func (e *EndpointExchanger) BuildAuthorizationURL(state string, scopes []string, codeChallenge string) string {
	cfg := *e.config
	if len(scopes) > 0 {
		cfg.Scopes = scopes
	}

	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if codeChallenge != "" {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", codeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return cfg.AuthCodeURL(state, opts...)
}

// ExchangeCodeForTokens implements Exchanger.
func (e *EndpointExchanger) ExchangeCodeForTokens(ctx context.Context, code, codeVerifier string) *ExchangeResult {
	var opts []oauth2.AuthCodeOption
	if codeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(codeVerifier))
	}

	token, err := e.config.Exchange(e.clientContext(ctx), code, opts...)
	if err != nil {
		return &ExchangeResult{Error: "code exchange failed: " + err.Error()}
	}
	return &ExchangeResult{Success: true, Credentials: e.credentialsFromToken(token)}
}

// RefreshTokens implements Exchanger.
func (e *EndpointExchanger) RefreshTokens(ctx context.Context, refreshToken string) *ExchangeResult {
	source := e.config.TokenSource(e.clientContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	})
	token, err := source.Token()
	if err != nil {
		return &ExchangeResult{Error: "token refresh failed: " + err.Error()}
	}
	return &ExchangeResult{Success: true, Credentials: e.credentialsFromToken(token)}
}

// clientContext injects the custom HTTP client into the oauth2 library.
func (e *EndpointExchanger) clientContext(ctx context.Context) context.Context {
	if e.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
}

// credentialsFromToken maps an oauth2 token onto stored credentials.
// Providers rarely echo granted scopes in the token response, so the
// configured scopes are recorded instead.
func (e *EndpointExchanger) credentialsFromToken(token *oauth2.Token) *Credentials {
	tokenType := token.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &Credentials{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    token.Expiry,
		Scopes:       append([]string(nil), e.config.Scopes...),
	}
}
