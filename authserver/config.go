package authserver

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default token lifetimes.
const (
	DefaultAuthorizationCodeTTL = 10 * time.Minute
	DefaultAccessTokenTTL       = 1 * time.Hour
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour

	// DefaultClockSkewGrace is subtracted from "now" when checking token
	// expiry so a token issued by one node is not rejected by another
	// node whose clock runs slightly ahead.
	DefaultClockSkewGrace = 5 * time.Second
)

// Artifact prefixes. Every identifier the server mints is typed by its
// prefix so logs and storage keys are self-describing.
const (
	ClientIDPrefix          = "mcp_client_"
	AccessTokenPrefix       = "mcp_token_"
	RefreshTokenPrefix      = "mcp_refresh_"
	AuthorizationCodePrefix = "mcp_code_"
)

// DefaultScopes are granted when a client registers or a token is issued
// without an explicit scope.
var DefaultScopes = []string{"read", "write"}

// Namespaces holds the key prefixes under which the server persists its
// state. Separate prefixes keep List operations cheap and let operators
// share one store between components.
type Namespaces struct {
	Clients       string
	Codes         string
	AccessTokens  string
	RefreshTokens string
}

// applyDefaults fills in empty namespace prefixes.
func (n *Namespaces) applyDefaults() {
	if n.Clients == "" {
		n.Clients = "oauth:clients:"
	}
	if n.Codes == "" {
		n.Codes = "oauth:codes:"
	}
	if n.AccessTokens == "" {
		n.AccessTokens = "oauth:access:"
	}
	if n.RefreshTokens == "" {
		n.RefreshTokens = "oauth:refresh:"
	}
}

// StaticClient is an operator-provisioned confidential client. Unlike
// dynamically registered clients it carries a secret, stored as a bcrypt
// hash produced by HashClientSecret.
type StaticClient struct {
	ClientID     string
	SecretHash   string
	RedirectURIs []string
	ClientName   string
	Scope        string
}

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the external base URL of this server, without a trailing
	// slash. Required. Used in metadata and challenge headers.
	Issuer string

	// ServerName and ServerVersion identify this deployment in the
	// metadata extension block.
	ServerName    string
	ServerVersion string

	// SupportedWorkflows lists the internal workflow names advertised in
	// the metadata extension block.
	SupportedWorkflows []string

	// SupportedScopes are the scopes this server understands. Defaults
	// to DefaultScopes.
	SupportedScopes []string

	// EnableDynamicRegistration controls whether POST /register accepts
	// new clients. Static clients work regardless.
	EnableDynamicRegistration bool

	// AllowedRedirectHosts restricts the hosts dynamically registered
	// redirect URIs may point at. Empty means any host.
	AllowedRedirectHosts []string

	// AllowInsecureRedirects permits plain-http redirect URIs beyond the
	// loopback addresses, which are always allowed for native clients.
	AllowInsecureRedirects bool

	// StaticClients are provisioned at startup, before any request is
	// served.
	StaticClients []StaticClient

	// Token lifetimes. Zero values take the defaults above.
	AuthorizationCodeTTL time.Duration
	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration

	// ClockSkewGrace is the tolerance applied to expiry checks.
	ClockSkewGrace time.Duration
}

// applyDefaults normalizes the config, filling zero values with the
// secure defaults.
func (c *Config) applyDefaults() {
	c.Issuer = strings.TrimSuffix(c.Issuer, "/")
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = append([]string(nil), DefaultScopes...)
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.ClockSkewGrace <= 0 {
		c.ClockSkewGrace = DefaultClockSkewGrace
	}
}

// validate checks the parts of the config that cannot be defaulted.
func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	return nil
}

// isLoopbackHost reports whether host (without port) is a loopback
// address, for which plain http redirect URIs are always acceptable.
func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
