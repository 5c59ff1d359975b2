package mcpauth

import (
	"log/slog"
	"time"
)

// DefaultRealm is used in WWW-Authenticate challenges when no realm is
// configured.
const DefaultRealm = "MCP Server"

// Config holds the configuration for the authentication middleware and
// the HTTP endpoint handler.
type Config struct {
	// Enabled controls whether authentication is enforced at all. When
	// false the middleware passes every request through.
	Enabled bool

	// Realm appears in WWW-Authenticate challenges.
	Realm string

	// ProtocolEndpoints are paths that always require authentication
	// when enabled, regardless of DefaultProtected. Default: ["/mcp"].
	ProtocolEndpoints []string

	// OpenEndpoints are additional paths that never require
	// authentication. The OAuth endpoints and the well-known metadata
	// path are always open.
	OpenEndpoints []string

	// DefaultProtected is the posture for paths not listed above. When
	// true, unknown paths require authentication.
	DefaultProtected bool

	// RateLimit configures per-IP rate limiting on the OAuth endpoints.
	RateLimit RateLimitConfig

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// CleanupInterval is how often to cleanup inactive rate limiters.
	CleanupInterval time.Duration
}

// applyDefaults fills in the secure defaults.
func (c *Config) applyDefaults() {
	if c.Realm == "" {
		c.Realm = DefaultRealm
	}
	if len(c.ProtocolEndpoints) == 0 {
		c.ProtocolEndpoints = []string{"/mcp"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
