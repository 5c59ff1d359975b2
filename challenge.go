package mcpauth

import (
	"fmt"
	"strings"

	"github.com/toolbridge/mcp-auth/authserver"
)

// Challenge carries everything a client needs to recover from an
// authentication failure: where to register, where to authorize, what
// went wrong, and, for third-party re-authorization, the provider URL
// to send the user to.
type Challenge struct {
	Realm                      string
	AuthorizationURI           string
	RegistrationURI            string
	ErrorCode                  string
	ErrorDescription           string
	ThirdPartyAuthorizationURL string
}

// newChallenge builds a challenge from the server configuration and a
// failure.
func newChallenge(realm string, cfg *authserver.Config, code, description string) *Challenge {
	c := &Challenge{
		Realm:            realm,
		ErrorCode:        code,
		ErrorDescription: description,
	}
	if cfg != nil {
		c.AuthorizationURI = cfg.Issuer + authserver.AuthorizationPath
		if cfg.EnableDynamicRegistration {
			c.RegistrationURI = cfg.Issuer + authserver.RegistrationPath
		}
	}
	return c
}

// Header renders the WWW-Authenticate header value per RFC 6750
// section 3. Parameters with empty values are omitted.
func (c *Challenge) Header() string {
	var params []string
	add := func(key, value string) {
		if value != "" {
			params = append(params, fmt.Sprintf("%s=%q", key, value))
		}
	}

	add("realm", c.Realm)
	add("authorization_uri", c.AuthorizationURI)
	add("registration_uri", c.RegistrationURI)
	add("error", c.ErrorCode)
	add("error_description", c.ErrorDescription)
	add("third_party_authorization_url", c.ThirdPartyAuthorizationURL)

	return "Bearer " + strings.Join(params, ", ")
}
