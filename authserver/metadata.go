package authserver

// Well-known endpoint paths served by the HTTP layer.
const (
	MetadataPath      = "/.well-known/oauth-authorization-server"
	AuthorizationPath = "/authorize"
	TokenPath         = "/token"
	RegistrationPath  = "/register"
	RevocationPath    = "/revoke"
)

// Metadata is the RFC 8414 authorization server metadata document.
type Metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`

	// MCP identifies this deployment and its supported internal
	// workflows for protocol hosts that understand the extension.
	MCP *MetadataExtension `json:"mcp,omitempty"`
}

// MetadataExtension is the non-standard block appended to the metadata
// document.
type MetadataExtension struct {
	ServerName          string   `json:"server_name,omitempty"`
	ServerVersion       string   `json:"server_version,omitempty"`
	WorkflowsSupported  []string `json:"workflows_supported,omitempty"`
	SessionBindingModes []string `json:"session_binding_modes,omitempty"`
}

// Metadata builds the discovery document from the server configuration.
// All endpoint URLs are derived from the configured issuer.
func (s *Server) Metadata() *Metadata {
	md := &Metadata{
		Issuer:                 s.config.Issuer,
		AuthorizationEndpoint:  s.config.Issuer + AuthorizationPath,
		TokenEndpoint:          s.config.Issuer + TokenPath,
		RevocationEndpoint:     s.config.Issuer + RevocationPath,
		ScopesSupported:        append([]string(nil), s.config.SupportedScopes...),
		ResponseTypesSupported: []string{"code"},
		GrantTypesSupported:    []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: []string{
			"none",
			"client_secret_basic",
			"client_secret_post",
		},
		// S256 only. Advertising plain would invite downgrade.
		CodeChallengeMethodsSupported: []string{"S256"},
	}

	if s.config.EnableDynamicRegistration {
		md.RegistrationEndpoint = s.config.Issuer + RegistrationPath
	}
	md.MCP = &MetadataExtension{
		ServerName:          s.config.ServerName,
		ServerVersion:       s.config.ServerVersion,
		WorkflowsSupported:  append([]string(nil), s.config.SupportedWorkflows...),
		SessionBindingModes: []string{"third_party_credentials"},
	}
	return md
}
