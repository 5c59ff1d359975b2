package authserver

import "fmt"

// OAuth error codes returned by the authorization server. The HTTP layer
// maps these to response status codes and WWW-Authenticate challenges.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeInvalidToken            = "invalid_token"
	ErrorCodeTokenExpired            = "token_expired"
	ErrorCodeInvalidClientMetadata   = "invalid_client_metadata"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"

	// Session binding error codes. Returned when the caller's own token
	// is valid but the bound third-party credential is missing or dead.
	ErrorCodeThirdPartyAuthRequired   = "third_party_auth_required"
	ErrorCodeThirdPartyReauthRequired = "third_party_reauth_required"
	ErrorCodeInsufficientScope        = "insufficient_scope"
)

// Error is a protocol-level OAuth error with a standard error code and a
// human-readable description. Expected failures (bad grants, unknown
// clients, PKCE mismatches) are returned as *Error; unexpected failures
// (storage outages) are returned as ordinary wrapped errors.
type Error struct {
	Code        string
	Description string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// newErrorf creates a protocol error with a formatted description.
func newErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}
