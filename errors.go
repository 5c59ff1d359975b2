package mcpauth

import (
	"fmt"
	"net/http"

	"github.com/toolbridge/mcp-auth/authserver"
)

// OAuth error codes surfaced at the HTTP boundary. These mirror the
// authserver codes plus the request-shape failures only the middleware
// can detect.
const (
	ErrorCodeInvalidRequest          = authserver.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = authserver.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = authserver.ErrorCodeInvalidGrant
	ErrorCodeInvalidToken            = authserver.ErrorCodeInvalidToken
	ErrorCodeTokenExpired            = authserver.ErrorCodeTokenExpired
	ErrorCodeInvalidClientMetadata   = authserver.ErrorCodeInvalidClientMetadata
	ErrorCodeUnsupportedGrantType    = authserver.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = authserver.ErrorCodeUnsupportedResponseType
	ErrorCodeAccessDenied            = authserver.ErrorCodeAccessDenied
	ErrorCodeServerError             = authserver.ErrorCodeServerError
	ErrorCodeRateLimitExceeded       = "rate_limit_exceeded"

	ErrorCodeThirdPartyAuthRequired   = authserver.ErrorCodeThirdPartyAuthRequired
	ErrorCodeThirdPartyReauthRequired = authserver.ErrorCodeThirdPartyReauthRequired
	ErrorCodeInsufficientScope        = authserver.ErrorCodeInsufficientScope
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable instances
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or revoked
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrTokenExpired indicates the access token outlived its TTL
	ErrTokenExpired = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeTokenExpired, desc, http.StatusUnauthorized)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrThirdPartyAuthRequired indicates the session has no bound third-party credential
	ErrThirdPartyAuthRequired = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeThirdPartyAuthRequired, desc, http.StatusForbidden)
	}

	// ErrThirdPartyReauthRequired indicates the bound third-party credential is dead
	ErrThirdPartyReauthRequired = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeThirdPartyReauthRequired, desc, http.StatusForbidden)
	}
)

// oauthErrorFromProtocol converts an authserver protocol error to its
// HTTP representation.
func oauthErrorFromProtocol(err *authserver.Error) *OAuthError {
	return NewOAuthError(err.Code, err.Description, statusForErrorCode(err.Code))
}

// statusForErrorCode maps OAuth error codes to HTTP status codes.
// Session binding failures are 403: the caller's own token was fine,
// the third-party credential was not.
func statusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidToken, ErrorCodeTokenExpired, ErrorCodeInvalidClient:
		return http.StatusUnauthorized
	case ErrorCodeThirdPartyAuthRequired, ErrorCodeThirdPartyReauthRequired, ErrorCodeInsufficientScope, ErrorCodeAccessDenied:
		return http.StatusForbidden
	case ErrorCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrorCodeServerError:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}
