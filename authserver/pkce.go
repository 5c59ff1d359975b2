package authserver

import (
	"github.com/toolbridge/mcp-auth/internal/randutil"
)

// PKCE code verifier length bounds, per RFC 7636 section 4.1.
const (
	minVerifierLength = 43
	maxVerifierLength = 128
)

// VerifyPKCE checks a code verifier against the S256 challenge captured
// at authorization time. A missing challenge means the client did not
// request PKCE and the check passes vacuously. Only S256 is supported;
// the plain method is never accepted.
func VerifyPKCE(codeChallenge, codeVerifier string) *Error {
	if codeChallenge == "" {
		return nil
	}
	if codeVerifier == "" {
		return NewError(ErrorCodeInvalidGrant, "PKCE code verifier required")
	}
	if len(codeVerifier) < minVerifierLength || len(codeVerifier) > maxVerifierLength {
		return NewError(ErrorCodeInvalidGrant, "PKCE code verifier length must be between 43 and 128 characters")
	}
	if !validVerifierCharset(codeVerifier) {
		return NewError(ErrorCodeInvalidGrant, "PKCE code verifier contains invalid characters")
	}
	if !randutil.VerifyS256(codeVerifier, codeChallenge) {
		return NewError(ErrorCodeInvalidGrant, "PKCE code verifier does not match challenge")
	}
	return nil
}

// validVerifierCharset reports whether s uses only the unreserved
// characters RFC 7636 permits: [A-Za-z0-9-._~].
func validVerifierCharset(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
