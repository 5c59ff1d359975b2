// Package mcpauth brokers authentication between protocol hosts and
// third-party APIs. It plays two OAuth roles at once:
//
//   - Authorization server: it registers clients dynamically (RFC
//     7591), runs the authorization code grant with mandatory S256 PKCE
//     for public clients (RFC 7636), rotates refresh tokens, revokes
//     tokens (RFC 7009), and publishes discovery metadata (RFC 8414).
//     See the authserver package.
//
//   - Consumer: it runs authorization flows against an upstream
//     provider (GitHub, Google, anything with standard endpoints) and
//     keeps the resulting per-user credentials live through refresh.
//     See the consumer package.
//
// The two roles meet in session binding: a protocol request is only
// authorized when the caller's own access token is valid AND the bound
// user still holds a usable third-party credential. The middleware in
// this package enforces that on every protected request and answers
// failures with actionable WWW-Authenticate challenges.
//
// All state lives behind the kv.Store interface, with in-memory and
// Valkey backends provided. Tokens are opaque random strings, never
// JWTs; possession of the store is possession of the sessions.
package mcpauth
