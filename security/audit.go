// Package security provides the audit logging and rate limiting used by
// the authorization server, the third-party consumer, and the
// authentication middleware.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Audit event types.
const (
	EventClientRegistered     = "client_registered"
	EventClientRevoked        = "client_revoked"
	EventRegistrationRejected = "client_registration_rejected"
	EventCodeIssued           = "authorization_code_issued"
	EventCodeExchanged        = "authorization_code_exchanged"
	EventTokenIssued          = "token_issued"
	EventTokenRefreshed       = "token_refreshed"
	EventAuthFailure          = "auth_failure"
	EventFlowStarted          = "third_party_flow_started"
	EventCallbackHandled      = "third_party_callback_handled"
	EventCredentialRefresh    = "third_party_credential_refreshed"
	EventCredentialRevoked    = "third_party_credential_revoked"
	EventRateLimitExceeded    = "rate_limit_exceeded"
)

// Auditor handles security event logging with PII protection. User ids
// are hashed before they reach the log sink.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event.
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs issuance of an access token pair.
func (a *Auditor) LogTokenIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenIssued,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogTokenRefreshed logs a refresh token rotation.
func (a *Auditor) LogTokenRefreshed(userID, clientID string) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		ClientID: clientID,
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(userID, clientID, reason string) {
	a.LogEvent(Event{
		Type:     EventAuthFailure,
		UserID:   userID,
		ClientID: clientID,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogClientRegistered logs registration of a new client.
func (a *Auditor) LogClientRegistered(clientID, clientName string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		ClientID: clientID,
		Details: map[string]any{
			"client_name": clientName,
		},
	})
}

// LogClientRevoked logs removal of a client registration.
func (a *Auditor) LogClientRevoked(clientID string) {
	a.LogEvent(Event{
		Type:     EventClientRevoked,
		ClientID: clientID,
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(identifier string) {
	a.LogEvent(Event{
		Type: EventRateLimitExceeded,
		Details: map[string]any{
			"identifier_hash": hashForLogging(identifier),
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data so
// events remain correlatable without exposing the raw value.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
