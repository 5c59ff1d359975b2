package authserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/toolbridge/mcp-auth/instrumentation"
	"github.com/toolbridge/mcp-auth/internal/randutil"
	"github.com/toolbridge/mcp-auth/kv"
	"github.com/toolbridge/mcp-auth/security"
)

// clientIDRandomHexLen is the number of random hex characters appended to
// ClientIDPrefix when minting client ids.
const clientIDRandomHexLen = 16

// ErrClientNotFound is returned when a client id has no registration.
var ErrClientNotFound = errors.New("client not found")

// Client is a registered OAuth client. Dynamically registered clients are
// public (no secret, PKCE required at the token endpoint); operator
// provisioned clients may be confidential and carry a bcrypt secret hash.
type Client struct {
	ClientID     string    `json:"client_id"`
	SecretHash   string    `json:"secret_hash,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	ClientName   string    `json:"client_name,omitempty"`
	ClientURI    string    `json:"client_uri,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	Contacts     []string  `json:"contacts,omitempty"`
	TosURI       string    `json:"tos_uri,omitempty"`
	PolicyURI    string    `json:"policy_uri,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Confidential reports whether the client authenticates with a secret.
func (c *Client) Confidential() bool {
	return c.SecretHash != ""
}

// RegistrationRequest carries the metadata a client submits when
// registering dynamically.
type RegistrationRequest struct {
	RedirectURIs []string
	ClientName   string
	ClientURI    string
	Scope        string
	Contacts     []string
	TosURI       string
	PolicyURI    string
}

// ClientUpdate is a partial update of client metadata. Nil fields are
// left unchanged.
type ClientUpdate struct {
	RedirectURIs *[]string
	ClientName   *string
	ClientURI    *string
	Scope        *string
}

// RedirectValidation is the result of checking a client id and redirect
// URI pair before issuing an authorization code.
type RedirectValidation struct {
	Valid        bool
	Client       *Client
	ErrorMessage string
}

// RegistryStats summarizes the registry contents. Revocation deletes
// the stored record, so every client still on record is active and the
// two counts can only diverge if a future registration state is added.
type RegistryStats struct {
	TotalClients  int
	ActiveClients int
}

// Registry manages OAuth client registrations on top of a kv.Store.
type Registry struct {
	store   kv.Store
	ns      Namespaces
	config  *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// NewRegistry creates a client registry. The config must already have
// its defaults applied; Server.New does this for callers.
func NewRegistry(store kv.Store, ns Namespaces, config *Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	ns.applyDefaults()
	return &Registry{
		store:  store,
		ns:     ns,
		config: config,
		logger: logger,
	}
}

// SetAuditor attaches an optional security auditor.
func (r *Registry) SetAuditor(a *security.Auditor) { r.auditor = a }

// SetMetrics attaches optional metric instruments.
func (r *Registry) SetMetrics(m *instrumentation.Metrics) { r.metrics = m }

// Register validates the request, mints a fresh client id, and persists
// the registration. Registrations never expire.
func (r *Registry) Register(ctx context.Context, req *RegistrationRequest) (*Client, error) {
	if err := r.validateRegistration(req); err != nil {
		r.auditor.LogEvent(security.Event{
			Type:    security.EventRegistrationRejected,
			Details: map[string]any{"reason": err.Error()},
		})
		return nil, err
	}

	client := &Client{
		ClientID:     ClientIDPrefix + randutil.Hex(clientIDRandomHexLen),
		RedirectURIs: append([]string(nil), req.RedirectURIs...),
		ClientName:   req.ClientName,
		ClientURI:    req.ClientURI,
		Scope:        req.Scope,
		Contacts:     append([]string(nil), req.Contacts...),
		TosURI:       req.TosURI,
		PolicyURI:    req.PolicyURI,
		CreatedAt:    time.Now().UTC(),
	}
	if client.Scope == "" {
		client.Scope = strings.Join(r.config.SupportedScopes, " ")
	}

	if err := r.save(ctx, client); err != nil {
		return nil, err
	}

	r.logger.Info("Client registered",
		"client_id", client.ClientID,
		"client_name", client.ClientName,
		"redirect_uris", len(client.RedirectURIs))
	r.auditor.LogClientRegistered(client.ClientID, client.ClientName)
	if r.metrics != nil {
		r.metrics.ClientsRegistered.Add(ctx, 1)
	}

	return client, nil
}

// Provision stores an operator-configured client verbatim, replacing any
// existing registration under the same id.
func (r *Registry) Provision(ctx context.Context, sc StaticClient) (*Client, error) {
	if sc.ClientID == "" {
		return nil, fmt.Errorf("static client requires a client_id")
	}
	if err := r.validateRedirectURIs(sc.RedirectURIs); err != nil {
		return nil, fmt.Errorf("static client %s: %w", sc.ClientID, err)
	}

	client := &Client{
		ClientID:     sc.ClientID,
		SecretHash:   sc.SecretHash,
		RedirectURIs: append([]string(nil), sc.RedirectURIs...),
		ClientName:   sc.ClientName,
		Scope:        sc.Scope,
		CreatedAt:    time.Now().UTC(),
	}
	if client.Scope == "" {
		client.Scope = strings.Join(r.config.SupportedScopes, " ")
	}
	if err := r.save(ctx, client); err != nil {
		return nil, err
	}
	return client, nil
}

// Get retrieves a client by id. Returns ErrClientNotFound when no
// registration exists.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	data, err := r.store.Get(ctx, r.ns.Clients+clientID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrClientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load client %s: %w", clientID, err)
	}

	var client Client
	if err := json.Unmarshal(data, &client); err != nil {
		return nil, fmt.Errorf("failed to decode client %s: %w", clientID, err)
	}
	return &client, nil
}

// Validate checks that the client exists and that redirectURI exactly
// matches one of its registered redirect URIs. The two failure modes
// carry distinct messages so callers can surface a precise error.
func (r *Registry) Validate(ctx context.Context, clientID, redirectURI string) (*RedirectValidation, error) {
	client, err := r.Get(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return &RedirectValidation{ErrorMessage: "Client not found"}, nil
	}
	if err != nil {
		return nil, err
	}

	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			return &RedirectValidation{Valid: true, Client: client}, nil
		}
	}
	return &RedirectValidation{ErrorMessage: "Invalid redirect URI for client"}, nil
}

// ValidateSecret checks a confidential client's secret against its
// stored bcrypt hash. Public clients and wrong secrets both fail with
// the same generic message.
func (r *Registry) ValidateSecret(ctx context.Context, clientID, secret string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return NewError(ErrorCodeInvalidClient, "Invalid client credentials")
		}
		return err
	}
	if !client.Confidential() {
		return NewError(ErrorCodeInvalidClient, "Invalid client credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		r.auditor.LogAuthFailure("", clientID, "client secret mismatch")
		return NewError(ErrorCodeInvalidClient, "Invalid client credentials")
	}
	return nil
}

// Update applies a partial metadata update. Returns false when the
// client does not exist. New redirect URIs go through the same
// validation as registration.
func (r *Registry) Update(ctx context.Context, clientID string, update ClientUpdate) (bool, error) {
	client, err := r.Get(ctx, clientID)
	if errors.Is(err, ErrClientNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if update.RedirectURIs != nil {
		if err := r.validateRedirectURIs(*update.RedirectURIs); err != nil {
			return false, err
		}
		client.RedirectURIs = append([]string(nil), (*update.RedirectURIs)...)
	}
	if update.ClientName != nil {
		client.ClientName = *update.ClientName
	}
	if update.ClientURI != nil {
		client.ClientURI = *update.ClientURI
	}
	if update.Scope != nil {
		client.Scope = *update.Scope
	}

	if err := r.save(ctx, client); err != nil {
		return false, err
	}
	return true, nil
}

// Revoke removes a client registration. Returns false when the client
// did not exist. Tokens already issued to the client are untouched and
// age out on their own TTLs.
func (r *Registry) Revoke(ctx context.Context, clientID string) (bool, error) {
	if _, err := r.Get(ctx, clientID); err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := r.store.Delete(ctx, r.ns.Clients+clientID); err != nil {
		return false, fmt.Errorf("failed to delete client %s: %w", clientID, err)
	}

	r.logger.Info("Client revoked", "client_id", clientID)
	r.auditor.LogClientRevoked(clientID)
	if r.metrics != nil {
		r.metrics.ClientsRevoked.Add(ctx, 1)
	}
	return true, nil
}

// Stats returns registry statistics.
func (r *Registry) Stats(ctx context.Context) (*RegistryStats, error) {
	keys, err := r.store.List(ctx, r.ns.Clients)
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	return &RegistryStats{
		TotalClients:  len(keys),
		ActiveClients: len(keys),
	}, nil
}

func (r *Registry) save(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("failed to encode client %s: %w", client.ClientID, err)
	}
	// TTL zero: registrations persist until revoked.
	if err := r.store.Set(ctx, r.ns.Clients+client.ClientID, data, 0); err != nil {
		return fmt.Errorf("failed to store client %s: %w", client.ClientID, err)
	}
	return nil
}

// validateRegistration checks a dynamic registration request.
func (r *Registry) validateRegistration(req *RegistrationRequest) error {
	if req == nil || len(req.RedirectURIs) == 0 {
		return NewError(ErrorCodeInvalidClientMetadata, "At least one redirect_uri is required")
	}
	return r.validateRedirectURIs(req.RedirectURIs)
}

// validateRedirectURIs enforces absolute URIs, the HTTPS requirement
// (loopback exempt), and the optional host allow-list.
func (r *Registry) validateRedirectURIs(uris []string) error {
	if len(uris) == 0 {
		return NewError(ErrorCodeInvalidClientMetadata, "At least one redirect_uri is required")
	}
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return newErrorf(ErrorCodeInvalidClientMetadata, "Invalid redirect URI: %s", raw)
		}
		host := u.Hostname()
		if u.Scheme != "https" && !isLoopbackHost(host) && !r.config.AllowInsecureRedirects {
			return newErrorf(ErrorCodeInvalidClientMetadata, "Redirect URI must use HTTPS: %s", raw)
		}
		if u.Fragment != "" {
			return newErrorf(ErrorCodeInvalidClientMetadata, "Redirect URI must not contain a fragment: %s", raw)
		}
		if len(r.config.AllowedRedirectHosts) > 0 && !r.hostAllowed(host) {
			return newErrorf(ErrorCodeInvalidClientMetadata, "Redirect URI host not allowed: %s", raw)
		}
	}
	return nil
}

// hostAllowed reports whether host matches the allow-list exactly or as
// a subdomain of an allowed entry.
func (r *Registry) hostAllowed(host string) bool {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for _, allowed := range r.config.AllowedRedirectHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

// HashClientSecret produces the bcrypt hash stored for a confidential
// static client.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}
