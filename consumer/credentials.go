package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/toolbridge/mcp-auth/kv"
)

// DefaultExpiryBuffer is how close to expiry a credential may get before
// a buffered read treats it as already expired. The buffer keeps a token
// from dying mid-request after it was handed to a caller.
const DefaultExpiryBuffer = 5 * time.Minute

// CredentialStore persists third-party credentials per user and
// provider. Absent records are (nil, nil), not errors; errors are
// reserved for storage failures.
type CredentialStore interface {
	// Get returns the credentials if they are live, applying the expiry
	// buffer. Expired or near-expiry credentials read as nil.
	Get(ctx context.Context, providerID, userID string) (*Credentials, error)

	// GetRaw returns the stored record regardless of expiry, so callers
	// can reach the refresh token of an expired credential.
	GetRaw(ctx context.Context, providerID, userID string) (*Credentials, error)

	// Put stores or replaces the credentials for a user.
	Put(ctx context.Context, providerID, userID string, creds *Credentials) error

	// Delete removes the credentials for a user. Deleting a missing
	// record is not an error.
	Delete(ctx context.Context, providerID, userID string) error

	// Users lists the user ids with a stored record for the provider.
	Users(ctx context.Context, providerID string) ([]string, error)
}

// KVCredentialStore implements CredentialStore on a kv.Store.
type KVCredentialStore struct {
	store        kv.Store
	namespace    string
	expiryBuffer time.Duration
}

// NewKVCredentialStore creates a credential store under the given key
// namespace. A zero expiryBuffer takes DefaultExpiryBuffer; pass a
// negative value to disable the buffer entirely.
func NewKVCredentialStore(store kv.Store, namespace string, expiryBuffer time.Duration) *KVCredentialStore {
	if namespace == "" {
		namespace = "oauth:credentials:"
	}
	if expiryBuffer == 0 {
		expiryBuffer = DefaultExpiryBuffer
	}
	if expiryBuffer < 0 {
		expiryBuffer = 0
	}
	return &KVCredentialStore{
		store:        store,
		namespace:    namespace,
		expiryBuffer: expiryBuffer,
	}
}

// Get implements CredentialStore.
func (s *KVCredentialStore) Get(ctx context.Context, providerID, userID string) (*Credentials, error) {
	creds, err := s.GetRaw(ctx, providerID, userID)
	if err != nil || creds == nil {
		return nil, err
	}
	if !creds.ExpiresAt.IsZero() && time.Now().Add(s.expiryBuffer).After(creds.ExpiresAt) {
		return nil, nil
	}
	return creds, nil
}

// GetRaw implements CredentialStore.
func (s *KVCredentialStore) GetRaw(ctx context.Context, providerID, userID string) (*Credentials, error) {
	data, err := s.store.Get(ctx, s.key(providerID, userID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return &creds, nil
}

// Put implements CredentialStore. Records carry no store-level TTL;
// expiry lives inside the record so the refresh token outlives the
// access token it accompanies.
func (s *KVCredentialStore) Put(ctx context.Context, providerID, userID string, creds *Credentials) error {
	data, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	if err := s.store.Set(ctx, s.key(providerID, userID), data, 0); err != nil {
		return fmt.Errorf("failed to store credentials: %w", err)
	}
	return nil
}

// Delete implements CredentialStore.
func (s *KVCredentialStore) Delete(ctx context.Context, providerID, userID string) error {
	if err := s.store.Delete(ctx, s.key(providerID, userID)); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// Users implements CredentialStore.
func (s *KVCredentialStore) Users(ctx context.Context, providerID string) ([]string, error) {
	prefix := s.namespace + providerID + ":"
	keys, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	users := make([]string, 0, len(keys))
	for _, key := range keys {
		users = append(users, strings.TrimPrefix(key, prefix))
	}
	return users, nil
}

func (s *KVCredentialStore) key(providerID, userID string) string {
	return s.namespace + providerID + ":" + userID
}
