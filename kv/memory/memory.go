// Package memory provides an in-memory implementation of the kv.Store
// contract. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/toolbridge/mcp-auth/kv"
)

// entry holds a stored value and its optional expiry.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Store is an in-memory kv.Store backed by a mutex-guarded map.
// Expired entries are rejected on read and reaped by a background
// janitor, so TTL enforcement does not depend on janitor timing.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	janitorInterval time.Duration
	stopJanitor     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New creates a new in-memory store with the default janitor interval
// (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom janitor
// interval. If janitorInterval is zero or negative, the default of
// 1 minute is used.
func NewWithInterval(janitorInterval time.Duration) *Store {
	if janitorInterval <= 0 {
		janitorInterval = time.Minute
	}

	s := &Store{
		entries:         make(map[string]*entry),
		janitorInterval: janitorInterval,
		stopJanitor:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.janitorLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// Get retrieves the value for key, honoring expiry.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return nil, kv.ErrNotFound
	}
	if e.expired(time.Now()) {
		// Lazy expiry: remove the record so a later read cannot
		// resurrect it even if the janitor is behind.
		s.mu.Lock()
		if cur, still := s.entries[key]; still && cur == e {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, kv.ErrNotFound
	}

	// Copy so callers cannot mutate stored state.
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// Set stores value under key with an optional TTL.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	e := &entry{value: stored}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes the value for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// List returns all non-expired keys with the given prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for k, e := range s.entries {
		if strings.HasPrefix(k, prefix) && !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// Len returns the number of stored entries, including any expired
// entries the janitor has not yet reaped. Used by tests and metrics.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Stop gracefully stops the janitor goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopJanitor)
	})
}

// janitorLoop periodically removes expired entries to bound memory use.
func (s *Store) janitorLoop() {
	ticker := time.NewTicker(s.janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reapExpired()
		case <-s.stopJanitor:
			return
		}
	}
}

// reapExpired removes all expired entries.
func (s *Store) reapExpired() {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			removed++
		}
	}
	remaining := len(s.entries)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Reaped expired entries",
			"removed", removed,
			"remaining", remaining)
	}
}
