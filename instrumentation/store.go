package instrumentation

import (
	"context"
	"time"

	"github.com/toolbridge/mcp-auth/kv"
)

// WrapStore returns a kv.Store that records an operation counter and a
// duration histogram around every call to the wrapped store. With nil
// metrics the store is returned unwrapped.
func WrapStore(store kv.Store, m *Metrics) kv.Store {
	if m == nil {
		return store
	}
	return &instrumentedStore{store: store, metrics: m}
}

type instrumentedStore struct {
	store   kv.Store
	metrics *Metrics
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := s.store.Get(ctx, key)
	s.metrics.RecordKVOperation(ctx, "get", err, start)
	return value, err
}

func (s *instrumentedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := s.store.Set(ctx, key, value, ttl)
	s.metrics.RecordKVOperation(ctx, "set", err, start)
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.store.Delete(ctx, key)
	s.metrics.RecordKVOperation(ctx, "delete", err, start)
	return err
}

func (s *instrumentedStore) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := s.store.List(ctx, prefix)
	s.metrics.RecordKVOperation(ctx, "list", err, start)
	return keys, err
}
