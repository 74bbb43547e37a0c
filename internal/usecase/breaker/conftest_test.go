package breaker

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/kailas-cloud/aigate/internal/db"
)

// mockStore implements the breaker's store contract with real CAS
// semantics so races between transitions behave as on Redis.
type mockStore struct {
	mu     sync.Mutex
	values map[string][]byte
	getErr error
	casErr error
}

func newMockStore() *mockStore {
	return &mockStore{values: map[string][]byte{}}
}

func (m *mockStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	v, ok := m.values[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (m *mockStore) CompareAndSet(_ context.Context, key string, expected, value []byte, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.casErr != nil {
		return false, m.casErr
	}
	cur, ok := m.values[key]
	if len(expected) == 0 {
		if ok {
			return false, nil
		}
	} else if !ok || !bytes.Equal(cur, expected) {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}
