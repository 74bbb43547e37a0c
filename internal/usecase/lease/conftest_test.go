package lease

import (
	"context"
	"sync"
	"time"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// mockSlots implements Slots in memory: expiry-stamped members per
// scope, with a movable clock to drive TTL reclamation.
type mockSlots struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       time.Time
	slots     map[domain.Scope]map[string]time.Time
	grantErr  error
	grantLand bool // the grant lands in the set before grantErr is returned
	revokes   int
}

func newMockSlots() *mockSlots {
	return &mockSlots{
		ttl:   70 * time.Second,
		now:   time.Unix(1_700_000_000, 0),
		slots: map[domain.Scope]map[string]time.Time{},
	}
}

func (m *mockSlots) Grant(_ context.Context, scope domain.Scope, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(scope)
	if m.grantErr != nil {
		if m.grantLand {
			m.addLocked(scope, id)
		}
		return 0, m.grantErr
	}
	m.addLocked(scope, id)
	return int64(len(m.slots[scope])), nil
}

func (m *mockSlots) Revoke(_ context.Context, scope domain.Scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revokes++
	delete(m.slots[scope], id)
	return nil
}

func (m *mockSlots) addLocked(scope domain.Scope, id string) {
	if m.slots[scope] == nil {
		m.slots[scope] = map[string]time.Time{}
	}
	m.slots[scope][id] = m.now.Add(m.ttl)
}

func (m *mockSlots) pruneLocked(scope domain.Scope) {
	for id, expiry := range m.slots[scope] {
		if !expiry.After(m.now) {
			delete(m.slots[scope], id)
		}
	}
}

func (m *mockSlots) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// count returns the number of live (unexpired) slots in scope.
func (m *mockSlots) count(scope domain.Scope) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, expiry := range m.slots[scope] {
		if expiry.After(m.now) {
			n++
		}
	}
	return n
}

func (m *mockSlots) revokeCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revokes
}
