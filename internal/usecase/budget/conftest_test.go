package budget

import (
	"context"
	"fmt"
	"sync"

	"github.com/kailas-cloud/aigate/internal/domain"
)

// mockWindows implements Windows in memory for tests.
type mockWindows struct {
	mu       sync.Mutex
	tokens   map[string]int64
	calls    map[string]int64
	incrErr  error
	failOnce bool // fail the next increment only
}

func newMockWindows() *mockWindows {
	return &mockWindows{
		tokens: map[string]int64{},
		calls:  map[string]int64{},
	}
}

func wkey(scope domain.Scope, period domain.Period, window string) string {
	return fmt.Sprintf("%s|%s|%s", scope, period, window)
}

func (m *mockWindows) IncrTokens(_ context.Context, scope domain.Scope, period domain.Period, window string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return 0, err
	}
	k := wkey(scope, period, window)
	m.tokens[k] += n
	return m.tokens[k], nil
}

func (m *mockWindows) IncrCalls(_ context.Context, scope domain.Scope, period domain.Period, window string, n int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.maybeFail(); err != nil {
		return 0, err
	}
	k := wkey(scope, period, window)
	m.calls[k] += n
	return m.calls[k], nil
}

func (m *mockWindows) maybeFail() error {
	if m.incrErr == nil {
		return nil
	}
	err := m.incrErr
	if m.failOnce {
		m.incrErr = nil
	}
	return err
}

func (m *mockWindows) tokensAt(scope domain.Scope, period domain.Period, window string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens[wkey(scope, period, window)]
}

func (m *mockWindows) callsAt(scope domain.Scope, period domain.Period, window string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[wkey(scope, period, window)]
}
