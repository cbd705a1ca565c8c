package identity

import (
	"context"
	"fmt"
	"sync"
)

// MockIssuer implements Issuer in memory for tests and local development.
// IssueErr and RevokeErr, when set, are returned by every call.
type MockIssuer struct {
	mu        sync.Mutex
	seq       int
	active    map[string]bool
	revoked   []string
	IssueErr  error
	RevokeErr error
}

// NewMockIssuer creates an empty MockIssuer.
func NewMockIssuer() *MockIssuer {
	return &MockIssuer{active: make(map[string]bool)}
}

func (m *MockIssuer) IssueAnonymous(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IssueErr != nil {
		return "", m.IssueErr
	}
	m.seq++
	id := fmt.Sprintf("anon-%d", m.seq)
	m.active[id] = true
	return id, nil
}

func (m *MockIssuer) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.RevokeErr != nil {
		return m.RevokeErr
	}
	delete(m.active, id)
	m.revoked = append(m.revoked, id)
	return nil
}

// Active returns the identities issued and not revoked.
func (m *MockIssuer) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Revoked returns the identities revoked so far, in order.
func (m *MockIssuer) Revoked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.revoked...)
}
