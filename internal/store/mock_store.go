// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject persistence failures

package store

import (
	"context"
	"sort"
	"sync"

	"github.com/2389/coven-coordinator/internal/protocol"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	messages  []*protocol.Message
	seen      map[string]bool
	consensus map[string]*ConsensusRecord
	order     []string // decision ids in save order

	// SaveMessageErr, when set, is returned by every SaveMessage call.
	SaveMessageErr error
	// SaveConsensusErr, when set, is returned by every SaveConsensus call.
	SaveConsensusErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		seen:      make(map[string]bool),
		consensus: make(map[string]*ConsensusRecord),
	}
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *protocol.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveMessageErr != nil {
		return m.SaveMessageErr
	}
	if m.seen[msg.ID] {
		return nil
	}
	m.seen[msg.ID] = true
	m.messages = append(m.messages, msg)
	return nil
}

// ListMessages returns the messages of one conversation, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, correlationID string, limit int) ([]*protocol.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*protocol.Message
	for _, msg := range m.messages {
		if msg.CorrelationID == correlationID {
			out = append(out, msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Messages returns every stored message in save order.
func (m *MockStore) Messages() []*protocol.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*protocol.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// SaveConsensus stores a consensus round.
func (m *MockStore) SaveConsensus(ctx context.Context, rec *ConsensusRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveConsensusErr != nil {
		return m.SaveConsensusErr
	}

	// Make a copy to avoid external modification
	r := *rec
	r.Votes = append([]VoteRecord(nil), rec.Votes...)
	if _, ok := m.consensus[r.DecisionID]; !ok {
		m.order = append(m.order, r.DecisionID)
	}
	m.consensus[r.DecisionID] = &r
	return nil
}

// GetConsensus retrieves a consensus round by decision id.
func (m *MockStore) GetConsensus(ctx context.Context, decisionID string) (*ConsensusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.consensus[decisionID]
	if !ok {
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// ListConsensus returns the most recent rounds, newest first.
func (m *MockStore) ListConsensus(ctx context.Context, limit int) ([]*ConsensusRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	var out []*ConsensusRecord
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		r := *m.consensus[m.order[i]]
		r.Votes = nil
		out = append(out, &r)
	}
	return out, nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// Compile-time check that MockStore implements Store
var _ Store = (*MockStore)(nil)
