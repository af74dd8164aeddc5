// Package directory defines the agent-directory store the protocol
// handler reads for routing decisions. The store itself is an external
// service; InMemoryStore is the reference implementation used for
// tests and single-process deployments.
package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentwire/agentwire-go/contracts"
)

// AgentStatus is the mutable part of an agent record.
type AgentStatus struct {
	ActiveTasks int       `json:"activeTasks"`
	LastSeen    time.Time `json:"lastSeen,omitempty"`
}

// AgentRecord describes one registered agent. Type groups agents into
// a class for round-robin and load-balance routing.
type AgentRecord struct {
	ID     string      `json:"id"`
	Type   string      `json:"type"`
	Status AgentStatus `json:"status"`
}

// Store is the directory interface. Reads may be eventually
// consistent; routing decisions tolerate transient staleness.
type Store interface {
	// Register creates or replaces an agent record.
	Register(ctx context.Context, record AgentRecord) error

	// Deregister removes an agent record.
	Deregister(ctx context.Context, agentID string) error

	// Get returns one agent record.
	Get(ctx context.Context, agentID string) (*AgentRecord, error)

	// List returns all known agents.
	List(ctx context.Context) ([]AgentRecord, error)

	// ListByType returns all agents of a class, sorted by id.
	ListByType(ctx context.Context, agentType string) ([]AgentRecord, error)

	// UpdateStatus replaces an agent's status.
	UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error
}

// InMemoryStore is a mutex-guarded in-process Store.
type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]AgentRecord
}

// NewInMemoryStore creates an empty in-memory directory.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]AgentRecord)}
}

// Register creates or replaces an agent record.
func (s *InMemoryStore) Register(ctx context.Context, record AgentRecord) error {
	if record.ID == "" {
		return contracts.NewProtocolError(contracts.ErrCodeInvalidMessage, "agent id is required")
	}
	s.mu.Lock()
	s.records[record.ID] = record
	s.mu.Unlock()
	return nil
}

// Deregister removes an agent record. Removing an unknown agent is a
// no-op.
func (s *InMemoryStore) Deregister(ctx context.Context, agentID string) error {
	s.mu.Lock()
	delete(s.records, agentID)
	s.mu.Unlock()
	return nil
}

// Get returns one agent record.
func (s *InMemoryStore) Get(ctx context.Context, agentID string) (*AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[agentID]
	if !ok {
		return nil, contracts.Errorf(contracts.ErrCodeNotFound, "agent %q not registered", agentID)
	}
	return &record, nil
}

// List returns all known agents sorted by id.
func (s *InMemoryStore) List(ctx context.Context) ([]AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListByType returns all agents of a class sorted by id.
func (s *InMemoryStore) ListByType(ctx context.Context, agentType string) ([]AgentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentRecord, 0)
	for _, record := range s.records {
		if record.Type == agentType {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStatus replaces an agent's status.
func (s *InMemoryStore) UpdateStatus(ctx context.Context, agentID string, status AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[agentID]
	if !ok {
		return contracts.Errorf(contracts.ErrCodeNotFound, "agent %q not registered", agentID)
	}
	record.Status = status
	s.records[agentID] = record
	return nil
}
