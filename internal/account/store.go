package account

import (
	"context"
	"math/big"
	"sync"
)

// Store persists agent state.
type Store interface {
	PutAgent(ctx context.Context, state State) error
	ListAgents(ctx context.Context) ([]State, error)
}

// MemoryStore keeps agent state in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]State)}
}

func (s *MemoryStore) PutAgent(_ context.Context, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[state.ID] = cloneState(state)
	return nil
}

func (s *MemoryStore) ListAgents(_ context.Context) ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]State, 0, len(s.agents))
	for _, st := range s.agents {
		out = append(out, cloneState(st))
	}
	return out, nil
}

func cloneState(st State) State {
	if st.Balance != nil {
		st.Balance = new(big.Int).Set(st.Balance)
	}
	return st
}

var _ Store = (*MemoryStore)(nil)
