package reputation

import (
	"context"
	"sync"
)

// Store persists provider scores.
type Store interface {
	PutScore(ctx context.Context, score Score) error
	ListScores(ctx context.Context) ([]Score, error)
}

// MemoryStore keeps scores in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	scores map[string]Score
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scores: make(map[string]Score)}
}

func (s *MemoryStore) PutScore(_ context.Context, score Score) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[score.ProviderID] = score
	return nil
}

func (s *MemoryStore) ListScores(_ context.Context) ([]Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Score, 0, len(s.scores))
	for _, sc := range s.scores {
		out = append(out, sc)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
