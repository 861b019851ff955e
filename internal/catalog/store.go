package catalog

import (
	"context"
	"sync"
)

// Store persists listings. The catalog writes through on every mutation and
// reads everything back once at startup.
type Store interface {
	PutListing(ctx context.Context, listing Listing) error
	ListListings(ctx context.Context) ([]Listing, error)
}

// MemoryStore keeps listings in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[ID]Listing
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{listings: make(map[ID]Listing)}
}

func (s *MemoryStore) PutListing(_ context.Context, listing Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[listing.ID()] = listing.Clone()
	return nil
}

func (s *MemoryStore) ListListings(_ context.Context) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, l.Clone())
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
