package auditchain

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]*Entry
}

// NewMemoryStore creates an empty in-memory chain store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]*Entry)}
}

func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[entry.ChainID]
	n := uint64(len(entries))
	if entry.Sequence != n {
		return fmt.Errorf("%w: sequence %d, chain length %d", ErrConcurrencyConflict, entry.Sequence, n)
	}
	if n > 0 && entries[n-1].EntryHash != entry.PrevHash {
		return fmt.Errorf("%w: previous hash does not match entry %d", ErrConcurrencyConflict, n-1)
	}
	s.chains[entry.ChainID] = append(entries, entry.Clone())
	return nil
}

func (s *MemoryStore) Last(ctx context.Context, chainID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.chains[chainID]
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1].Clone(), nil
}

func (s *MemoryStore) Range(ctx context.Context, chainID string, from, to uint64) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.chains[chainID]
	n := uint64(len(entries))
	to = min(to, n)
	if from >= to {
		return []*Entry{}, nil
	}
	result := make([]*Entry, 0, to-from)
	for _, e := range entries[from:to] {
		result = append(result, e.Clone())
	}
	return result, nil
}

func (s *MemoryStore) Len(ctx context.Context, chainID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.chains[chainID])), nil
}

func (s *MemoryStore) Chains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Tamper replaces the stored entry at sequence with the result of mutate,
// bypassing all checks. It exists to exercise integrity verification.
func (s *MemoryStore) Tamper(chainID string, sequence uint64, mutate func(*Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.chains[chainID]
	if sequence >= uint64(len(entries)) {
		return
	}
	cp := entries[sequence].Clone()
	mutate(cp)
	entries[sequence] = cp
}

var _ Store = (*MemoryStore)(nil)
