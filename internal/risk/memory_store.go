package risk

import (
	"context"
	"slices"
	"sync"

	"github.com/mbd888/finaiguard/internal/pagination"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	byWallet map[string][]*Indexed
	byEntry  map[entryKey]*Indexed
}

type entryKey struct {
	chainID  string
	sequence uint64
}

// NewMemoryStore creates an in-memory assessment index.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byWallet: make(map[string][]*Indexed),
		byEntry:  make(map[entryKey]*Indexed),
	}
}

func (s *MemoryStore) Record(ctx context.Context, entry *Indexed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey{entry.ChainID, entry.Sequence}
	if _, exists := s.byEntry[key]; exists {
		return nil
	}
	cp := copyIndexed(entry)
	s.byEntry[key] = cp

	rec := cp.Assessment.Record
	s.byWallet[rec.Wallet] = append(s.byWallet[rec.Wallet], cp)
	if rec.Counterparty != "" && rec.Counterparty != rec.Wallet {
		s.byWallet[rec.Counterparty] = append(s.byWallet[rec.Counterparty], cp)
	}
	return nil
}

func (s *MemoryStore) ListByWallet(ctx context.Context, wallet string, after *pagination.Cursor, limit int) ([]*Indexed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := slices.Clone(s.byWallet[wallet])
	slices.SortFunc(all, func(a, b *Indexed) int { return pagination.Compare(a.Key(), b.Key()) })

	var result []*Indexed
	for _, entry := range all {
		if len(result) == limit {
			break
		}
		if after != nil && pagination.Compare(entry.Key(), *after) <= 0 {
			continue
		}
		result = append(result, copyIndexed(entry))
	}
	return result, nil
}

func (s *MemoryStore) Get(ctx context.Context, chainID string, sequence uint64) (*Indexed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.byEntry[entryKey{chainID, sequence}]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIndexed(entry), nil
}

func copyIndexed(in *Indexed) *Indexed {
	out := *in
	a := *in.Assessment
	a.Verdicts = slices.Clone(in.Assessment.Verdicts)
	if in.Assessment.Supersedes != nil {
		seq := *in.Assessment.Supersedes
		a.Supersedes = &seq
	}
	out.Assessment = &a
	return &out
}

var _ Store = (*MemoryStore)(nil)
