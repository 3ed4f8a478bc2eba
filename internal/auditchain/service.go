package auditchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/finaiguard/internal/metrics"
	"github.com/mbd888/finaiguard/internal/syncutil"
	"github.com/mbd888/finaiguard/internal/traces"
)

// Observer is notified after an entry is committed.
type Observer func(ctx context.Context, entry *Entry)

// Service appends to and reads from audit chains. Appends to one chain are
// serialised; appends to different chains proceed in parallel. Reads never
// take the append lock.
type Service struct {
	store  Store
	hasher Hasher
	locks  *syncutil.KeyedMutex
	now    func() time.Time
	logger *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewService creates a chain service.
func NewService(store Store, hasher Hasher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		hasher: hasher,
		locks:  syncutil.NewKeyedMutex(),
		now:    time.Now,
		logger: logger,
	}
}

// WithClock overrides the wall clock used for entry timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// OnAppend registers an observer for committed entries.
func (s *Service) OnAppend(fn Observer) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Hasher returns the chain hash algorithm.
func (s *Service) Hasher() Hasher {
	return s.hasher
}

// Append commits content as the next entry of chainID.
func (s *Service) Append(ctx context.Context, chainID string, content any) (*Entry, error) {
	return s.append(ctx, chainID, nil, content)
}

// AppendAt commits content only if the chain tip still matches expected.
// A stale expectation fails with ErrConcurrencyConflict and writes nothing.
func (s *Service) AppendAt(ctx context.Context, expected Head, content any) (*Entry, error) {
	return s.append(ctx, expected.ChainID, &expected, content)
}

func (s *Service) append(ctx context.Context, chainID string, expected *Head, content any) (*Entry, error) {
	if !ValidChainID(chainID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChainID, chainID)
	}
	ctx, span := traces.StartSpan(ctx, "auditchain.Append", traces.ChainID(chainID))
	defer span.End()

	payload, err := Canonicalize(content)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.ChainAppendDuration.Observe(time.Since(start).Seconds()) }()

	unlock, err := s.locks.LockContext(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("acquire append lock for %s: %w", chainID, err)
	}
	defer unlock()

	head, err := s.head(ctx, chainID)
	if err != nil {
		metrics.ChainAppendsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if expected != nil && (expected.Length != head.Length || expected.Hash != head.Hash) {
		metrics.ChainAppendsTotal.WithLabelValues("conflict").Inc()
		span.AddEvent("stale head")
		return nil, fmt.Errorf("%w: expected length %d hash %s, head is length %d hash %s",
			ErrConcurrencyConflict, expected.Length, expected.Hash, head.Length, head.Hash)
	}

	entry, err := s.link(head, payload)
	if err != nil {
		metrics.ChainAppendsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if err := s.store.Append(ctx, entry); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			metrics.ChainAppendsTotal.WithLabelValues("conflict").Inc()
		} else {
			metrics.ChainAppendsTotal.WithLabelValues("error").Inc()
		}
		return nil, traces.Fail(span, fmt.Errorf("append %s#%d: %w", chainID, entry.Sequence, err))
	}

	span.SetAttributes(traces.Sequence(entry.Sequence))
	metrics.ChainAppendsTotal.WithLabelValues("ok").Inc()
	metrics.ChainLength.WithLabelValues(chainID).Set(float64(entry.Sequence + 1))
	s.logger.Debug("audit entry appended",
		"chain", chainID, "sequence", entry.Sequence, "entry_hash", entry.EntryHash)

	s.notify(ctx, entry)
	return entry.Clone(), nil
}

// link builds the entry extending head. The timestamp never goes backwards
// within a chain and is truncated to microseconds so every store keeps it
// exactly.
func (s *Service) link(head Head, payload []byte) (*Entry, error) {
	ts := s.now().UTC().Truncate(time.Microsecond)
	if ts.Before(head.Timestamp) {
		ts = head.Timestamp
	}
	contentHash := ContentHash(s.hasher, payload)
	entryHash, err := ComputeEntryHash(s.hasher, head.Length, contentHash, head.Hash)
	if err != nil {
		return nil, err
	}
	return &Entry{
		ChainID:     head.ChainID,
		Sequence:    head.Length,
		Timestamp:   ts,
		ContentHash: contentHash,
		PrevHash:    head.Hash,
		EntryHash:   entryHash,
		Payload:     payload,
	}, nil
}

func (s *Service) notify(ctx context.Context, entry *Entry) {
	s.mu.RLock()
	observers := s.observers
	s.mu.RUnlock()
	for _, fn := range observers {
		fn(ctx, entry.Clone())
	}
}

// Head returns the current tip of chainID.
func (s *Service) Head(ctx context.Context, chainID string) (Head, error) {
	if !ValidChainID(chainID) {
		return Head{}, fmt.Errorf("%w: %q", ErrInvalidChainID, chainID)
	}
	return s.head(ctx, chainID)
}

func (s *Service) head(ctx context.Context, chainID string) (Head, error) {
	last, err := s.store.Last(ctx, chainID)
	if err != nil {
		return Head{}, fmt.Errorf("read head of %s: %w", chainID, err)
	}
	if last == nil {
		return Head{ChainID: chainID, Length: 0, Hash: Genesis(s.hasher)}, nil
	}
	return Head{
		ChainID:   chainID,
		Length:    last.Sequence + 1,
		Hash:      last.EntryHash,
		Timestamp: last.Timestamp,
	}, nil
}

// Len returns the number of entries in chainID.
func (s *Service) Len(ctx context.Context, chainID string) (uint64, error) {
	return s.store.Len(ctx, chainID)
}

// Get returns entries with from <= sequence < to. to is clipped to the chain
// length; from > to is an error.
func (s *Service) Get(ctx context.Context, chainID string, from, to uint64) ([]*Entry, error) {
	if from > to {
		return nil, fmt.Errorf("%w: from %d > to %d", ErrInvalidRange, from, to)
	}
	n, err := s.store.Len(ctx, chainID)
	if err != nil {
		return nil, err
	}
	to = min(to, n)
	if from >= to {
		return []*Entry{}, nil
	}
	return s.store.Range(ctx, chainID, from, to)
}

// Entry returns the entry at sequence.
func (s *Service) Entry(ctx context.Context, chainID string, sequence uint64) (*Entry, error) {
	entries, err := s.store.Range(ctx, chainID, sequence, sequence+1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s#%d", ErrNotFound, chainID, sequence)
	}
	return entries[0], nil
}

// Snapshot returns a consistent prefix of the chain: every entry committed
// when the call started. Later appends do not affect the result.
func (s *Service) Snapshot(ctx context.Context, chainID string) ([]*Entry, error) {
	n, err := s.store.Len(ctx, chainID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return []*Entry{}, nil
	}
	return s.store.Range(ctx, chainID, 0, n)
}

// Chains lists known chain IDs.
func (s *Service) Chains(ctx context.Context) ([]string, error) {
	return s.store.Chains(ctx)
}
