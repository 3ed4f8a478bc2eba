package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/finaiguard/internal/compliance"
)

func indexed(seq uint64, wallet, counterparty string) *Indexed {
	return &Indexed{
		ChainID:   "main",
		Sequence:  seq,
		EntryHash: "hash",
		Assessment: &Assessment{
			RecordID:    "tx",
			Record:      compliance.TransactionRecord{ID: "tx", Wallet: wallet, Counterparty: counterparty},
			Verdicts:    []compliance.Verdict{{RuleID: "a", Triggered: true, Severity: compliance.Points(5)}},
			Tier:        TierClear,
			Score:       compliance.Points(5),
			EvaluatedAt: time.Date(2026, 1, 1, 0, 0, int(seq), 0, time.UTC),
		},
	}
}

func TestMemoryStore_ListByWallet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Record(ctx, indexed(0, "0xa", "0xb")))
	require.NoError(t, s.Record(ctx, indexed(1, "0xa", "")))
	require.NoError(t, s.Record(ctx, indexed(2, "0xc", "0xa")))

	got, err := s.ListByWallet(ctx, "0xa", nil, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint64(2), got[0].Sequence, "most recent first")
	assert.Equal(t, uint64(0), got[2].Sequence)

	limited, err := s.ListByWallet(ctx, "0xa", nil, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)

	cursor := limited[1].Key()
	rest, err := s.ListByWallet(ctx, "0xa", &cursor, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(0), rest[0].Sequence, "continues after the cursor")

	none, err := s.ListByWallet(ctx, "0xz", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Record(ctx, indexed(0, "0xa", "")))

	got, err := s.Get(ctx, "main", 0)
	require.NoError(t, err)
	got.Assessment.Verdicts[0].RuleID = "mutated"
	got.Assessment.Tier = TierBlock

	again, err := s.Get(ctx, "main", 0)
	require.NoError(t, err)
	assert.Equal(t, "a", again.Assessment.Verdicts[0].RuleID)
	assert.Equal(t, TierClear, again.Assessment.Tier)
}

func TestMemoryStore_DuplicateIgnored(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Record(ctx, indexed(0, "0xa", "")))
	require.NoError(t, s.Record(ctx, indexed(0, "0xa", "")))

	got, err := s.ListByWallet(ctx, "0xa", nil, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "main", 9)
	assert.True(t, errors.Is(err, ErrNotFound))
}
