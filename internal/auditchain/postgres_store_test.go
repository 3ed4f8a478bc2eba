//go:build integration

package auditchain

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/finaiguard/internal/testutil"
)

func newPostgresService(t *testing.T) (*Service, *PostgresStore) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	t.Cleanup(cleanup)

	store := NewPostgresStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	h, err := NewHasher(SHA256)
	require.NoError(t, err)
	return NewService(store, h, nil), store
}

func TestPostgres_AppendAndRead(t *testing.T) {
	svc, _ := newPostgresService(t)
	ctx := context.Background()

	written := appendN(t, svc, "pg", 3)
	read, err := svc.Snapshot(ctx, "pg")
	require.NoError(t, err)
	require.Len(t, read, 3)
	for i := range written {
		assert.Equal(t, written[i].EntryHash, read[i].EntryHash)
		assert.Equal(t, written[i].PrevHash, read[i].PrevHash)
		assert.Equal(t, written[i].Timestamp, read[i].Timestamp)
		assert.Equal(t, string(written[i].Payload), string(read[i].Payload), "payload bytes round-trip exactly")
	}

	head, err := svc.Head(ctx, "pg")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head.Length)

	ids, err := svc.Chains(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pg"}, ids)
}

func TestPostgres_RejectsNonExtendingEntries(t *testing.T) {
	svc, store := newPostgresService(t)
	ctx := context.Background()
	entries := appendN(t, svc, "pg", 4)

	dup := entries[3].Clone()
	require.ErrorIs(t, store.Append(ctx, dup), ErrConcurrencyConflict)

	stale := entries[3].Clone()
	stale.Sequence = 4
	stale.PrevHash = entries[2].EntryHash
	require.ErrorIs(t, store.Append(ctx, stale), ErrConcurrencyConflict)

	gap := entries[3].Clone()
	gap.Sequence = 9
	gap.PrevHash = entries[3].EntryHash
	require.ErrorIs(t, store.Append(ctx, gap), ErrConcurrencyConflict)

	n, err := store.Len(ctx, "pg")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)
}

func TestPostgres_MigrateInstallsAppendOnlyTrigger(t *testing.T) {
	svc, store := newPostgresService(t)
	ctx := context.Background()

	// Start from a table without the trigger, as a database created before
	// it existed would be.
	_, err := store.db.ExecContext(ctx, `DROP TRIGGER IF EXISTS audit_entries_no_update ON audit_entries`)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.Migrate(ctx), "migrate is idempotent")

	appendN(t, svc, "pg", 2)

	_, err = store.db.ExecContext(ctx, `UPDATE audit_entries SET payload = '\x00' WHERE chain_id = 'pg' AND sequence = 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = store.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE chain_id = 'pg'`)
	require.Error(t, err)

	n, err := store.Len(ctx, "pg")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

// Two services over one table model two processes that both believe they
// own the chain. The store must keep the chain linear.
func TestPostgres_TwoWritersCannotFork(t *testing.T) {
	svcA, store := newPostgresService(t)
	svcB := NewService(store, svcA.Hasher(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc := svcA
			if i%2 == 1 {
				svc = svcB
			}
			_, _ = svc.Append(ctx, "pg", testPayload{Seq: i})
		}(i)
	}
	wg.Wait()

	entries, err := svcA.Snapshot(ctx, "pg")
	require.NoError(t, err)
	prev := Genesis(svcA.Hasher())
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
		assert.Equal(t, prev, e.PrevHash)
		prev = e.EntryHash
	}
}
