package auditchain

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists chains in PostgreSQL. Payloads are stored as BYTEA
// so the committed bytes come back unchanged.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed chain store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the audit_entries table if it doesn't exist and installs
// the trigger that rejects UPDATE and DELETE on it. It matches
// migrations/001_audit_entries.sql, so either path yields the same schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_entries (
			chain_id      VARCHAR(128) NOT NULL,
			sequence      BIGINT       NOT NULL CHECK (sequence >= 0),
			recorded_at   TIMESTAMPTZ  NOT NULL,
			content_hash  VARCHAR(128) NOT NULL,
			prev_hash     VARCHAR(128) NOT NULL,
			entry_hash    VARCHAR(128) NOT NULL,
			payload       BYTEA        NOT NULL,
			PRIMARY KEY (chain_id, sequence),
			UNIQUE (chain_id, prev_hash)
		);

		CREATE OR REPLACE FUNCTION audit_entries_immutable() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'audit_entries is append-only';
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS audit_entries_no_update ON audit_entries;
		CREATE TRIGGER audit_entries_no_update
			BEFORE UPDATE OR DELETE ON audit_entries
			FOR EACH ROW EXECUTE FUNCTION audit_entries_immutable();
	`)
	if err != nil {
		return fmt.Errorf("migrate audit_entries: %w", err)
	}
	return nil
}

// Append inserts entry only when it extends the stored tip: sequence 0 on an
// empty chain, or sequence n whose prev_hash equals entry n-1's hash. The
// primary key closes the race between two writers passing that check.
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries
			(chain_id, sequence, recorded_at, content_hash, prev_hash, entry_hash, payload)
		SELECT $1::VARCHAR, $2::BIGINT, $3::TIMESTAMPTZ, $4::VARCHAR, $5::VARCHAR, $6::VARCHAR, $7::BYTEA
		WHERE ($2::BIGINT = 0 AND NOT EXISTS (
				SELECT 1 FROM audit_entries WHERE chain_id = $1::VARCHAR))
		   OR EXISTS (
				SELECT 1 FROM audit_entries
				WHERE chain_id = $1::VARCHAR AND sequence = $2::BIGINT - 1 AND entry_hash = $5::VARCHAR)
		ON CONFLICT DO NOTHING
	`,
		entry.ChainID,
		int64(entry.Sequence), //nolint:gosec // sequences stay far below MaxInt64
		entry.Timestamp,
		entry.ContentHash,
		entry.PrevHash,
		entry.EntryHash,
		[]byte(entry.Payload),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pqErr.Message)
		}
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s#%d does not extend the stored tip", ErrConcurrencyConflict, entry.ChainID, entry.Sequence)
	}
	return nil
}

func (s *PostgresStore) Last(ctx context.Context, chainID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chain_id, sequence, recorded_at, content_hash, prev_hash, entry_hash, payload
		FROM audit_entries
		WHERE chain_id = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, chainID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) Range(ctx context.Context, chainID string, from, to uint64) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain_id, sequence, recorded_at, content_hash, prev_hash, entry_hash, payload
		FROM audit_entries
		WHERE chain_id = $1 AND sequence >= $2 AND sequence < $3
		ORDER BY sequence ASC
	`, chainID, int64(from), int64(to)) //nolint:gosec // bounded by chain length
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Len(ctx context.Context, chainID string) (uint64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence) + 1, 0) FROM audit_entries WHERE chain_id = $1
	`, chainID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return uint64(n), nil //nolint:gosec // never negative
}

func (s *PostgresStore) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_id FROM audit_entries ORDER BY chain_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list chains: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chain id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Ping checks database connectivity for health probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e        Entry
		seq      int64
		recorded time.Time
		payload  []byte
	)
	if err := sc.Scan(&e.ChainID, &seq, &recorded, &e.ContentHash, &e.PrevHash, &e.EntryHash, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan audit entry: %w", err)
	}
	e.Sequence = uint64(seq) //nolint:gosec // CHECK (sequence >= 0)
	e.Timestamp = recorded.UTC()
	e.Payload = payload
	return &e, nil
}

var _ Store = (*PostgresStore)(nil)
