package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mbd888/finaiguard/internal/pagination"
)

// PostgresStore persists the assessment index in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment index.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_assessments table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_assessments (
			chain_id      VARCHAR(128) NOT NULL,
			sequence      BIGINT       NOT NULL CHECK (sequence >= 0),
			entry_hash    VARCHAR(128) NOT NULL,
			record_id     VARCHAR(256) NOT NULL,
			wallet        VARCHAR(256) NOT NULL,
			counterparty  VARCHAR(256) NOT NULL DEFAULT '',
			score         BIGINT       NOT NULL CHECK (score >= 0),
			tier          VARCHAR(8)   NOT NULL CHECK (tier IN ('CLEAR', 'WATCH', 'ALERT', 'BLOCK')),
			assessment    JSONB        NOT NULL,
			evaluated_at  TIMESTAMPTZ  NOT NULL,
			PRIMARY KEY (chain_id, sequence)
		);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_wallet
			ON risk_assessments (wallet, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_counterparty
			ON risk_assessments (counterparty, evaluated_at DESC);

		CREATE INDEX IF NOT EXISTS idx_risk_assessments_blocks
			ON risk_assessments (evaluated_at DESC) WHERE tier = 'BLOCK';
	`)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, entry *Indexed) error {
	a := entry.Assessment
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments
			(chain_id, sequence, entry_hash, record_id, wallet, counterparty, score, tier, assessment, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (chain_id, sequence) DO NOTHING
	`,
		entry.ChainID,
		int64(entry.Sequence), //nolint:gosec // sequences stay far below MaxInt64
		entry.EntryHash,
		a.RecordID,
		a.Record.Wallet,
		a.Record.Counterparty,
		int64(a.Score),
		string(a.Tier),
		payload,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to index assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByWallet(ctx context.Context, wallet string, after *pagination.Cursor, limit int) ([]*Indexed, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT chain_id, sequence, entry_hash, assessment
			FROM risk_assessments
			WHERE wallet = $1 OR counterparty = $1
			ORDER BY evaluated_at DESC, chain_id DESC, sequence DESC
			LIMIT $2
		`, wallet, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT chain_id, sequence, entry_hash, assessment
			FROM risk_assessments
			WHERE (wallet = $1 OR counterparty = $1)
			  AND (evaluated_at, chain_id, sequence) < ($2, $3, $4)
			ORDER BY evaluated_at DESC, chain_id DESC, sequence DESC
			LIMIT $5
		`, wallet, after.At, after.ChainID, int64(after.Sequence), limit) //nolint:gosec // sequences stay far below MaxInt64
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Indexed
	for rows.Next() {
		entry, err := scanIndexed(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, chainID string, sequence uint64) (*Indexed, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chain_id, sequence, entry_hash, assessment
		FROM risk_assessments
		WHERE chain_id = $1 AND sequence = $2
	`, chainID, int64(sequence)) //nolint:gosec // sequences stay far below MaxInt64
	entry, err := scanIndexed(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIndexed(sc scanner) (*Indexed, error) {
	var (
		entry   Indexed
		seq     int64
		payload []byte
	)
	if err := sc.Scan(&entry.ChainID, &seq, &entry.EntryHash, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan assessment: %w", err)
	}
	entry.Sequence = uint64(seq) //nolint:gosec // CHECK (sequence >= 0)
	entry.Assessment = &Assessment{}
	if err := json.Unmarshal(payload, entry.Assessment); err != nil {
		return nil, fmt.Errorf("failed to decode assessment: %w", err)
	}
	return &entry, nil
}

var _ Store = (*PostgresStore)(nil)
