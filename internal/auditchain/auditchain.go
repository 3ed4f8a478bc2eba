// Package auditchain implements an append-only, hash-linked audit log.
//
// Each entry commits to its content hash and to the previous entry's hash,
// so altering, removing or reordering any committed entry changes every
// later entry hash. Entries are never updated or deleted; corrections are
// made by appending superseding entries.
package auditchain

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	ErrConcurrencyConflict = errors.New("auditchain: append does not extend the current head")
	ErrNotFound            = errors.New("auditchain: entry not found")
	ErrInvalidRange        = errors.New("auditchain: invalid range")
	ErrInvalidChainID      = errors.New("auditchain: invalid chain id")
	ErrUnknownAlgorithm    = errors.New("auditchain: unknown hash algorithm")
	ErrMalformedHash       = errors.New("auditchain: malformed hash")
)

// Entry is one committed link of a chain. EntryHash covers Sequence,
// ContentHash and PrevHash; Timestamp is recorded alongside but is not
// hashed, so verification cannot detect a rewritten timestamp.
type Entry struct {
	ChainID     string          `json:"chainId"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	ContentHash string          `json:"contentHash"`
	PrevHash    string          `json:"prevHash"`
	EntryHash   string          `json:"entryHash"`
	Payload     json.RawMessage `json:"payload"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	cp := *e
	cp.Payload = slices.Clone(e.Payload)
	return &cp
}

// Head describes the tip of a chain. For an empty chain Length is 0 and
// Hash is the genesis constant.
type Head struct {
	ChainID   string    `json:"chainId"`
	Length    uint64    `json:"length"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Store persists entries. Implementations must reject an entry that does not
// extend the stored tip (wrong sequence or previous hash) with
// ErrConcurrencyConflict, so that no two writers can fork a chain.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	// Last returns the newest entry, or nil for an empty chain.
	Last(ctx context.Context, chainID string) (*Entry, error)
	// Range returns entries with from <= sequence < to in order.
	Range(ctx context.Context, chainID string, from, to uint64) ([]*Entry, error)
	Len(ctx context.Context, chainID string) (uint64, error)
	Chains(ctx context.Context) ([]string, error)
}

// ValidChainID reports whether id is usable as a chain identifier.
func ValidChainID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
