// Package risk aggregates rule verdicts into a risk score and tier.
//
// A score is the sum of the severities of triggered verdicts, computed in
// fixed point so that the result never depends on verdict order. The score
// maps onto one of four tiers through three strictly increasing boundaries
// validated at startup.
package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/pagination"
)

var (
	ErrInvalidBoundaries = errors.New("risk: invalid tier boundaries")
	ErrNotFound          = errors.New("risk: assessment not found")
)

// Tier is the discrete risk band of an assessment.
type Tier string

const (
	TierClear Tier = "CLEAR"
	TierWatch Tier = "WATCH"
	TierAlert Tier = "ALERT"
	TierBlock Tier = "BLOCK"
)

// Tiers lists all tiers from lowest to highest.
var Tiers = []Tier{TierClear, TierWatch, TierAlert, TierBlock}

// Boundaries are the lower bounds of WATCH, ALERT and BLOCK.
type Boundaries struct {
	Watch compliance.Severity `yaml:"watch" json:"watch"`
	Alert compliance.Severity `yaml:"alert" json:"alert"`
	Block compliance.Severity `yaml:"block" json:"block"`
}

// DefaultBoundaries returns WATCH at 10, ALERT at 40 and BLOCK at 100 points.
func DefaultBoundaries() Boundaries {
	return Boundaries{
		Watch: compliance.Points(10),
		Alert: compliance.Points(40),
		Block: compliance.Points(100),
	}
}

// Validate requires 0 <= Watch < Alert < Block.
func (b Boundaries) Validate() error {
	if b.Watch < 0 {
		return fmt.Errorf("%w: watch boundary %s is negative", ErrInvalidBoundaries, b.Watch)
	}
	if b.Watch >= b.Alert || b.Alert >= b.Block {
		return fmt.Errorf("%w: need watch < alert < block, got %s / %s / %s",
			ErrInvalidBoundaries, b.Watch, b.Alert, b.Block)
	}
	return nil
}

// Tier maps a score onto its tier.
func (b Boundaries) Tier(score compliance.Severity) Tier {
	switch {
	case score < b.Watch:
		return TierClear
	case score < b.Alert:
		return TierWatch
	case score < b.Block:
		return TierAlert
	default:
		return TierBlock
	}
}

// Assessment is the aggregated outcome for one record. Its canonical JSON
// encoding is the content committed to the audit chain, so field order
// and encodings are part of the chain format.
type Assessment struct {
	RecordID         string                       `json:"recordId"`
	Record           compliance.TransactionRecord `json:"record"`
	ReferenceVersion string                       `json:"referenceVersion,omitempty"`
	Verdicts         []compliance.Verdict         `json:"verdicts"`
	Score            compliance.Severity          `json:"score"`
	Tier             Tier                         `json:"tier"`
	EvaluatedAt      time.Time                    `json:"evaluatedAt"`
	Supersedes       *uint64                      `json:"supersedes,omitempty"`
	RetractionReason string                       `json:"retractionReason,omitempty"`
}

// IsRetraction reports whether the assessment withdraws an earlier entry.
func (a *Assessment) IsRetraction() bool {
	return a.Supersedes != nil
}

// Triggered returns the IDs of triggered rules.
func (a *Assessment) Triggered() []string {
	var ids []string
	for _, v := range a.Verdicts {
		if v.Triggered {
			ids = append(ids, v.RuleID)
		}
	}
	return ids
}

// Indexed is an assessment together with where it sits in an audit chain.
type Indexed struct {
	ChainID    string      `json:"chainId"`
	Sequence   uint64      `json:"sequence"`
	EntryHash  string      `json:"entryHash"`
	Assessment *Assessment `json:"assessment"`
}

// Key is the listing position of the entry: newest evaluation first, ties
// broken by chain and sequence.
func (i *Indexed) Key() pagination.Cursor {
	return pagination.Cursor{At: i.Assessment.EvaluatedAt, ChainID: i.ChainID, Sequence: i.Sequence}
}

// Store indexes committed assessments by wallet. The audit chain remains
// the system of record; the index only serves lookups.
type Store interface {
	Record(ctx context.Context, entry *Indexed) error
	// ListByWallet returns up to limit entries naming wallet as sender or
	// counterparty, ordered by Key, starting strictly after the cursor.
	ListByWallet(ctx context.Context, wallet string, after *pagination.Cursor, limit int) ([]*Indexed, error)
	Get(ctx context.Context, chainID string, sequence uint64) (*Indexed, error)
}
