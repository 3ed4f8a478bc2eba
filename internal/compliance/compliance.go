// Package compliance evaluates transaction records against a configurable
// set of screening rules.
//
// Rules form a closed set of kinds (sanctions, jurisdiction, threshold,
// structuring, round trip). Each rule is a pure function of the record and
// a reference snapshot; the engine runs them concurrently and returns one
// verdict per rule, ordered by rule ID. A rule that cannot be evaluated
// yields a non-triggered verdict marked inapplicable rather than an error.
package compliance

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidRecord  = errors.New("compliance: invalid transaction record")
	ErrInvalidRuleSet = errors.New("compliance: invalid rule set")
)

// MetadataOrigin is the metadata key carrying a declared origin jurisdiction.
const MetadataOrigin = "origin"

// maxIDLength bounds transaction IDs and addresses.
const maxIDLength = 256

// TransactionRecord is an immutable observed transfer. Construct it with
// NewTransactionRecord so that addresses, asset and timestamp are normalised.
type TransactionRecord struct {
	ID           string            `json:"id"`
	Wallet       string            `json:"wallet"`
	Counterparty string            `json:"counterparty,omitempty"`
	Asset        string            `json:"asset"`
	Amount       decimal.Decimal   `json:"amount"`
	Timestamp    time.Time         `json:"timestamp"`
	Network      string            `json:"network,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NewTransactionRecord validates r and returns a normalised copy.
func NewTransactionRecord(r TransactionRecord) (TransactionRecord, error) {
	out := TransactionRecord{
		ID:           strings.TrimSpace(r.ID),
		Wallet:       NormalizeAddress(r.Wallet),
		Counterparty: NormalizeAddress(r.Counterparty),
		Asset:        strings.ToUpper(strings.TrimSpace(r.Asset)),
		Amount:       r.Amount,
		Timestamp:    r.Timestamp.UTC(),
		Network:      strings.ToLower(strings.TrimSpace(r.Network)),
	}
	if len(r.Metadata) > 0 {
		out.Metadata = maps.Clone(r.Metadata)
	}

	switch {
	case out.ID == "":
		return TransactionRecord{}, fmt.Errorf("%w: id is required", ErrInvalidRecord)
	case len(out.ID) > maxIDLength:
		return TransactionRecord{}, fmt.Errorf("%w: id exceeds %d characters", ErrInvalidRecord, maxIDLength)
	case out.Wallet == "":
		return TransactionRecord{}, fmt.Errorf("%w: wallet is required", ErrInvalidRecord)
	case len(out.Wallet) > maxIDLength || len(out.Counterparty) > maxIDLength:
		return TransactionRecord{}, fmt.Errorf("%w: address exceeds %d characters", ErrInvalidRecord, maxIDLength)
	case out.Asset == "":
		return TransactionRecord{}, fmt.Errorf("%w: asset is required", ErrInvalidRecord)
	case out.Amount.IsNegative():
		return TransactionRecord{}, fmt.Errorf("%w: amount must not be negative", ErrInvalidRecord)
	case r.Timestamp.IsZero():
		return TransactionRecord{}, fmt.Errorf("%w: timestamp is required", ErrInvalidRecord)
	}
	return out, nil
}

// Origin returns the declared origin jurisdiction, upper-cased, or "".
func (r TransactionRecord) Origin() string {
	return strings.ToUpper(strings.TrimSpace(r.Metadata[MetadataOrigin]))
}

// Involves reports whether addr is the wallet or the counterparty of r.
func (r TransactionRecord) Involves(addr string) bool {
	return addr != "" && (r.Wallet == addr || r.Counterparty == addr)
}

// NormalizeAddress lower-cases and trims an address so that EIP-55
// checksummed and plain forms compare equal.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Verdict is the outcome of one rule against one record.
type Verdict struct {
	RuleID       string   `json:"ruleId"`
	Kind         Kind     `json:"kind"`
	Triggered    bool     `json:"triggered"`
	Inapplicable bool     `json:"inapplicable,omitempty"`
	Severity     Severity `json:"severity"`
	Rationale    string   `json:"rationale"`
}

// Contribution is the severity this verdict adds to a risk score.
func (v Verdict) Contribution() Severity {
	if !v.Triggered {
		return 0
	}
	return v.Severity
}
