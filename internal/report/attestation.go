package report

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ProofHashLength is the number of hex characters of the head hash quoted
// as the short proof hash.
const ProofHashLength = 20

// Attestation is the head commitment handed to external attestation
// mechanisms. Signature and Signer are set only when a signer is configured.
type Attestation struct {
	ChainID   string    `json:"chainId"`
	Algorithm string    `json:"algorithm"`
	Length    uint64    `json:"length"`
	Sequence  *uint64   `json:"sequence"`
	HeadHash  string    `json:"headHash"`
	ProofHash string    `json:"proofHash"`
	IssuedAt  time.Time `json:"issuedAt"`
	Signature string    `json:"signature,omitempty"`
	Signer    string    `json:"signer,omitempty"`
}

// SigningPayload is the canonical encoding covered by a signature: the
// attestation with Signature and Signer cleared.
func (a Attestation) SigningPayload() ([]byte, error) {
	a.Signature = ""
	a.Signer = ""
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode attestation: %w", err)
	}
	return b, nil
}

// Signer signs attestations in place.
type Signer interface {
	Sign(a *Attestation) error
}

// Attest builds the attestation for the current head of chainID.
func (x *Exporter) Attest(ctx context.Context, chainID string) (*Attestation, error) {
	head, err := x.chains.Head(ctx, chainID)
	if err != nil {
		return nil, err
	}
	a := &Attestation{
		ChainID:   chainID,
		Algorithm: x.chains.Hasher().Name(),
		Length:    head.Length,
		HeadHash:  head.Hash,
		ProofHash: ProofHash(head.Hash),
		IssuedAt:  x.now().UTC().Truncate(time.Microsecond),
	}
	if head.Length > 0 {
		seq := head.Length - 1
		a.Sequence = &seq
	}
	return a, nil
}

// ProofHash shortens a hex digest to ProofHashLength characters.
func ProofHash(hash string) string {
	if len(hash) <= ProofHashLength {
		return hash
	}
	return hash[:ProofHashLength]
}
