// Package reference supplies versioned reference data (sanctions sets,
// jurisdiction tables, prices) to the rule engine.
//
// Reference data comes from an external collaborator as snapshots keyed by
// the instant they take effect. A snapshot is never mutated after it is
// loaded; evaluations look up the version effective at the record's
// timestamp so that re-evaluating a record reproduces the same verdicts.
package reference

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/finaiguard/internal/compliance"
)

var (
	ErrNoSnapshot      = errors.New("reference: no snapshot effective at the requested time")
	ErrInvalidSnapshot = errors.New("reference: invalid snapshot")
	// ErrDuplicateVersion accompanies ErrInvalidSnapshot when a version is
	// published twice.
	ErrDuplicateVersion = errors.New("duplicate version")
)

// Data is the wire and file form of one reference snapshot. A nil section
// means the collaborator did not supply it; rules that need it are then
// inapplicable.
type Data struct {
	Version       string            `json:"version" yaml:"version"`
	EffectiveAt   time.Time         `json:"effective_at" yaml:"effective_at"`
	Sanctions     *SanctionsData    `json:"sanctions,omitempty" yaml:"sanctions,omitempty"`
	Jurisdictions *JurisdictionData `json:"jurisdictions,omitempty" yaml:"jurisdictions,omitempty"`
	Prices        *PriceData        `json:"prices,omitempty" yaml:"prices,omitempty"`
}

type SanctionsData struct {
	List      string   `json:"list" yaml:"list"`
	Addresses []string `json:"addresses" yaml:"addresses"`
}

type JurisdictionData struct {
	// Restricted maps jurisdiction codes to the reason they are restricted.
	Restricted map[string]string          `json:"restricted" yaml:"restricted"`
	Prefixes   []compliance.PrefixMapping `json:"prefixes" yaml:"prefixes"`
}

type PriceData struct {
	Base   string                     `json:"base" yaml:"base"`
	Prices map[string]decimal.Decimal `json:"prices" yaml:"prices"`
}

// Validate checks the fields every snapshot needs.
func (d *Data) Validate() error {
	switch {
	case strings.TrimSpace(d.Version) == "":
		return fmt.Errorf("%w: version is required", ErrInvalidSnapshot)
	case d.EffectiveAt.IsZero():
		return fmt.Errorf("%w: %s: effective_at is required", ErrInvalidSnapshot, d.Version)
	}
	if d.Prices != nil {
		for asset, p := range d.Prices.Prices {
			if p.IsNegative() {
				return fmt.Errorf("%w: %s: negative price for %s", ErrInvalidSnapshot, d.Version, asset)
			}
		}
	}
	return nil
}

// Build converts d into the immutable form the rule engine consumes.
// History is left nil; callers attach it per record.
func (d *Data) Build() *compliance.Snapshot {
	snap := &compliance.Snapshot{Version: d.Version}
	if d.Sanctions != nil {
		snap.Sanctions = compliance.NewSanctionsSet(d.Sanctions.List, d.Sanctions.Addresses)
	}
	if d.Jurisdictions != nil {
		snap.Jurisdictions = compliance.NewJurisdictionTable(d.Jurisdictions.Restricted, d.Jurisdictions.Prefixes)
	}
	if d.Prices != nil {
		base := d.Prices.Base
		if base == "" {
			base = compliance.DefaultBaseCurrency
		}
		snap.Prices = compliance.NewPriceTable(base, d.Prices.Prices)
	}
	return snap
}

// Provider returns the snapshot effective at asOf.
type Provider interface {
	Snapshot(ctx context.Context, asOf time.Time) (*compliance.Snapshot, error)
}

// withHistory returns a shallow copy of snap carrying history. Reference
// components are shared; they are immutable.
func withHistory(snap *compliance.Snapshot, history []compliance.TransactionRecord) *compliance.Snapshot {
	cp := *snap
	cp.History = history
	return &cp
}

// Lookup fetches the snapshot for asOf within timeout. Any failure,
// including a timeout, yields a snapshot with every reference component
// missing so the affected rules are reported inapplicable instead of
// blocking the pipeline. The second result is the lookup error, if any.
func Lookup(ctx context.Context, p Provider, asOf time.Time, timeout time.Duration, history []compliance.TransactionRecord) (*compliance.Snapshot, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		snap *compliance.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := p.Snapshot(ctx, asOf)
		done <- result{snap, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return &compliance.Snapshot{History: history}, r.err
		}
		return withHistory(r.snap, history), nil
	case <-ctx.Done():
		return &compliance.Snapshot{History: history}, fmt.Errorf("reference lookup: %w", ctx.Err())
	}
}
