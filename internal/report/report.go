// Package report turns verified chain segments into artifacts for external
// collaborators: the audit CSV, the JSONL chain document and the head
// attestation payload. It performs no network I/O of its own.
package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/metrics"
	"github.com/mbd888/finaiguard/internal/risk"
	"github.com/mbd888/finaiguard/internal/traces"
	"github.com/mbd888/finaiguard/internal/verifier"
)

// Columns is the fixed CSV header.
var Columns = []string{
	"sequence",
	"timestamp",
	"wallet",
	"score",
	"tier",
	"entry_hash",
	"previous_entry_hash",
}

var ErrUnreadablePayload = errors.New("report: entry payload is not an assessment")

// IntegrityError is returned when the chain prefix being exported does not
// verify. Nothing is written in that case.
type IntegrityError struct {
	ChainID string
	Index   uint64
	Reason  string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("report: chain %s fails verification at entry %d: %s", e.ChainID, e.Index, e.Reason)
}

// Chains is the read side of the audit chain the exporter needs.
type Chains interface {
	Snapshot(ctx context.Context, chainID string) ([]*auditchain.Entry, error)
	Head(ctx context.Context, chainID string) (auditchain.Head, error)
	Hasher() auditchain.Hasher
}

// Summary describes a written CSV export.
type Summary struct {
	ChainID string `json:"chainId"`
	From    uint64 `json:"from"`
	To      uint64 `json:"to"`
	Rows    int    `json:"rows"`
	// Digest is the chain algorithm's digest of the exact bytes written.
	Digest string `json:"digest"`
}

// Exporter reads consistent chain prefixes and serialises them.
type Exporter struct {
	chains Chains
	now    func() time.Time
	logger *slog.Logger
}

// NewExporter creates an exporter over chains.
func NewExporter(chains Chains, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{chains: chains, now: time.Now, logger: logger}
}

// WithClock overrides the clock used to stamp attestations.
func (x *Exporter) WithClock(now func() time.Time) *Exporter {
	x.now = now
	return x
}

// verifiedPrefix snapshots chainID and verifies its first `to` entries.
// to is clipped to the snapshot length.
func (x *Exporter) verifiedPrefix(ctx context.Context, chainID string, to uint64) ([]*auditchain.Entry, error) {
	entries, err := x.chains.Snapshot(ctx, chainID)
	if err != nil {
		return nil, err
	}
	to = min(to, uint64(len(entries)))
	entries = entries[:to]

	res := verifier.Verify(entries, x.chains.Hasher())
	if !res.Valid {
		x.logger.Error("refusing to export tampered chain",
			"chain", chainID, "first_invalid", *res.FirstInvalidIndex, "reason", res.Reason)
		return nil, &IntegrityError{ChainID: chainID, Index: *res.FirstInvalidIndex, Reason: res.Reason}
	}
	return entries, nil
}

// Verify checks the whole stored chain as of now.
func (x *Exporter) Verify(ctx context.Context, chainID string) (verifier.Result, error) {
	ctx, span := traces.StartSpan(ctx, "report.Verify", traces.ChainID(chainID))
	defer span.End()

	entries, err := x.chains.Snapshot(ctx, chainID)
	if err != nil {
		return verifier.Result{}, err
	}
	return verifier.Verify(entries, x.chains.Hasher()), nil
}

// ExportCSV writes entries from <= sequence < to as CSV. The prefix [0, to)
// is verified first; on failure it returns *IntegrityError and writes
// nothing. The same verified range always produces the same bytes.
//
// The timestamp column is not covered by the entry hash; a valid
// verification says nothing about when an entry was appended.
func (x *Exporter) ExportCSV(ctx context.Context, w io.Writer, chainID string, from, to uint64) (*Summary, error) {
	ctx, span := traces.StartSpan(ctx, "report.ExportCSV", traces.ChainID(chainID))
	defer span.End()

	out, summary, err := x.renderCSV(ctx, chainID, from, to)
	if err == nil {
		if _, werr := w.Write(out); werr != nil {
			err = fmt.Errorf("write csv: %w", werr)
		}
	}
	countExport("csv", err)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (x *Exporter) renderCSV(ctx context.Context, chainID string, from, to uint64) ([]byte, *Summary, error) {
	if from > to {
		return nil, nil, fmt.Errorf("%w: from %d > to %d", auditchain.ErrInvalidRange, from, to)
	}
	entries, err := x.verifiedPrefix(ctx, chainID, to)
	if err != nil {
		return nil, nil, err
	}
	to = min(to, uint64(len(entries)))
	from = min(from, to)

	rows := make([][]string, 0, to-from+1)
	rows = append(rows, Columns)
	for _, e := range entries[from:to] {
		row, err := csvRow(e)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.WriteAll(rows); err != nil {
		return nil, nil, fmt.Errorf("encode csv: %w", err)
	}

	out := buf.Bytes()
	return out, &Summary{
		ChainID: chainID,
		From:    from,
		To:      to,
		Rows:    len(rows) - 1,
		Digest:  auditchain.ContentHash(x.chains.Hasher(), out),
	}, nil
}

func csvRow(e *auditchain.Entry) ([]string, error) {
	var a risk.Assessment
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return nil, fmt.Errorf("%w: entry %d: %v", ErrUnreadablePayload, e.Sequence, err)
	}
	return []string{
		strconv.FormatUint(e.Sequence, 10),
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		a.Record.Wallet,
		a.Score.String(),
		string(a.Tier),
		e.EntryHash,
		e.PrevHash,
	}, nil
}

// WriteDocument writes the verified chain as a JSONL document that
// verifier.VerifyDocument accepts without access to this process.
func (x *Exporter) WriteDocument(ctx context.Context, w io.Writer, chainID string) error {
	ctx, span := traces.StartSpan(ctx, "report.WriteDocument", traces.ChainID(chainID))
	defer span.End()

	err := x.writeDocument(ctx, w, chainID)
	countExport("jsonl", err)
	return err
}

func (x *Exporter) writeDocument(ctx context.Context, w io.Writer, chainID string) error {
	entries, err := x.verifiedPrefix(ctx, chainID, math.MaxUint64)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := auditchain.EncodeDocument(&buf, chainID, x.chains.Hasher(), entries); err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

func countExport(format string, err error) {
	result := "ok"
	var ie *IntegrityError
	switch {
	case errors.As(err, &ie):
		result = "integrity_violation"
	case err != nil:
		result = "error"
	}
	metrics.ExportsTotal.WithLabelValues(format, result).Inc()
}
