package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/risk"
)

type committed struct {
	sequence uint64
	record   compliance.TransactionRecord
}

// window is the recent, non-retracted history of one chain. It mirrors the
// first length entries of the chain and catches up by reading the entries
// appended since, so records committed by another instance are seen too.
// Callers hold the chain lock.
type window struct {
	length    uint64
	last      time.Time
	records   []committed
	retracted map[uint64]bool
	isRetract map[uint64]bool
}

func newWindow() *window {
	return &window{retracted: make(map[uint64]bool), isRetract: make(map[uint64]bool)}
}

// sync brings w up to head, reading the missing entries from chain.
func (w *window) sync(ctx context.Context, chain *auditchain.Service, head auditchain.Head, span time.Duration, limit int) error {
	if head.Length == w.length {
		return nil
	}
	if head.Length < w.length {
		*w = *newWindow()
	}
	entries, err := chain.Get(ctx, head.ChainID, w.length, head.Length)
	if err != nil {
		return fmt.Errorf("load history of %s: %w", head.ChainID, err)
	}
	for _, e := range entries {
		a, err := decodeAssessment(e)
		if err != nil {
			return err
		}
		w.apply(e.Sequence, a)
	}
	w.length = head.Length
	w.trim(span, limit)
	return nil
}

func (w *window) apply(seq uint64, a *risk.Assessment) {
	if a.IsRetraction() {
		w.isRetract[seq] = true
		w.retracted[*a.Supersedes] = true
		w.records = slices.DeleteFunc(w.records, func(c committed) bool { return c.sequence == *a.Supersedes })
		return
	}
	w.records = append(w.records, committed{sequence: seq, record: a.Record})
	if a.Record.Timestamp.After(w.last) {
		w.last = a.Record.Timestamp
	}
}

// trim drops records that no rule can look back to and caps the size.
func (w *window) trim(span time.Duration, limit int) {
	if span > 0 && !w.last.IsZero() {
		cutoff := w.last.Add(-span)
		i := 0
		for i < len(w.records) && w.records[i].record.Timestamp.Before(cutoff) {
			i++
		}
		w.records = w.records[i:]
	}
	if limit > 0 && len(w.records) > limit {
		w.records = w.records[len(w.records)-limit:]
	}
}

// history returns the committed records involving rec's parties inside the
// look-back span ending at rec's timestamp, followed by extra (earlier
// records of the same batch). The result is never nil.
func (w *window) history(rec compliance.TransactionRecord, span time.Duration, extra []compliance.TransactionRecord) []compliance.TransactionRecord {
	out := []compliance.TransactionRecord{}
	keep := func(r compliance.TransactionRecord) bool {
		if !r.Involves(rec.Wallet) && !r.Involves(rec.Counterparty) {
			return false
		}
		if r.Timestamp.After(rec.Timestamp) {
			return false
		}
		return span <= 0 || !r.Timestamp.Before(rec.Timestamp.Add(-span))
	}
	for _, c := range w.records {
		if keep(c.record) {
			out = append(out, c.record)
		}
	}
	for _, r := range extra {
		if keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func decodeAssessment(e *auditchain.Entry) (*risk.Assessment, error) {
	var a risk.Assessment
	if err := json.Unmarshal(e.Payload, &a); err != nil {
		return nil, fmt.Errorf("%w: %s#%d: %v", ErrUnreadableEntry, e.ChainID, e.Sequence, err)
	}
	return &a, nil
}
