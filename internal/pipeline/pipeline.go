// Package pipeline turns transaction records into committed audit entries:
// reference lookup, rule evaluation, risk aggregation and the chain append,
// in that order.
//
// All work for one chain runs under a per-chain lock so that the history a
// record is evaluated against is exactly the chain prefix it is appended
// after. Batches evaluate in parallel and still commit in input order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/metrics"
	"github.com/mbd888/finaiguard/internal/reference"
	"github.com/mbd888/finaiguard/internal/retry"
	"github.com/mbd888/finaiguard/internal/risk"
	"github.com/mbd888/finaiguard/internal/syncutil"
	"github.com/mbd888/finaiguard/internal/traces"
)

var (
	ErrOutOfOrder        = errors.New("pipeline: record is older than the chain's latest record")
	ErrInvalidRetraction = errors.New("pipeline: entry cannot be retracted")
	ErrUnreadableEntry   = errors.New("pipeline: chain entry does not hold an assessment")
	ErrBatchTooLarge     = errors.New("pipeline: batch too large")
)

// Defaults applied by New for zero Config fields.
const (
	DefaultWorkers        = 8
	DefaultAppendAttempts = 5
	DefaultLookupTimeout  = 500 * time.Millisecond
	DefaultHistoryLimit   = 10000
	DefaultMaxBatch       = 1000

	retryBaseDelay = 5 * time.Millisecond
)

// Config tunes a Pipeline.
type Config struct {
	Rules          compliance.RuleSet
	Workers        int
	AppendAttempts int
	LookupTimeout  time.Duration
	HistoryLimit   int
	MaxBatch       int
}

// Result is the outcome of committing one assessment.
type Result struct {
	Assessment *risk.Assessment  `json:"assessment"`
	Entry      *auditchain.Entry `json:"entry"`
	// ReferenceError is set when reference data could not be loaded and
	// dependent rules were reported inapplicable.
	ReferenceError string `json:"referenceError,omitempty"`
}

// Pipeline evaluates and commits records.
type Pipeline struct {
	cfg       Config
	span      time.Duration
	engine    *compliance.Engine
	agg       *risk.Aggregator
	chain     *auditchain.Service
	reference reference.Provider
	index     risk.Store
	locks     *syncutil.KeyedMutex
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	windows map[string]*window
}

// New validates cfg.Rules and builds a pipeline. index may be nil.
func New(cfg Config, engine *compliance.Engine, agg *risk.Aggregator, chain *auditchain.Service,
	ref reference.Provider, index risk.Store, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Rules.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.AppendAttempts <= 0 {
		cfg.AppendAttempts = DefaultAppendAttempts
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = DefaultLookupTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		span:      cfg.Rules.MaxWindow(),
		engine:    engine,
		agg:       agg,
		chain:     chain,
		reference: ref,
		index:     index,
		locks:     syncutil.NewKeyedMutex(),
		now:       time.Now,
		logger:    logger,
		windows:   make(map[string]*window),
	}, nil
}

// WithClock overrides the clock used for EvaluatedAt.
func (p *Pipeline) WithClock(now func() time.Time) *Pipeline {
	p.now = now
	return p
}

// Rules returns the active rule set ordered by ID.
func (p *Pipeline) Rules() compliance.RuleSet {
	return p.cfg.Rules.Sorted()
}

// Process evaluates rec and appends the assessment to chainID.
func (p *Pipeline) Process(ctx context.Context, chainID string, rec compliance.TransactionRecord) (*Result, error) {
	results, err := p.ProcessBatch(ctx, chainID, []compliance.TransactionRecord{rec})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ProcessBatch evaluates recs in parallel and appends their assessments in
// input order. Each record sees the committed history plus the earlier
// records of the batch. Timestamps must not decrease, within the batch or
// relative to the chain. On error, the results committed so far are
// returned with it.
func (p *Pipeline) ProcessBatch(ctx context.Context, chainID string, recs []compliance.TransactionRecord) ([]*Result, error) {
	if !auditchain.ValidChainID(chainID) {
		return nil, fmt.Errorf("%w: %q", auditchain.ErrInvalidChainID, chainID)
	}
	if len(recs) > p.cfg.MaxBatch {
		return nil, fmt.Errorf("%w: %d records, limit %d", ErrBatchTooLarge, len(recs), p.cfg.MaxBatch)
	}
	normalized := make([]compliance.TransactionRecord, len(recs))
	for i, r := range recs {
		n, err := compliance.NewTransactionRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		if i > 0 && n.Timestamp.Before(normalized[i-1].Timestamp) {
			return nil, fmt.Errorf("%w: record %d (%s) precedes record %d", ErrOutOfOrder, i, n.ID, i-1)
		}
		normalized[i] = n
	}
	if len(normalized) == 0 {
		return []*Result{}, nil
	}

	ctx, span := traces.StartSpan(ctx, "pipeline.ProcessBatch", traces.ChainID(chainID), traces.BatchSize(len(normalized)))
	defer span.End()

	unlock, err := p.locks.LockContext(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("acquire pipeline lock for %s: %w", chainID, err)
	}
	defer unlock()

	results := make([]*Result, 0, len(normalized))
	err = retry.DoIf(ctx, p.cfg.AppendAttempts, retryBaseDelay, isConflict, func() error {
		head, w, err := p.syncWindow(ctx, chainID)
		if err != nil {
			return err
		}
		pending := normalized[len(results):]
		if !w.last.IsZero() && pending[0].Timestamp.Before(w.last) {
			return retry.Permanent(fmt.Errorf("%w: %s at %s, chain is at %s", ErrOutOfOrder,
				pending[0].ID, pending[0].Timestamp.Format(time.RFC3339Nano), w.last.Format(time.RFC3339Nano)))
		}

		evaluated, err := p.evaluateAll(ctx, w, pending)
		if err != nil {
			return retry.Permanent(err)
		}
		for _, ev := range evaluated {
			entry, err := p.chain.AppendAt(ctx, head, ev.Assessment)
			if err != nil {
				// The window no longer matches the chain; rebuild on retry.
				p.dropWindow(chainID)
				return err
			}
			w.apply(entry.Sequence, ev.Assessment)
			w.length = entry.Sequence + 1
			head = auditchain.Head{ChainID: chainID, Length: w.length, Hash: entry.EntryHash, Timestamp: entry.Timestamp}

			ev.Entry = entry
			results = append(results, ev)
			p.record(ctx, ev)
		}
		w.trim(p.span, p.cfg.HistoryLimit)
		return nil
	})
	if err != nil {
		return results, traces.Fail(span, err)
	}
	return results, nil
}

// evaluateAll scores recs concurrently. recs[i] sees recs[:i] as history.
func (p *Pipeline) evaluateAll(ctx context.Context, w *window, recs []compliance.TransactionRecord) ([]*Result, error) {
	out := make([]*Result, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, rec := range recs {
		history := w.history(rec, p.span, recs[:i])
		g.Go(func() error {
			res, err := p.evaluate(gctx, rec, history)
			if err != nil {
				return err
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pipeline) evaluate(ctx context.Context, rec compliance.TransactionRecord, history []compliance.TransactionRecord) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "pipeline.evaluate", traces.RecordID(rec.ID), traces.Wallet(rec.Wallet))
	defer span.End()
	start := time.Now()

	res := &Result{}
	snap, err := reference.Lookup(ctx, p.reference, rec.Timestamp, p.cfg.LookupTimeout, history)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		res.ReferenceError = err.Error()
		p.logger.Warn("reference data unavailable", "record", rec.ID, "error", err)
	}

	verdicts := p.engine.Evaluate(ctx, rec, snap, p.cfg.Rules)
	res.Assessment = p.agg.Assess(rec, snap.Version, verdicts, p.now())

	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(traces.Tier(string(res.Assessment.Tier)))
	return res, nil
}

// Retract appends an entry superseding the assessment at sequence. reason
// is required. Retractions and already retracted entries cannot be
// retracted.
func (p *Pipeline) Retract(ctx context.Context, chainID string, sequence uint64, reason string) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("%w: a reason is required", ErrInvalidRetraction)
	}
	if !auditchain.ValidChainID(chainID) {
		return nil, fmt.Errorf("%w: %q", auditchain.ErrInvalidChainID, chainID)
	}

	ctx, span := traces.StartSpan(ctx, "pipeline.Retract", traces.ChainID(chainID), traces.Sequence(sequence))
	defer span.End()

	unlock, err := p.locks.LockContext(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("acquire pipeline lock for %s: %w", chainID, err)
	}
	defer unlock()

	var res *Result
	err = retry.DoIf(ctx, p.cfg.AppendAttempts, retryBaseDelay, isConflict, func() error {
		head, w, err := p.syncWindow(ctx, chainID)
		if err != nil {
			return err
		}
		entry, err := p.chain.Entry(ctx, chainID, sequence)
		if err != nil {
			return retry.Permanent(err)
		}
		switch {
		case w.isRetract[sequence]:
			return retry.Permanent(fmt.Errorf("%w: %s#%d is itself a retraction", ErrInvalidRetraction, chainID, sequence))
		case w.retracted[sequence]:
			return retry.Permanent(fmt.Errorf("%w: %s#%d is already retracted", ErrInvalidRetraction, chainID, sequence))
		}
		original, err := decodeAssessment(entry)
		if err != nil {
			return retry.Permanent(err)
		}

		a := p.agg.Retraction(original, sequence, reason, p.now())
		appended, err := p.chain.AppendAt(ctx, head, a)
		if err != nil {
			p.dropWindow(chainID)
			return err
		}
		w.apply(appended.Sequence, a)
		w.length = appended.Sequence + 1

		res = &Result{Assessment: a, Entry: appended}
		p.record(ctx, res)
		return nil
	})
	if err != nil {
		return nil, traces.Fail(span, err)
	}
	p.logger.Info("assessment retracted", "chain", chainID, "sequence", sequence,
		"retraction", res.Entry.Sequence, "reason", reason)
	return res, nil
}

func (p *Pipeline) syncWindow(ctx context.Context, chainID string) (auditchain.Head, *window, error) {
	head, err := p.chain.Head(ctx, chainID)
	if err != nil {
		return auditchain.Head{}, nil, err
	}
	p.mu.Lock()
	w, ok := p.windows[chainID]
	if !ok {
		w = newWindow()
		p.windows[chainID] = w
	}
	p.mu.Unlock()

	if err := w.sync(ctx, p.chain, head, p.span, p.cfg.HistoryLimit); err != nil {
		p.dropWindow(chainID)
		return auditchain.Head{}, nil, err
	}
	return head, w, nil
}

func (p *Pipeline) dropWindow(chainID string) {
	p.mu.Lock()
	delete(p.windows, chainID)
	p.mu.Unlock()
}

// record updates metrics and the assessment index after a commit. The
// chain is the system of record, so index failures are only logged.
func (p *Pipeline) record(ctx context.Context, res *Result) {
	a := res.Assessment
	if !a.IsRetraction() {
		metrics.EvaluationsTotal.WithLabelValues(string(a.Tier)).Inc()
		for _, v := range a.Verdicts {
			metrics.RuleVerdictsTotal.WithLabelValues(v.RuleID, outcome(v)).Inc()
		}
	}
	if a.Tier == risk.TierBlock {
		p.logger.Warn("record blocked", "chain", res.Entry.ChainID, "sequence", res.Entry.Sequence,
			"record", a.RecordID, "wallet", a.Record.Wallet, "score", a.Score.String(), "rules", a.Triggered())
	}
	if p.index == nil {
		return
	}
	err := p.index.Record(ctx, &risk.Indexed{
		ChainID:    res.Entry.ChainID,
		Sequence:   res.Entry.Sequence,
		EntryHash:  res.Entry.EntryHash,
		Assessment: a,
	})
	if err != nil {
		p.logger.Error("failed to index assessment", "chain", res.Entry.ChainID,
			"sequence", res.Entry.Sequence, "error", err)
	}
}

func outcome(v compliance.Verdict) string {
	switch {
	case v.Triggered:
		return "triggered"
	case v.Inapplicable:
		return "inapplicable"
	default:
		return "clear"
	}
}

func isConflict(err error) bool {
	return errors.Is(err, auditchain.ErrConcurrencyConflict)
}
