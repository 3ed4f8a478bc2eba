package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultRuleTimeout bounds a single rule evaluation.
const DefaultRuleTimeout = 2 * time.Second

// Engine evaluates rule sets. It holds no per-record state and is safe for
// concurrent use.
type Engine struct {
	ruleTimeout time.Duration
	logger      *slog.Logger
	eval        func(Rule, TransactionRecord, *Snapshot) outcome
}

// NewEngine creates an engine with the default rule timeout.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{ruleTimeout: DefaultRuleTimeout, logger: logger, eval: evaluateRule}
}

// WithRuleTimeout overrides the per-rule evaluation timeout.
func (e *Engine) WithRuleTimeout(d time.Duration) *Engine {
	if d > 0 {
		e.ruleTimeout = d
	}
	return e
}

// Evaluate runs every rule against rec and returns one verdict per rule,
// ordered by ascending rule ID. The result depends only on rec, snap and
// rules; rules are evaluated concurrently and never return errors.
func (e *Engine) Evaluate(ctx context.Context, rec TransactionRecord, snap *Snapshot, rules RuleSet) []Verdict {
	if snap == nil {
		snap = &Snapshot{}
	}
	ordered := rules.Sorted()
	verdicts := make([]Verdict, len(ordered))

	var wg sync.WaitGroup
	for i, rule := range ordered {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdicts[i] = e.evaluateOne(ctx, rule, rec, snap)
		}()
	}
	wg.Wait()
	return verdicts
}

func (e *Engine) evaluateOne(ctx context.Context, rule Rule, rec TransactionRecord, snap *Snapshot) Verdict {
	if ctx.Err() != nil {
		return rule.verdict(rec, inapplicable("evaluation cancelled"))
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("rule panicked", "rule", rule.ID, "record", rec.ID, "panic", r)
				done <- inapplicable("rule failed: %v", r)
			}
		}()
		done <- e.eval(rule, rec, snap)
	}()

	timer := time.NewTimer(e.ruleTimeout)
	defer timer.Stop()

	select {
	case o := <-done:
		return rule.verdict(rec, o)
	case <-timer.C:
		e.logger.Warn("rule evaluation timed out", "rule", rule.ID, "record", rec.ID, "timeout", e.ruleTimeout)
		return rule.verdict(rec, inapplicable("evaluation exceeded %s", e.ruleTimeout))
	case <-ctx.Done():
		return rule.verdict(rec, inapplicable("evaluation cancelled: %v", ctx.Err()))
	}
}

// Describe summarises verdicts for logging.
func Describe(verdicts []Verdict) string {
	triggered, skipped := 0, 0
	for _, v := range verdicts {
		switch {
		case v.Triggered:
			triggered++
		case v.Inapplicable:
			skipped++
		}
	}
	return fmt.Sprintf("%d rules, %d triggered, %d inapplicable", len(verdicts), triggered, skipped)
}
