package risk

import (
	"slices"
	"strings"
	"time"

	"github.com/mbd888/finaiguard/internal/compliance"
)

// Result is a score and its tier.
type Result struct {
	Score compliance.Severity `json:"score"`
	Tier  Tier                `json:"tier"`
}

// Aggregator scores verdict lists against fixed tier boundaries.
type Aggregator struct {
	bounds Boundaries
}

// NewAggregator validates the boundaries and returns an aggregator.
func NewAggregator(b Boundaries) (*Aggregator, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &Aggregator{bounds: b}, nil
}

// Boundaries returns the configured tier boundaries.
func (a *Aggregator) Boundaries() Boundaries {
	return a.bounds
}

// Aggregate sums the contributions of triggered verdicts and assigns a tier.
// A triggered sanctions verdict is BLOCK whatever the score. Any permutation
// of the same verdicts yields the same result.
func (a *Aggregator) Aggregate(verdicts []compliance.Verdict) Result {
	var score compliance.Severity
	sanctioned := false
	for _, v := range verdicts {
		score = score.Add(v.Contribution())
		if v.Triggered && v.Kind == compliance.KindSanctions {
			sanctioned = true
		}
	}
	if sanctioned {
		return Result{Score: score, Tier: TierBlock}
	}
	return Result{Score: score, Tier: a.bounds.Tier(score)}
}

// Assess builds the assessment for rec. Verdicts are copied and ordered by
// rule ID. EvaluatedAt keeps microsecond precision, the resolution of the
// index's timestamps, so cursors built from either side agree.
func (a *Aggregator) Assess(rec compliance.TransactionRecord, referenceVersion string, verdicts []compliance.Verdict, at time.Time) *Assessment {
	ordered := slices.Clone(verdicts)
	if ordered == nil {
		ordered = []compliance.Verdict{}
	}
	slices.SortStableFunc(ordered, func(x, y compliance.Verdict) int {
		return strings.Compare(x.RuleID, y.RuleID)
	})
	res := a.Aggregate(ordered)
	return &Assessment{
		RecordID:         rec.ID,
		Record:           rec,
		ReferenceVersion: referenceVersion,
		Verdicts:         ordered,
		Score:            res.Score,
		Tier:             res.Tier,
		EvaluatedAt:      at.UTC().Truncate(time.Microsecond),
	}
}

// Retraction builds an assessment that supersedes the entry at sequence.
// It carries the original record so auditors can see what was withdrawn.
func (a *Aggregator) Retraction(original *Assessment, sequence uint64, reason string, at time.Time) *Assessment {
	seq := sequence
	return &Assessment{
		RecordID:         original.RecordID,
		Record:           original.Record,
		ReferenceVersion: original.ReferenceVersion,
		Verdicts:         []compliance.Verdict{},
		Score:            0,
		Tier:             TierClear,
		EvaluatedAt:      at.UTC().Truncate(time.Microsecond),
		Supersedes:       &seq,
		RetractionReason: reason,
	}
}
