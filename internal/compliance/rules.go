package compliance

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies a rule variant. The set of kinds is closed: a rule set
// naming any other kind fails validation at load time.
type Kind string

const (
	KindSanctions    Kind = "sanctions"
	KindJurisdiction Kind = "jurisdiction"
	KindThreshold    Kind = "threshold"
	KindStructuring  Kind = "structuring"
	KindRoundTrip    Kind = "round_trip"
)

// Kinds lists every supported rule kind.
var Kinds = []Kind{KindSanctions, KindJurisdiction, KindThreshold, KindStructuring, KindRoundTrip}

const (
	defaultMinCount  = 2
	defaultTolerance = "0.10"
)

// Params carries kind-specific rule parameters. Unused fields are ignored.
type Params struct {
	// sanctions
	FuzzyDistance int `yaml:"fuzzy_distance,omitempty"`

	// threshold, structuring
	Threshold decimal.Decimal `yaml:"threshold,omitempty"`

	// structuring
	SumThreshold decimal.Decimal `yaml:"sum_threshold,omitempty"`
	MinCount     int             `yaml:"min_count,omitempty"`

	// structuring, round_trip
	Window time.Duration `yaml:"window,omitempty"`

	// round_trip: maximum relative difference between the outbound and
	// returned amounts, as a fraction of the larger one.
	Tolerance decimal.Decimal `yaml:"tolerance,omitempty"`
}

// Rule is one configured screening rule.
type Rule struct {
	ID        string   `yaml:"id"`
	Kind      Kind     `yaml:"kind"`
	Severity  Severity `yaml:"severity"`
	Rationale string   `yaml:"rationale,omitempty"`
	Params    Params   `yaml:"params"`
}

// RuleSet is an ordered collection of rules with unique IDs.
type RuleSet []Rule

// Validate checks every rule and reports all problems at once.
func (rs RuleSet) Validate() error {
	if len(rs) == 0 {
		return fmt.Errorf("%w: no rules configured", ErrInvalidRuleSet)
	}
	var errs []error
	seen := make(map[string]bool, len(rs))
	for i, r := range rs {
		if r.ID == "" {
			errs = append(errs, fmt.Errorf("rule %d: id is required", i))
			continue
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate id", r.ID))
		}
		seen[r.ID] = true
		if r.Severity < 0 {
			errs = append(errs, fmt.Errorf("rule %s: severity must not be negative", r.ID))
		}
		if err := r.Params.validate(r.Kind); err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", r.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRuleSet, errors.Join(errs...))
	}
	return nil
}

func (p Params) validate(kind Kind) error {
	switch kind {
	case KindSanctions:
		if p.FuzzyDistance < 0 {
			return errors.New("fuzzy_distance must not be negative")
		}
	case KindJurisdiction:
	case KindThreshold:
		if !p.Threshold.IsPositive() {
			return errors.New("threshold must be positive")
		}
	case KindStructuring:
		switch {
		case !p.Threshold.IsPositive():
			return errors.New("threshold must be positive")
		case !p.SumThreshold.IsPositive():
			return errors.New("sum_threshold must be positive")
		case p.Window <= 0:
			return errors.New("window must be positive")
		case p.MinCount != 0 && p.MinCount < 2:
			return errors.New("min_count must be at least 2")
		}
	case KindRoundTrip:
		if p.Window <= 0 {
			return errors.New("window must be positive")
		}
		if p.Tolerance.IsNegative() || p.Tolerance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			return errors.New("tolerance must be in [0, 1)")
		}
	default:
		return fmt.Errorf("unknown kind %q", kind)
	}
	return nil
}

// Sorted returns a copy ordered by ascending rule ID.
func (rs RuleSet) Sorted() RuleSet {
	out := slices.Clone(rs)
	slices.SortStableFunc(out, func(a, b Rule) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// MaxWindow is the longest look-back any rule in the set needs.
func (rs RuleSet) MaxWindow() time.Duration {
	var longest time.Duration
	for _, r := range rs {
		longest = max(longest, r.Params.Window)
	}
	return longest
}

// outcome is what a rule predicate returns before it is turned into a
// verdict. A non-empty inapplicable reason wins over triggered.
type outcome struct {
	triggered    bool
	inapplicable string
	detail       string
}

func inapplicable(format string, args ...any) outcome {
	return outcome{inapplicable: fmt.Sprintf(format, args...)}
}

func evaluateRule(r Rule, rec TransactionRecord, snap *Snapshot) outcome {
	switch r.Kind {
	case KindSanctions:
		return evalSanctions(r.Params, rec, snap)
	case KindJurisdiction:
		return evalJurisdiction(rec, snap)
	case KindThreshold:
		return evalThreshold(r.Params, rec, snap)
	case KindStructuring:
		return evalStructuring(r.Params, rec, snap)
	case KindRoundTrip:
		return evalRoundTrip(r.Params, rec, snap)
	default:
		return inapplicable("unknown rule kind %q", r.Kind)
	}
}

type party struct {
	role string
	addr string
}

func parties(rec TransactionRecord) []party {
	ps := []party{{"wallet", rec.Wallet}}
	if rec.Counterparty != "" {
		ps = append(ps, party{"counterparty", rec.Counterparty})
	}
	return ps
}

func evalSanctions(p Params, rec TransactionRecord, snap *Snapshot) outcome {
	set := snap.Sanctions
	if set == nil {
		return inapplicable("sanctions list unavailable")
	}
	for _, pt := range parties(rec) {
		if set.Contains(pt.addr) {
			return outcome{triggered: true, detail: fmt.Sprintf("%s %s is listed on %s", pt.role, pt.addr, set.List())}
		}
	}
	if p.FuzzyDistance > 0 {
		for _, pt := range parties(rec) {
			if match, dist, ok := set.Closest(pt.addr, p.FuzzyDistance); ok {
				return outcome{triggered: true, detail: fmt.Sprintf(
					"%s %s is within edit distance %d of %s listed on %s", pt.role, pt.addr, dist, match, set.List())}
			}
		}
	}
	return outcome{detail: fmt.Sprintf("no match among %d addresses on %s", set.Len(), set.List())}
}

func evalJurisdiction(rec TransactionRecord, snap *Snapshot) outcome {
	table := snap.Jurisdictions
	if table == nil {
		return inapplicable("jurisdiction table unavailable")
	}
	if origin := rec.Origin(); origin != "" {
		if reason, ok := table.Restricted(origin); ok {
			return outcome{triggered: true, detail: fmt.Sprintf("declared origin %s is restricted: %s", origin, reason)}
		}
	}
	for _, pt := range parties(rec) {
		code, ok := table.Resolve(pt.addr)
		if !ok {
			continue
		}
		if reason, ok := table.Restricted(code); ok {
			return outcome{triggered: true, detail: fmt.Sprintf("%s %s resolves to restricted jurisdiction %s: %s", pt.role, pt.addr, code, reason)}
		}
	}
	return outcome{detail: "no restricted jurisdiction involved"}
}

func evalThreshold(p Params, rec TransactionRecord, snap *Snapshot) outcome {
	if snap.Prices == nil {
		return inapplicable("price table unavailable")
	}
	notional, ok := snap.Prices.Notional(rec)
	if !ok {
		return inapplicable("no %s price for %s", snap.Prices.Base(), rec.Asset)
	}
	base := snap.Prices.Base()
	if notional.GreaterThan(p.Threshold) {
		return outcome{triggered: true, detail: fmt.Sprintf("notional %s %s exceeds %s %s",
			notional.StringFixed(2), base, p.Threshold.StringFixed(2), base)}
	}
	return outcome{detail: fmt.Sprintf("notional %s %s within %s %s",
		notional.StringFixed(2), base, p.Threshold.StringFixed(2), base)}
}

func evalStructuring(p Params, rec TransactionRecord, snap *Snapshot) outcome {
	if snap.History == nil {
		return inapplicable("transaction history unavailable")
	}
	if snap.Prices == nil {
		return inapplicable("price table unavailable")
	}
	base := snap.Prices.Base()
	notional, ok := snap.Prices.Notional(rec)
	if !ok {
		return inapplicable("no %s price for %s", base, rec.Asset)
	}
	if notional.GreaterThanOrEqual(p.Threshold) {
		return outcome{detail: fmt.Sprintf("transfer of %s %s is not below %s %s",
			notional.StringFixed(2), base, p.Threshold.StringFixed(2), base)}
	}

	minCount := p.MinCount
	if minCount == 0 {
		minCount = defaultMinCount
	}

	// Each party is scored against every in-window transfer it sent or
	// received, so fan-out and fan-in both count.
	parties := []string{rec.Wallet}
	if rec.Counterparty != "" && rec.Counterparty != rec.Wallet {
		parties = append(parties, rec.Counterparty)
	}
	var worst structuringGroup
	for i, party := range parties {
		g := sumSubThreshold(p, rec, notional, party, snap)
		if g.count >= minCount && g.sum.GreaterThan(p.SumThreshold) {
			return outcome{triggered: true, detail: g.describe(p, base)}
		}
		if i == 0 || g.sum.GreaterThan(worst.sum) {
			worst = g
		}
	}
	return outcome{detail: worst.describe(p, base)}
}

type structuringGroup struct {
	party string
	count int
	sum   decimal.Decimal
}

func (g structuringGroup) describe(p Params, base string) string {
	return fmt.Sprintf("%d transfers to or from %s below %s %s totalling %s %s within %s",
		g.count, g.party, p.Threshold.StringFixed(2), base, g.sum.StringFixed(2), base, p.Window)
}

// sumSubThreshold aggregates rec and every prior sub-threshold transfer in
// the window that party sent or received.
func sumSubThreshold(p Params, rec TransactionRecord, notional decimal.Decimal, party string, snap *Snapshot) structuringGroup {
	start := rec.Timestamp.Add(-p.Window)
	g := structuringGroup{party: party, count: 1, sum: notional}
	for _, h := range snap.History {
		if h.ID == rec.ID || !h.Involves(party) {
			continue
		}
		if h.Timestamp.Before(start) || h.Timestamp.After(rec.Timestamp) {
			continue
		}
		n, ok := snap.Prices.Notional(h)
		if !ok || n.GreaterThanOrEqual(p.Threshold) {
			continue
		}
		g.sum = g.sum.Add(n)
		g.count++
	}
	return g
}

func evalRoundTrip(p Params, rec TransactionRecord, snap *Snapshot) outcome {
	if snap.History == nil {
		return inapplicable("transaction history unavailable")
	}
	if rec.Counterparty == "" {
		return outcome{detail: "no counterparty"}
	}
	tolerance := p.Tolerance
	if tolerance.IsZero() {
		tolerance = decimal.RequireFromString(defaultTolerance)
	}
	start := rec.Timestamp.Add(-p.Window)

	var match *TransactionRecord
	for i := range snap.History {
		h := &snap.History[i]
		if h.ID == rec.ID || h.Wallet != rec.Counterparty || h.Counterparty != rec.Wallet || h.Asset != rec.Asset {
			continue
		}
		if h.Timestamp.Before(start) || h.Timestamp.After(rec.Timestamp) {
			continue
		}
		larger := decimal.Max(h.Amount, rec.Amount)
		if larger.IsZero() {
			continue
		}
		if h.Amount.Sub(rec.Amount).Abs().GreaterThan(larger.Mul(tolerance)) {
			continue
		}
		// Most recent match wins; ties resolve by ID.
		if match == nil || h.Timestamp.After(match.Timestamp) ||
			(h.Timestamp.Equal(match.Timestamp) && h.ID < match.ID) {
			match = h
		}
	}
	if match == nil {
		return outcome{detail: fmt.Sprintf("no reverse transfer from %s within %s", rec.Counterparty, p.Window)}
	}
	return outcome{triggered: true, detail: fmt.Sprintf("%s %s received from %s in %s returned as %s %s",
		match.Amount.String(), match.Asset, rec.Counterparty, match.ID, rec.Amount.String(), rec.Asset)}
}

var defaultRationales = map[Kind]string{
	KindSanctions:    "sanctions match: {detail}",
	KindJurisdiction: "restricted jurisdiction: {detail}",
	KindThreshold:    "threshold breach: {detail}",
	KindStructuring:  "possible structuring by {wallet}: {detail}",
	KindRoundTrip:    "round trip with {counterparty}: {detail}",
}

// rationale renders the explanation for a verdict. Triggered verdicts use
// the rule's template; others describe why the rule did not fire.
func (r Rule) rationale(rec TransactionRecord, o outcome) string {
	switch {
	case o.inapplicable != "":
		return "inapplicable: " + o.inapplicable
	case !o.triggered:
		return "not triggered: " + o.detail
	}
	tmpl := r.Rationale
	if tmpl == "" {
		tmpl = defaultRationales[r.Kind]
	}
	return strings.NewReplacer(
		"{rule}", r.ID,
		"{wallet}", rec.Wallet,
		"{counterparty}", rec.Counterparty,
		"{asset}", rec.Asset,
		"{amount}", rec.Amount.String(),
		"{detail}", o.detail,
	).Replace(tmpl)
}

func (r Rule) verdict(rec TransactionRecord, o outcome) Verdict {
	v := Verdict{
		RuleID:       r.ID,
		Kind:         r.Kind,
		Triggered:    o.triggered && o.inapplicable == "",
		Inapplicable: o.inapplicable != "",
		Rationale:    r.rationale(rec, o),
	}
	if v.Triggered {
		v.Severity = r.Severity
	}
	return v
}
