package compliance

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const (
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
	carol   = "0x3333333333333333333333333333333333333333"
	dave    = "0x4444444444444444444444444444444444444444"
	mallory = "0x9999999999999999999999999999999999999999"
)

func testRules() RuleSet {
	return RuleSet{
		{ID: "R1-sanctions", Kind: KindSanctions, Severity: Points(100), Params: Params{FuzzyDistance: 1}},
		{ID: "R2-jurisdiction", Kind: KindJurisdiction, Severity: Points(60)},
		{ID: "R3-threshold", Kind: KindThreshold, Severity: Points(30), Params: Params{Threshold: decimal.NewFromInt(10000)}},
		{ID: "R4-structuring", Kind: KindStructuring, Severity: Points(50), Params: Params{
			Threshold:    decimal.NewFromInt(10000),
			SumThreshold: decimal.NewFromInt(10000),
			Window:       15 * time.Minute,
		}},
		{ID: "R5-roundtrip", Kind: KindRoundTrip, Severity: Points(45), Params: Params{Window: time.Hour}},
	}
}

func testSnapshot(history []TransactionRecord) *Snapshot {
	return &Snapshot{
		Version:   "2026-03-01",
		Sanctions: NewSanctionsSet("OFAC-SDN", []string{mallory}),
		Jurisdictions: NewJurisdictionTable(
			map[string]string{"KP": "comprehensive embargo"},
			[]PrefixMapping{{Prefix: "0xdead", Jurisdiction: "KP"}},
		),
		Prices:  NewPriceTable("USD", map[string]decimal.Decimal{"USDC": decimal.NewFromInt(1), "ETH": decimal.NewFromInt(3000)}),
		History: history,
	}
}

func mustRecord(t *testing.T, id, wallet, counterparty, asset, amount string, ts time.Time) TransactionRecord {
	t.Helper()
	rec, err := NewTransactionRecord(TransactionRecord{
		ID:           id,
		Wallet:       wallet,
		Counterparty: counterparty,
		Asset:        asset,
		Amount:       decimal.RequireFromString(amount),
		Timestamp:    ts,
	})
	if err != nil {
		t.Fatalf("NewTransactionRecord: %v", err)
	}
	return rec
}

func verdictFor(t *testing.T, verdicts []Verdict, id string) Verdict {
	t.Helper()
	for _, v := range verdicts {
		if v.RuleID == id {
			return v
		}
	}
	t.Fatalf("no verdict for rule %s", id)
	return Verdict{}
}

func TestEvaluate_OrderedByRuleID(t *testing.T) {
	engine := NewEngine(nil)
	rec := mustRecord(t, "tx1", alice, bob, "USDC", "100", t0)

	verdicts := engine.Evaluate(context.Background(), rec, testSnapshot(nil), testRules())
	if len(verdicts) != 5 {
		t.Fatalf("expected 5 verdicts, got %d", len(verdicts))
	}
	for i := 1; i < len(verdicts); i++ {
		if verdicts[i-1].RuleID >= verdicts[i].RuleID {
			t.Errorf("verdicts not ordered: %s before %s", verdicts[i-1].RuleID, verdicts[i].RuleID)
		}
	}
}

func TestEvaluate_InvariantUnderRuleReordering(t *testing.T) {
	engine := NewEngine(nil)
	history := []TransactionRecord{
		mustRecord(t, "h1", alice, bob, "USDC", "4000", t0.Add(-5*time.Minute)),
		mustRecord(t, "h2", bob, alice, "USDC", "4100", t0.Add(-3*time.Minute)),
	}
	rec := mustRecord(t, "tx1", alice, bob, "USDC", "4000", t0)

	rules := testRules()
	want := engine.Evaluate(context.Background(), rec, testSnapshot(history), rules)

	reversed := make(RuleSet, len(rules))
	for i, r := range rules {
		reversed[len(rules)-1-i] = r
	}
	got := engine.Evaluate(context.Background(), rec, testSnapshot(history), reversed)
	if !reflect.DeepEqual(want, got) {
		t.Errorf("verdicts differ after reordering:\nwant %+v\ngot  %+v", want, got)
	}

	rotated := append(RuleSet{}, rules[2:]...)
	rotated = append(rotated, rules[:2]...)
	got = engine.Evaluate(context.Background(), rec, testSnapshot(history), rotated)
	if !reflect.DeepEqual(want, got) {
		t.Errorf("verdicts differ after rotation")
	}
}

func TestEvaluate_StructuringScenario(t *testing.T) {
	engine := NewEngine(nil)
	rules := testRules()

	first := mustRecord(t, "tx1", alice, bob, "USDC", "4000", t0)
	second := mustRecord(t, "tx2", alice, bob, "USDC", "4000", t0.Add(5*time.Minute))
	third := mustRecord(t, "tx3", alice, bob, "USDC", "4000", t0.Add(10*time.Minute))

	v2 := engine.Evaluate(context.Background(), second, testSnapshot([]TransactionRecord{first}), rules)
	if verdictFor(t, v2, "R4-structuring").Triggered {
		t.Error("structuring should not trigger on the second transfer (sum 8000)")
	}

	v3 := engine.Evaluate(context.Background(), third, testSnapshot([]TransactionRecord{first, second}), rules)
	for _, v := range v3 {
		wantTriggered := v.RuleID == "R4-structuring"
		if v.Triggered != wantTriggered {
			t.Errorf("rule %s triggered=%v, want %v (%s)", v.RuleID, v.Triggered, wantTriggered, v.Rationale)
		}
	}
	s := verdictFor(t, v3, "R4-structuring")
	if s.Severity != Points(50) {
		t.Errorf("expected severity 50, got %s", s.Severity)
	}
	if !strings.Contains(s.Rationale, "3 transfers") || !strings.Contains(s.Rationale, "12000.00") {
		t.Errorf("unexpected rationale: %s", s.Rationale)
	}
}

func TestEvaluate_StructuringIgnoresTransfersOutsideWindow(t *testing.T) {
	engine := NewEngine(nil)
	history := []TransactionRecord{
		mustRecord(t, "old", alice, bob, "USDC", "4000", t0.Add(-time.Hour)),
		mustRecord(t, "h1", alice, bob, "USDC", "4000", t0.Add(-10*time.Minute)),
	}
	rec := mustRecord(t, "tx", alice, bob, "USDC", "4000", t0)

	verdicts := engine.Evaluate(context.Background(), rec, testSnapshot(history), testRules())
	if verdictFor(t, verdicts, "R4-structuring").Triggered {
		t.Error("transfer outside the window must not count toward structuring")
	}
}

func TestEvaluate_StructuringFanIn(t *testing.T) {
	engine := NewEngine(nil)
	history := []TransactionRecord{
		mustRecord(t, "tx1", alice, bob, "USDC", "4000", t0),
		mustRecord(t, "tx2", carol, bob, "USDC", "4000", t0.Add(4*time.Minute)),
	}
	rec := mustRecord(t, "tx3", dave, bob, "USDC", "4000", t0.Add(9*time.Minute))

	v := verdictFor(t, engine.Evaluate(context.Background(), rec, testSnapshot(history), testRules()), "R4-structuring")
	if !v.Triggered {
		t.Fatalf("three senders converging on one counterparty should trigger: %+v", v)
	}
	if !strings.Contains(v.Rationale, "3 transfers to or from "+bob) || !strings.Contains(v.Rationale, "12000.00") {
		t.Errorf("rationale should name the receiving party: %s", v.Rationale)
	}
}

func TestEvaluate_StructuringPassThrough(t *testing.T) {
	engine := NewEngine(nil)
	history := []TransactionRecord{
		mustRecord(t, "in1", carol, alice, "USDC", "4000", t0),
		mustRecord(t, "in2", dave, alice, "USDC", "4000", t0.Add(3*time.Minute)),
	}
	rec := mustRecord(t, "out", alice, bob, "USDC", "4000", t0.Add(6*time.Minute))

	v := verdictFor(t, engine.Evaluate(context.Background(), rec, testSnapshot(history), testRules()), "R4-structuring")
	if !v.Triggered {
		t.Fatalf("small inbound transfers forwarded on should trigger: %+v", v)
	}
	if !strings.Contains(v.Rationale, "to or from "+alice) {
		t.Errorf("rationale should name the pass-through wallet: %s", v.Rationale)
	}
}

func TestEvaluate_StructuringUnrelatedPartiesDoNotAggregate(t *testing.T) {
	engine := NewEngine(nil)
	history := []TransactionRecord{
		mustRecord(t, "h1", carol, dave, "USDC", "4000", t0),
		mustRecord(t, "h2", dave, carol, "USDC", "4000", t0.Add(time.Minute)),
	}
	rec := mustRecord(t, "tx", alice, bob, "USDC", "4000", t0.Add(2*time.Minute))

	v := verdictFor(t, engine.Evaluate(context.Background(), rec, testSnapshot(history), testRules()), "R4-structuring")
	if v.Triggered {
		t.Errorf("transfers between other parties must not count: %+v", v)
	}
	if !strings.Contains(v.Rationale, "1 transfers") {
		t.Errorf("unexpected rationale: %s", v.Rationale)
	}
}

func TestEvaluate_SanctionsExactAndFuzzy(t *testing.T) {
	engine := NewEngine(nil)

	exact := mustRecord(t, "tx1", alice, strings.ToUpper(mallory[:2])+mallory[2:], "USDC", "1", t0)
	v := verdictFor(t, engine.Evaluate(context.Background(), exact, testSnapshot(nil), testRules()), "R1-sanctions")
	if !v.Triggered || v.Severity != Points(100) {
		t.Fatalf("expected exact sanctions hit, got %+v", v)
	}
	if !strings.Contains(v.Rationale, "counterparty") {
		t.Errorf("rationale should name the counterparty: %s", v.Rationale)
	}

	near := mallory[:len(mallory)-1] + "8"
	fuzzy := mustRecord(t, "tx2", near, bob, "USDC", "1", t0)
	v = verdictFor(t, engine.Evaluate(context.Background(), fuzzy, testSnapshot(nil), testRules()), "R1-sanctions")
	if !v.Triggered || !strings.Contains(v.Rationale, "edit distance 1") {
		t.Errorf("expected fuzzy sanctions hit, got %+v", v)
	}

	clean := mustRecord(t, "tx3", alice, bob, "USDC", "1", t0)
	v = verdictFor(t, engine.Evaluate(context.Background(), clean, testSnapshot(nil), testRules()), "R1-sanctions")
	if v.Triggered || v.Severity != 0 {
		t.Errorf("clean record should not trigger: %+v", v)
	}
}

func TestEvaluate_Jurisdiction(t *testing.T) {
	engine := NewEngine(nil)

	byPrefix := mustRecord(t, "tx1", alice, "0xdeadbeef00000000000000000000000000000000", "USDC", "1", t0)
	if v := verdictFor(t, engine.Evaluate(context.Background(), byPrefix, testSnapshot(nil), testRules()), "R2-jurisdiction"); !v.Triggered {
		t.Errorf("expected prefix jurisdiction hit, got %+v", v)
	}

	declared, err := NewTransactionRecord(TransactionRecord{
		ID: "tx2", Wallet: alice, Asset: "USDC", Amount: decimal.NewFromInt(1), Timestamp: t0,
		Metadata: map[string]string{MetadataOrigin: "kp"},
	})
	if err != nil {
		t.Fatal(err)
	}
	v := verdictFor(t, engine.Evaluate(context.Background(), declared, testSnapshot(nil), testRules()), "R2-jurisdiction")
	if !v.Triggered || !strings.Contains(v.Rationale, "declared origin KP") {
		t.Errorf("expected declared origin hit, got %+v", v)
	}
}

func TestEvaluate_ThresholdUsesNotional(t *testing.T) {
	engine := NewEngine(nil)

	rec := mustRecord(t, "tx1", alice, bob, "ETH", "4", t0) // 12,000 USD
	v := verdictFor(t, engine.Evaluate(context.Background(), rec, testSnapshot(nil), testRules()), "R3-threshold")
	if !v.Triggered {
		t.Errorf("expected threshold breach, got %+v", v)
	}

	atLimit := mustRecord(t, "tx2", alice, bob, "USD", "10000", t0)
	v = verdictFor(t, engine.Evaluate(context.Background(), atLimit, testSnapshot(nil), testRules()), "R3-threshold")
	if v.Triggered {
		t.Errorf("amount equal to threshold must not breach: %+v", v)
	}
}

func TestEvaluate_RoundTrip(t *testing.T) {
	engine := NewEngine(nil)
	history := []TransactionRecord{
		mustRecord(t, "in", bob, alice, "USDC", "5000", t0.Add(-20*time.Minute)),
	}
	rec := mustRecord(t, "out", alice, bob, "USDC", "4800", t0)

	v := verdictFor(t, engine.Evaluate(context.Background(), rec, testSnapshot(history), testRules()), "R5-roundtrip")
	if !v.Triggered {
		t.Errorf("expected round trip, got %+v", v)
	}

	far := mustRecord(t, "out2", alice, bob, "USDC", "1000", t0)
	v = verdictFor(t, engine.Evaluate(context.Background(), far, testSnapshot(history), testRules()), "R5-roundtrip")
	if v.Triggered {
		t.Errorf("amounts outside tolerance must not trigger: %+v", v)
	}
}

func TestEvaluate_MissingReferenceDataIsInapplicable(t *testing.T) {
	engine := NewEngine(nil)
	rec := mustRecord(t, "tx1", mallory, bob, "USDC", "50000", t0)

	verdicts := engine.Evaluate(context.Background(), rec, &Snapshot{}, testRules())
	for _, v := range verdicts {
		if v.Triggered {
			t.Errorf("rule %s triggered without reference data", v.RuleID)
		}
		if !v.Inapplicable || !strings.HasPrefix(v.Rationale, "inapplicable: ") {
			t.Errorf("rule %s should be inapplicable, got %+v", v.RuleID, v)
		}
	}
}

func TestEvaluate_UnpricedAssetIsInapplicable(t *testing.T) {
	engine := NewEngine(nil)
	rec := mustRecord(t, "tx1", alice, bob, "DOGE", "50000", t0)

	v := verdictFor(t, engine.Evaluate(context.Background(), rec, testSnapshot(nil), testRules()), "R3-threshold")
	if v.Triggered || !v.Inapplicable {
		t.Errorf("expected inapplicable threshold verdict, got %+v", v)
	}
}

func TestEvaluate_CancelledContext(t *testing.T) {
	engine := NewEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := mustRecord(t, "tx1", mallory, bob, "USDC", "1", t0)
	for _, v := range engine.Evaluate(ctx, rec, testSnapshot(nil), testRules()) {
		if v.Triggered || !v.Inapplicable {
			t.Errorf("rule %s should be inapplicable after cancellation: %+v", v.RuleID, v)
		}
	}
}

// stubEngine routes the rule named id through eval and every other rule
// through the real predicates.
func stubEngine(timeout time.Duration, id string, eval func() outcome) *Engine {
	e := NewEngine(nil).WithRuleTimeout(timeout)
	e.eval = func(r Rule, rec TransactionRecord, snap *Snapshot) outcome {
		if r.ID == id {
			return eval()
		}
		return evaluateRule(r, rec, snap)
	}
	return e
}

func assertOthersUnaffected(t *testing.T, verdicts []Verdict, stubbed string) {
	t.Helper()
	if len(verdicts) != 5 {
		t.Fatalf("expected 5 verdicts, got %d", len(verdicts))
	}
	for i, v := range verdicts {
		if i > 0 && verdicts[i-1].RuleID >= v.RuleID {
			t.Errorf("verdicts not ordered: %s before %s", verdicts[i-1].RuleID, v.RuleID)
		}
		if v.RuleID == stubbed {
			continue
		}
		if v.Inapplicable {
			t.Errorf("rule %s should still evaluate: %+v", v.RuleID, v)
		}
	}
	if !verdictFor(t, verdicts, "R1-sanctions").Triggered {
		t.Error("sanctions hit lost alongside a failing rule")
	}
}

func TestEvaluate_SlowRuleTimesOut(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	engine := stubEngine(20*time.Millisecond, "R3-threshold", func() outcome {
		<-release
		return outcome{triggered: true}
	})

	rec := mustRecord(t, "tx1", alice, mallory, "USDC", "1", t0)
	start := time.Now()
	verdicts := engine.Evaluate(context.Background(), rec, testSnapshot([]TransactionRecord{}), testRules())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("evaluation waited %s for a stuck rule", elapsed)
	}

	v := verdictFor(t, verdicts, "R3-threshold")
	if v.Triggered || !v.Inapplicable || !strings.HasPrefix(v.Rationale, "inapplicable: ") {
		t.Errorf("timed-out rule should be inapplicable, got %+v", v)
	}
	if !strings.Contains(v.Rationale, "exceeded 20ms") {
		t.Errorf("rationale should name the timeout: %s", v.Rationale)
	}
	assertOthersUnaffected(t, verdicts, "R3-threshold")
}

func TestEvaluate_PanickingRuleIsInapplicable(t *testing.T) {
	engine := stubEngine(time.Second, "R2-jurisdiction", func() outcome {
		panic("prefix table corrupted")
	})

	rec := mustRecord(t, "tx1", alice, mallory, "USDC", "1", t0)
	verdicts := engine.Evaluate(context.Background(), rec, testSnapshot([]TransactionRecord{}), testRules())

	v := verdictFor(t, verdicts, "R2-jurisdiction")
	if v.Triggered || !v.Inapplicable || !strings.HasPrefix(v.Rationale, "inapplicable: ") {
		t.Errorf("panicking rule should be inapplicable, got %+v", v)
	}
	if !strings.Contains(v.Rationale, "prefix table corrupted") {
		t.Errorf("rationale should carry the panic value: %s", v.Rationale)
	}
	assertOthersUnaffected(t, verdicts, "R2-jurisdiction")
}

func TestEvaluate_CustomRationaleTemplate(t *testing.T) {
	engine := NewEngine(nil)
	rules := RuleSet{{
		ID: "big", Kind: KindThreshold, Severity: Points(10),
		Rationale: "{rule}: {wallet} moved {amount} {asset}",
		Params:    Params{Threshold: decimal.NewFromInt(100)},
	}}
	rec := mustRecord(t, "tx1", alice, bob, "USDC", "250.5", t0)

	v := engine.Evaluate(context.Background(), rec, testSnapshot(nil), rules)[0]
	want := "big: " + alice + " moved 250.5 USDC"
	if v.Rationale != want {
		t.Errorf("rationale = %q, want %q", v.Rationale, want)
	}
}

func TestDescribe(t *testing.T) {
	got := Describe([]Verdict{{Triggered: true}, {Inapplicable: true}, {}})
	if got != "3 rules, 1 triggered, 1 inapplicable" {
		t.Errorf("Describe = %q", got)
	}
}
