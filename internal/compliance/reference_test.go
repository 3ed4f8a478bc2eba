package compliance

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSanctionsSet(t *testing.T) {
	set := NewSanctionsSet("OFAC-SDN", []string{"0xBBB", "0xaaa", "0xaaa", " "})
	if set.Len() != 2 {
		t.Fatalf("Len = %d, want 2", set.Len())
	}
	if !set.Contains("0XAAA") {
		t.Error("Contains should be case-insensitive")
	}
	if got := set.Addresses(); got[0] != "0xaaa" || got[1] != "0xbbb" {
		t.Errorf("Addresses = %v", got)
	}

	match, dist, ok := set.Closest("0xaab", 1)
	if !ok || match != "0xaaa" || dist != 1 {
		t.Errorf("Closest = %q %d %v", match, dist, ok)
	}
	if _, _, ok := set.Closest("0xaab0", 1); ok {
		t.Error("Closest must skip addresses of different length")
	}
	if _, _, ok := set.Closest("0xaab", 0); ok {
		t.Error("Closest with maxDist 0 must not match")
	}
}

func TestSanctionsSet_ClosestTieBreak(t *testing.T) {
	set := NewSanctionsSet("list", []string{"0xab2", "0xab1"})
	match, _, ok := set.Closest("0xab0", 1)
	if !ok || match != "0xab1" {
		t.Errorf("expected lexicographically smallest tie, got %q", match)
	}
}

func TestJurisdictionTable_LongestPrefix(t *testing.T) {
	table := NewJurisdictionTable(
		map[string]string{"ir": "embargo"},
		[]PrefixMapping{
			{Prefix: "0xab", Jurisdiction: "de"},
			{Prefix: "0xABCD", Jurisdiction: "IR"},
		},
	)
	if code, ok := table.Resolve("0xabcdef"); !ok || code != "IR" {
		t.Errorf("Resolve = %q %v", code, ok)
	}
	if code, ok := table.Resolve("0xab00"); !ok || code != "DE" {
		t.Errorf("Resolve = %q %v", code, ok)
	}
	if _, ok := table.Resolve("0x12"); ok {
		t.Error("unexpected resolution")
	}
	if reason, ok := table.Restricted("IR"); !ok || reason != "embargo" {
		t.Errorf("Restricted = %q %v", reason, ok)
	}
	if _, ok := table.Restricted("DE"); ok {
		t.Error("DE should not be restricted")
	}
}

func TestPriceTable(t *testing.T) {
	prices := NewPriceTable("", map[string]decimal.Decimal{"eth": decimal.NewFromInt(3000)})
	if prices.Base() != "USD" {
		t.Errorf("Base = %s", prices.Base())
	}
	rec := TransactionRecord{Asset: "ETH", Amount: decimal.RequireFromString("1.5")}
	n, ok := prices.Notional(rec)
	if !ok || !n.Equal(decimal.NewFromInt(4500)) {
		t.Errorf("Notional = %s %v", n, ok)
	}
	if p, ok := prices.Price("usd"); !ok || !p.Equal(decimal.NewFromInt(1)) {
		t.Errorf("base currency price = %s %v", p, ok)
	}
	if _, ok := prices.Price("BTC"); ok {
		t.Error("unknown asset should have no price")
	}
}
