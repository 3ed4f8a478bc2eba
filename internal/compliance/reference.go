package compliance

import (
	"slices"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/shopspring/decimal"
)

// DefaultBaseCurrency is the currency notional values are expressed in.
const DefaultBaseCurrency = "USD"

// Snapshot is the reference data a record is evaluated against. A nil
// component means the data is unavailable and dependent rules are
// inapplicable. History nil means "unknown", while an empty slice means
// "no prior transfers".
type Snapshot struct {
	Version       string
	Sanctions     *SanctionsSet
	Jurisdictions *JurisdictionTable
	Prices        *PriceTable
	History       []TransactionRecord
}

// SanctionsSet is an immutable set of listed addresses.
type SanctionsSet struct {
	list    string
	members map[string]struct{}
	sorted  []string
}

// NewSanctionsSet builds a set from addrs; addresses are normalised.
func NewSanctionsSet(list string, addrs []string) *SanctionsSet {
	s := &SanctionsSet{list: list, members: make(map[string]struct{}, len(addrs))}
	for _, a := range addrs {
		a = NormalizeAddress(a)
		if a == "" {
			continue
		}
		if _, dup := s.members[a]; dup {
			continue
		}
		s.members[a] = struct{}{}
		s.sorted = append(s.sorted, a)
	}
	slices.Sort(s.sorted)
	return s
}

// List returns the name of the sanctions list.
func (s *SanctionsSet) List() string { return s.list }

// Len returns the number of listed addresses.
func (s *SanctionsSet) Len() int { return len(s.sorted) }

// Addresses returns the listed addresses in sorted order.
func (s *SanctionsSet) Addresses() []string { return slices.Clone(s.sorted) }

// Contains reports an exact match.
func (s *SanctionsSet) Contains(addr string) bool {
	_, ok := s.members[NormalizeAddress(addr)]
	return ok
}

// Closest returns the listed address nearest to addr by edit distance,
// considering only addresses of equal length within maxDist. Ties resolve
// to the lexicographically smallest address.
func (s *SanctionsSet) Closest(addr string, maxDist int) (string, int, bool) {
	addr = NormalizeAddress(addr)
	if addr == "" || maxDist <= 0 {
		return "", 0, false
	}
	best, bestDist := "", maxDist+1
	for _, candidate := range s.sorted {
		if len(candidate) != len(addr) {
			continue
		}
		d := levenshtein.ComputeDistance(addr, candidate)
		if d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if best == "" {
		return "", 0, false
	}
	return best, bestDist, true
}

// PrefixMapping maps addresses starting with Prefix to a jurisdiction code.
type PrefixMapping struct {
	Prefix       string `json:"prefix" yaml:"prefix"`
	Jurisdiction string `json:"jurisdiction" yaml:"jurisdiction"`
}

// JurisdictionTable resolves addresses to jurisdictions and knows which
// jurisdictions are restricted.
type JurisdictionTable struct {
	restricted map[string]string
	prefixes   []PrefixMapping
}

// NewJurisdictionTable builds a table. restricted maps a jurisdiction code
// to the reason it is restricted.
func NewJurisdictionTable(restricted map[string]string, mappings []PrefixMapping) *JurisdictionTable {
	t := &JurisdictionTable{restricted: make(map[string]string, len(restricted))}
	for code, reason := range restricted {
		t.restricted[strings.ToUpper(strings.TrimSpace(code))] = reason
	}
	for _, m := range mappings {
		p := NormalizeAddress(m.Prefix)
		if p == "" {
			continue
		}
		t.prefixes = append(t.prefixes, PrefixMapping{
			Prefix:       p,
			Jurisdiction: strings.ToUpper(strings.TrimSpace(m.Jurisdiction)),
		})
	}
	// Longest prefix first, then lexical, so Resolve is deterministic.
	slices.SortFunc(t.prefixes, func(a, b PrefixMapping) int {
		if len(a.Prefix) != len(b.Prefix) {
			return len(b.Prefix) - len(a.Prefix)
		}
		return strings.Compare(a.Prefix, b.Prefix)
	})
	return t
}

// Resolve returns the jurisdiction of the longest matching prefix.
func (t *JurisdictionTable) Resolve(addr string) (string, bool) {
	addr = NormalizeAddress(addr)
	if addr == "" {
		return "", false
	}
	for _, m := range t.prefixes {
		if strings.HasPrefix(addr, m.Prefix) {
			return m.Jurisdiction, true
		}
	}
	return "", false
}

// Restricted returns the restriction reason for a jurisdiction code.
func (t *JurisdictionTable) Restricted(code string) (string, bool) {
	reason, ok := t.restricted[strings.ToUpper(strings.TrimSpace(code))]
	return reason, ok
}

// PriceTable holds asset prices in the base currency.
type PriceTable struct {
	base   string
	prices map[string]decimal.Decimal
}

// NewPriceTable builds a price table. An empty base defaults to USD.
func NewPriceTable(base string, prices map[string]decimal.Decimal) *PriceTable {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		base = DefaultBaseCurrency
	}
	p := &PriceTable{base: base, prices: make(map[string]decimal.Decimal, len(prices))}
	for asset, price := range prices {
		p.prices[strings.ToUpper(strings.TrimSpace(asset))] = price
	}
	return p
}

// Base returns the base currency.
func (p *PriceTable) Base() string { return p.base }

// Price returns the unit price of asset. The base currency is priced at 1.
func (p *PriceTable) Price(asset string) (decimal.Decimal, bool) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == p.base {
		return decimal.NewFromInt(1), true
	}
	price, ok := p.prices[asset]
	return price, ok
}

// Notional returns the record amount valued in the base currency.
func (p *PriceTable) Notional(r TransactionRecord) (decimal.Decimal, bool) {
	price, ok := p.Price(r.Asset)
	if !ok {
		return decimal.Zero, false
	}
	return r.Amount.Mul(price), true
}
