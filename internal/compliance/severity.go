package compliance

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// SeverityScale is the number of Severity units per point.
const SeverityScale = 1000

// Severity is a non-negative fixed-point quantity with three decimal places.
// Sums are integer additions, so aggregation never depends on order.
type Severity int64

// Points returns a Severity of n whole points.
func Points(n int64) Severity {
	return Severity(n * SeverityScale)
}

// ParseSeverity parses a decimal string such as "40" or "12.5".
func ParseSeverity(s string) (Severity, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("severity %q: %w", s, err)
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("severity %q: must not be negative", s)
	}
	scaled := d.Shift(3)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("severity %q: at most 3 decimal places", s)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("severity %q: out of range", s)
	}
	return Severity(scaled.IntPart()), nil
}

// Add returns s+o, saturating at the maximum representable value.
func (s Severity) Add(o Severity) Severity {
	if o > 0 && s > math.MaxInt64-o {
		return math.MaxInt64
	}
	return s + o
}

// Decimal returns the severity as a decimal number of points.
func (s Severity) Decimal() decimal.Decimal {
	return decimal.New(int64(s), -3)
}

func (s Severity) String() string {
	return s.Decimal().StringFixed(3)
}

// MarshalJSON encodes the severity as a fixed-point decimal string.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (s *Severity) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(string(b), `"`)
	v, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalYAML parses scalars like `severity: 40` in policy files.
func (s *Severity) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: severity must be a scalar", node.Line)
	}
	v, err := ParseSeverity(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = v
	return nil
}
