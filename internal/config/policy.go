package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/risk"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Policy is a validated rule set with its tier boundaries.
type Policy struct {
	Boundaries risk.Boundaries    `yaml:"boundaries"`
	Rules      compliance.RuleSet `yaml:"rules"`
}

// LoadPolicy reads the policy at path, or the built-in policy when path is
// empty. Missing boundaries fall back to the defaults.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return ParsePolicy(bytes.NewReader(defaultPolicy))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open policy: %w", ErrConfiguration, err)
	}
	defer f.Close()
	p, err := ParsePolicy(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates a YAML policy. Unknown keys are errors.
func ParsePolicy(r io.Reader) (*Policy, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var p Policy
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty policy", ErrConfiguration)
		}
		return nil, fmt.Errorf("%w: decode policy: %w", ErrConfiguration, err)
	}
	if p.Boundaries == (risk.Boundaries{}) {
		p.Boundaries = risk.DefaultBoundaries()
	}
	if err := p.Boundaries.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if err := p.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	for _, r := range p.Rules {
		if r.Kind == compliance.KindSanctions && r.Severity < p.Boundaries.Block {
			return nil, fmt.Errorf("%w: sanctions rule %s severity %s is below the block boundary %s",
				ErrConfiguration, r.ID, r.Severity, p.Boundaries.Block)
		}
	}
	return &p, nil
}
