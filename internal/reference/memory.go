package reference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/finaiguard/internal/compliance"
)

type version struct {
	effectiveAt time.Time
	snap        *compliance.Snapshot
}

// MemoryProvider holds snapshots in process, ordered by effective time.
type MemoryProvider struct {
	mu       sync.RWMutex
	versions []version
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// Add registers a snapshot. Adding a version that already exists replaces
// nothing and fails.
func (p *MemoryProvider) Add(d *Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range p.versions {
		if v.snap.Version == d.Version {
			return fmt.Errorf("%w: %w %s", ErrInvalidSnapshot, ErrDuplicateVersion, d.Version)
		}
	}
	p.versions = append(p.versions, version{effectiveAt: d.EffectiveAt.UTC(), snap: d.Build()})
	slices.SortStableFunc(p.versions, func(a, b version) int { return a.effectiveAt.Compare(b.effectiveAt) })
	return nil
}

// Snapshot returns the latest version whose effective time is not after asOf.
func (p *MemoryProvider) Snapshot(ctx context.Context, asOf time.Time) (*compliance.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i := len(p.versions) - 1; i >= 0; i-- {
		if !p.versions[i].effectiveAt.After(asOf) {
			return p.versions[i].snap, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, asOf.UTC().Format(time.RFC3339))
}

// Versions lists loaded version names in effective order.
func (p *MemoryProvider) Versions() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.versions))
	for i, v := range p.versions {
		names[i] = v.snap.Version
	}
	return names
}

// LoadDir loads every snapshot file in dir into a new provider.
func LoadDir(dir string) (*MemoryProvider, error) {
	ds, err := ReadDir(dir)
	if err != nil {
		return nil, err
	}
	p := NewMemoryProvider()
	for _, d := range ds {
		if err := p.Add(d); err != nil {
			return nil, fmt.Errorf("%s: %w", d.Version, err)
		}
	}
	return p, nil
}

// ReadDir decodes every .yaml, .yml and .json file in dir, in name order.
func ReadDir(dir string) ([]*Data, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read reference dir: %w", err)
	}
	var out []*Data
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(f.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		d, err := LoadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// LoadFile decodes one snapshot file, as JSON for .json and YAML otherwise.
// Unknown fields are rejected.
func LoadFile(path string) (*Data, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-configured reference directory
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var d Data
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		err = dec.Decode(&d)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		err = dec.Decode(&d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, path, err)
	}
	return &d, nil
}

var _ Provider = (*MemoryProvider)(nil)
