package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/finaiguard/internal/circuitbreaker"
	"github.com/mbd888/finaiguard/internal/compliance"
	"github.com/mbd888/finaiguard/internal/metrics"
)

// Guarded wraps a remote provider with a circuit breaker. While the circuit
// is open lookups fail fast instead of waiting on a struggling backend.
// ErrNoSnapshot is an answer, not a failure, and does not trip the breaker.
type Guarded struct {
	name    string
	next    Provider
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// NewGuarded wraps next. name labels metrics and breaker state.
func NewGuarded(name string, next Provider, breaker *circuitbreaker.Breaker, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guarded{name: name, next: next, breaker: breaker, logger: logger}
}

func (g *Guarded) Snapshot(ctx context.Context, asOf time.Time) (*compliance.Snapshot, error) {
	var snap *compliance.Snapshot
	err := g.breaker.Execute(g.name, func() error {
		var err error
		snap, err = g.next.Snapshot(ctx, asOf)
		if errors.Is(err, ErrNoSnapshot) {
			return circuitbreaker.Ignore(err)
		}
		return err
	})
	if err != nil {
		if !errors.Is(err, ErrNoSnapshot) {
			metrics.ReferenceLookupFailuresTotal.WithLabelValues(g.name).Inc()
			g.logger.Warn("reference lookup failed", "provider", g.name, "error", err)
		}
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}
	return snap, nil
}

// State reports the breaker state for health checks.
func (g *Guarded) State() circuitbreaker.State {
	return g.breaker.State(g.name)
}

var _ Provider = (*Guarded)(nil)
