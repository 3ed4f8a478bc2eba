package attestation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mbd888/finaiguard/internal/metrics"
	"github.com/mbd888/finaiguard/internal/report"
)

// DefaultInterval is how often chain heads are attested.
const DefaultInterval = 5 * time.Minute

// ChainLister lists known chain IDs.
type ChainLister interface {
	Chains(ctx context.Context) ([]string, error)
}

// Attester builds head attestations.
type Attester interface {
	Attest(ctx context.Context, chainID string) (*report.Attestation, error)
}

// Timer periodically attests the head of every chain and publishes heads
// that moved since the previous run. Empty chains are skipped.
type Timer struct {
	chains    ChainLister
	attester  Attester
	signer    report.Signer
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool

	published map[string]string // chain ID -> last published head hash
}

// NewTimer creates an attestation timer. signer may be nil.
func NewTimer(chains ChainLister, attester Attester, signer report.Signer, publisher Publisher, logger *slog.Logger) *Timer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Timer{
		chains:    chains,
		attester:  attester,
		signer:    signer,
		publisher: publisher,
		interval:  DefaultInterval,
		logger:    logger,
		stop:      make(chan struct{}, 1),
		published: make(map[string]string),
	}
}

// WithInterval overrides the attestation interval.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic attestation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in attestation timer", "panic", fmt.Sprint(r))
		}
	}()

	if n, err := t.RunOnce(ctx); err != nil {
		t.logger.Warn("attestation run failed", "published", n, "error", err)
	}
}

// RunOnce attests every chain whose head moved and returns how many
// attestations were published. It keeps going past per-chain failures and
// returns the first one.
func (t *Timer) RunOnce(ctx context.Context) (int, error) {
	ids, err := t.chains.Chains(ctx)
	if err != nil {
		return 0, fmt.Errorf("list chains: %w", err)
	}
	published := 0
	var firstErr error
	for _, id := range ids {
		ok, err := t.attest(ctx, id)
		if err != nil {
			metrics.AttestationsPublishedTotal.WithLabelValues(t.publisher.Name(), "error").Inc()
			t.logger.Warn("attestation failed", "chain", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			published++
			metrics.AttestationsPublishedTotal.WithLabelValues(t.publisher.Name(), "ok").Inc()
		}
	}
	return published, firstErr
}

func (t *Timer) attest(ctx context.Context, chainID string) (bool, error) {
	a, err := t.attester.Attest(ctx, chainID)
	if err != nil {
		return false, err
	}
	if a.Length == 0 || t.published[chainID] == a.HeadHash {
		return false, nil
	}
	if t.signer != nil {
		if err := t.signer.Sign(a); err != nil {
			return false, err
		}
	}
	if err := t.publisher.Publish(ctx, a); err != nil {
		return false, err
	}
	t.published[chainID] = a.HeadHash
	return true, nil
}
