package health

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mbd888/finaiguard/internal/verifier"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryAllHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: true, Detail: "ok"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("all-healthy registry should report healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("db", func(_ context.Context) Status {
		return Status{Name: "db", Healthy: true}
	})
	r.Register("cache", func(_ context.Context) Status {
		return Status{Name: "cache", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	if statuses[1].Detail != "connection refused" {
		t.Fatalf("expected detail 'connection refused', got %q", statuses[1].Detail)
	}
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	// Register concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}(i)
	}

	// Check concurrently
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func TestPing(t *testing.T) {
	ok := Ping("postgres", func(context.Context) error { return nil })(context.Background())
	if !ok.Healthy || ok.Name != "postgres" {
		t.Fatalf("expected healthy postgres, got %+v", ok)
	}

	bad := Ping("redis", func(context.Context) error { return errors.New("dial tcp: refused") })(context.Background())
	if bad.Healthy || bad.Detail != "dial tcp: refused" {
		t.Fatalf("expected unhealthy redis, got %+v", bad)
	}
}

func TestChainIntegrity(t *testing.T) {
	idx := uint64(3)
	tests := []struct {
		name        string
		res         verifier.Result
		err         error
		wantHealthy bool
		wantDetail  string
	}{
		{"valid", verifier.Result{Valid: true, Checked: 7}, nil, true, "7 entries"},
		{"broken", verifier.Result{FirstInvalidIndex: &idx, Reason: "entry hash mismatch"}, nil, false, "entry 3: entry hash mismatch"},
		{"store error", verifier.Result{}, errors.New("timeout"), false, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ChainIntegrity("desk-1", func(_ context.Context, chainID string) (verifier.Result, error) {
				if chainID != "desk-1" {
					t.Errorf("unexpected chain %q", chainID)
				}
				return tt.res, tt.err
			})
			st := check(context.Background())
			if st.Name != "chain:desk-1" || st.Healthy != tt.wantHealthy || st.Detail != tt.wantDetail {
				t.Errorf("got %+v", st)
			}
		})
	}
}
