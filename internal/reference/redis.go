package reference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mbd888/finaiguard/internal/compliance"
)

// RedisProvider reads snapshots published to Redis by the reference data
// collaborator. Versions live in a sorted set scored by effective time in
// unix seconds; each version's data is a JSON string. Built snapshots are
// cached by version since versions are immutable.
type RedisProvider struct {
	client *redis.Client
	prefix string

	mu    sync.RWMutex
	cache map[string]*compliance.Snapshot
}

// NewRedisProvider creates a provider using keys under prefix.
func NewRedisProvider(client *redis.Client, prefix string) *RedisProvider {
	if prefix == "" {
		prefix = "finaiguard:reference"
	}
	return &RedisProvider{client: client, prefix: prefix, cache: make(map[string]*compliance.Snapshot)}
}

func (p *RedisProvider) versionsKey() string { return p.prefix + ":versions" }

func (p *RedisProvider) dataKey(version string) string { return p.prefix + ":snapshot:" + version }

// Publish stores d and makes it visible to lookups. Republishing an existing
// version is rejected.
func (p *RedisProvider) Publish(ctx context.Context, d *Data) error {
	if err := d.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	ok, err := p.client.SetNX(ctx, p.dataKey(d.Version), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("store snapshot %s: %w", d.Version, err)
	}
	if !ok {
		return fmt.Errorf("%w: %w %s", ErrInvalidSnapshot, ErrDuplicateVersion, d.Version)
	}
	err = p.client.ZAdd(ctx, p.versionsKey(), redis.Z{
		Score:  float64(d.EffectiveAt.Unix()),
		Member: d.Version,
	}).Err()
	if err != nil {
		return fmt.Errorf("index snapshot %s: %w", d.Version, err)
	}
	return nil
}

// Seed publishes every snapshot in ds, skipping versions already present,
// and returns how many were new.
func (p *RedisProvider) Seed(ctx context.Context, ds []*Data) (int, error) {
	n := 0
	for _, d := range ds {
		err := p.Publish(ctx, d)
		switch {
		case errors.Is(err, ErrDuplicateVersion):
		case err != nil:
			return n, err
		default:
			n++
		}
	}
	return n, nil
}

// Snapshot returns the latest version effective at or before asOf.
func (p *RedisProvider) Snapshot(ctx context.Context, asOf time.Time) (*compliance.Snapshot, error) {
	versions, err := p.client.ZRangeArgs(ctx, redis.ZRangeArgs{
		Key:     p.versionsKey(),
		Start:   "-inf",
		Stop:    strconv.FormatInt(asOf.Unix(), 10),
		ByScore: true,
		Rev:     true,
		Count:   1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("query reference versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, asOf.UTC().Format(time.RFC3339))
	}
	name := versions[0]

	p.mu.RLock()
	snap, ok := p.cache[name]
	p.mu.RUnlock()
	if ok {
		return snap, nil
	}

	raw, err := p.client.Get(ctx, p.dataKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: version %s is indexed but has no data", ErrInvalidSnapshot, name)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch reference %s: %w", name, err)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSnapshot, name, err)
	}
	snap = d.Build()

	p.mu.Lock()
	p.cache[name] = snap
	p.mu.Unlock()
	return snap, nil
}

// Ping checks Redis connectivity for health probes.
func (p *RedisProvider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

var _ Provider = (*RedisProvider)(nil)
