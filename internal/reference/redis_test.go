//go:build integration

package reference

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/finaiguard/internal/testutil"
)

func TestRedisProvider(t *testing.T) {
	client := testutil.NewRedisClient(t)
	p := NewRedisProvider(client, "test:reference")
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))

	_, err := p.Snapshot(ctx, jan)
	assert.ErrorIs(t, err, ErrNoSnapshot)

	require.NoError(t, p.Publish(ctx, sampleData("v1", jan)))
	require.NoError(t, p.Publish(ctx, sampleData("v2", jan.AddDate(0, 1, 0))))
	assert.ErrorIs(t, p.Publish(ctx, sampleData("v1", jan)), ErrDuplicateVersion)

	_, err = p.Snapshot(ctx, jan.Add(-time.Second))
	assert.ErrorIs(t, err, ErrNoSnapshot)

	snap, err := p.Snapshot(ctx, jan.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, "v1", snap.Version)
	assert.True(t, snap.Sanctions.Contains("0xbad"))

	snap, err = p.Snapshot(ctx, jan.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, "v2", snap.Version)

	cached, err := p.Snapshot(ctx, jan.AddDate(0, 2, 0))
	require.NoError(t, err)
	assert.Same(t, snap, cached)
}

func TestRedisProvider_Seed(t *testing.T) {
	client := testutil.NewRedisClient(t)
	p := NewRedisProvider(client, "test:seed")
	ctx := context.Background()

	ds := []*Data{sampleData("v1", jan), sampleData("v2", jan.AddDate(0, 1, 0))}
	n, err := p.Seed(ctx, ds)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = p.Seed(ctx, ds)
	require.NoError(t, err)
	assert.Zero(t, n, "existing versions are skipped")
}
