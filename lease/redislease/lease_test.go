package redislease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestAcquireExcludesOtherOwners(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	a := New(rdb, time.Minute)
	b := New(rdb, time.Minute)

	ok, err := a.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, ok, "second owner must not acquire a held lease")

	// Re-acquire by the holder succeeds.
	ok, err = a.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestReleaseOnlyByOwner(t *testing.T) {
	_, rdb := setup(t)
	ctx := context.Background()
	a := New(rdb, time.Minute)
	b := New(rdb, time.Minute)

	ok, err := a.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release is a no-op.
	require.NoError(t, b.Release(ctx, "run-1"))
	ok, err = b.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, a.Release(ctx, "run-1"))
	ok, err = b.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRefreshAfterExpiryFails(t *testing.T) {
	mr, rdb := setup(t)
	ctx := context.Background()
	a := New(rdb, time.Second)
	b := New(rdb, time.Second)

	ok, err := a.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = b.Acquire(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok, "expired lease is up for grabs")

	ok, err = a.Refresh(ctx, "run-1")
	require.NoError(t, err)
	require.False(t, ok, "previous owner must notice the takeover")
}
