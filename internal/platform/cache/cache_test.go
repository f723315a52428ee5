package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestVersionedFetchUsesCacheUntilBump(t *testing.T) {
	client, _ := newClient(t)
	c := NewVersioned(client, time.Minute)
	ctx := context.Background()

	calls := 0
	loader := func(context.Context) (any, error) {
		calls++
		return map[string]int{"calls": calls}, nil
	}

	key, err := c.BuildKey(ctx, "tenant-a", "aging", "2024-05-01")
	require.NoError(t, err)
	var out map[string]int
	require.NoError(t, c.FetchJSON(ctx, key, &out, loader))
	require.NoError(t, c.FetchJSON(ctx, key, &out, loader))
	require.Equal(t, 1, calls)
	require.Equal(t, 1, out["calls"])

	require.NoError(t, c.Bump(ctx, "tenant-a"))
	bumped, err := c.BuildKey(ctx, "tenant-a", "aging", "2024-05-01")
	require.NoError(t, err)
	require.NotEqual(t, key, bumped)
	require.NoError(t, c.FetchJSON(ctx, bumped, &out, loader))
	require.Equal(t, 2, calls)
}

func TestVersionedScopesAreIndependent(t *testing.T) {
	client, _ := newClient(t)
	c := NewVersioned(client, time.Minute)
	ctx := context.Background()

	before, err := c.BuildKey(ctx, "tenant-b", "x")
	require.NoError(t, err)
	require.NoError(t, c.Bump(ctx, "tenant-a"))
	after, err := c.BuildKey(ctx, "tenant-b", "x")
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestVersionedNilClientCallsLoader(t *testing.T) {
	c := NewVersioned(nil, time.Minute)
	ctx := context.Background()
	key, err := c.BuildKey(ctx, "t", "k")
	require.NoError(t, err)
	require.Equal(t, "t:k", key)
	var out []string
	require.NoError(t, c.FetchJSON(ctx, key, &out, func(context.Context) (any, error) {
		return []string{"ok"}, nil
	}))
	require.Equal(t, []string{"ok"}, out)
	require.NoError(t, c.Bump(ctx, "t"))
}

func TestVersionedLoaderErrorNotCached(t *testing.T) {
	client, mr := newClient(t)
	c := NewVersioned(client, time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")
	var out any
	err := c.FetchJSON(ctx, "k", &out, func(context.Context) (any, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	require.False(t, mr.Exists("k"))
}

func TestLockerExclusive(t *testing.T) {
	client, _ := newClient(t)
	locker := NewLocker(client)
	ctx := context.Background()

	lock, err := locker.Obtain(ctx, "ledger:backfill:t:contracts:lock", time.Minute)
	require.NoError(t, err)

	_, err = locker.Obtain(ctx, "ledger:backfill:t:contracts:lock", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, lock.Release(ctx))
	again, err := locker.Obtain(ctx, "ledger:backfill:t:contracts:lock", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
	require.NoError(t, again.Release(ctx))
}
