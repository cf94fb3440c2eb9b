package capacity_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/muco1999/xray-agent/internal/capacity"
	"github.com/muco1999/xray-agent/internal/statestore"
)

func newTestLimiter(t *testing.T, limit, ttl int) *capacity.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	ss, err := statestore.New(statestore.Options{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return capacity.New(ss, capacity.Policy{Limit: limit, TTLSec: ttl})
}

func TestReserveUpToLimit(t *testing.T) {
	l := newTestLimiter(t, 2, 60)
	ctx := context.Background()

	ok, cur, err := l.Reserve(ctx, "vless-in")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cur)

	ok, cur, err = l.Reserve(ctx, "vless-in")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, cur)

	ok, _, err = l.Reserve(ctx, "vless-in")
	require.NoError(t, err)
	require.False(t, ok, "third reserve should be denied at limit 2")
}

func TestReleaseFreesASlot(t *testing.T) {
	l := newTestLimiter(t, 1, 60)
	ctx := context.Background()

	ok, _, err := l.Reserve(ctx, "vless-in")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = l.Reserve(ctx, "vless-in")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Release(ctx, "vless-in"))

	ok, cur, err := l.Reserve(ctx, "vless-in")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, cur)
}

func TestReservesAreIsolatedByTag(t *testing.T) {
	l := newTestLimiter(t, 1, 60)
	ctx := context.Background()

	ok, _, err := l.Reserve(ctx, "tag-a")
	require.NoError(t, err)
	require.True(t, ok)

	ok, _, err = l.Reserve(ctx, "tag-b")
	require.NoError(t, err)
	require.True(t, ok, "a different inbound tag has its own counter")
}
