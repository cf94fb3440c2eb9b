package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/muco1999/xray-agent/internal/ratelimit"
	"github.com/muco1999/xray-agent/internal/statestore"
)

func newTestLimiter(t *testing.T) *ratelimit.Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	ss, err := statestore.New(statestore.Options{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return ratelimit.New(ss)
}

func TestAllowGrantsWithinBurst(t *testing.T) {
	l := newTestLimiter(t).WithRules(map[string]ratelimit.Rule{
		"test": {Name: "test", Rate: 1, Burst: 3},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "test", "fp", "1.2.3.4")
		require.NoError(t, err)
		require.True(t, res.Allowed, "request %d should be allowed within burst", i)
	}

	res, err := l.Allow(ctx, "test", "fp", "1.2.3.4")
	require.NoError(t, err)
	require.False(t, res.Allowed, "fourth immediate request should exceed burst")
	require.Greater(t, res.RetryAfterMs, int64(0))
}

func TestAllowIsolatesByFingerprintAndIP(t *testing.T) {
	l := newTestLimiter(t).WithRules(map[string]ratelimit.Rule{
		"test": {Name: "test", Rate: 1, Burst: 1},
	})
	ctx := context.Background()

	res1, err := l.Allow(ctx, "test", "fp-a", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res1.Allowed)

	res2, err := l.Allow(ctx, "test", "fp-b", "1.2.3.4")
	require.NoError(t, err)
	require.True(t, res2.Allowed, "a different fingerprint has its own bucket")
}

func TestTokenFingerprintIsStableAndNonReversible(t *testing.T) {
	a := ratelimit.TokenFingerprint("secret-token")
	b := ratelimit.TokenFingerprint("secret-token")
	require.Equal(t, a, b)
	require.NotContains(t, a, "secret-token")
	require.Equal(t, "anon", ratelimit.TokenFingerprint(""))
}

func TestResolveGroup(t *testing.T) {
	cases := map[string]string{
		"/health/full":             ratelimit.GroupHealth,
		"/inbounds/tag/users/count": ratelimit.GroupCount,
		"/inbounds/tag/emails":     ratelimit.GroupEmails,
		"/clients/issue":           ratelimit.GroupMutate,
		"/clients/foo@bar":         ratelimit.GroupMutate,
		"/xray/restore":            ratelimit.GroupMutate,
		"/xray/add_user":           ratelimit.GroupMutate,
		"/xray/status":             ratelimit.GroupStatus,
	}
	for path, want := range cases {
		require.Equal(t, want, ratelimit.ResolveGroup(path), path)
	}
}
