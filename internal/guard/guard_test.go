package guard_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/muco1999/xray-agent/internal/config"
	"github.com/muco1999/xray-agent/internal/guard"
	"github.com/muco1999/xray-agent/internal/logparser"
	"github.com/muco1999/xray-agent/internal/statestore"
)

func newTestStateStore(t *testing.T) *statestore.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	ss, err := statestore.New(statestore.Options{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return ss
}

func writeAccessLog(t *testing.T, lines []string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "access-*.log")
	require.NoError(t, err)
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	return f.Name()
}

func accessLine(offset time.Duration, ip, email string) string {
	ts := time.Now().Add(-offset).UTC().Format("2006/01/02 15:04:05")
	return fmt.Sprintf("%s from %s:12345 accepted tcp:example.com:443 [vless-in -> direct] email: %s", ts, ip, email)
}

func newParser(t *testing.T, lines []string, devicesLimit int) *logparser.Parser {
	t.Helper()
	path := writeAccessLog(t, lines)
	return logparser.New(logparser.Config{
		AccessLogPath:   path,
		InboundTag:      "vless-in",
		WindowSec:       600,
		OnlineWindowSec: 600,
		IPActiveTTLSec:  600,
		DevicesLimit:    devicesLimit,
		CacheTTL:        time.Millisecond,
	})
}

type callRecorder struct {
	mu      sync.Mutex
	removed []string
	actions []guard.Action
}

func (c *callRecorder) removeUser(ctx context.Context, email, tag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = append(c.removed, email+"@"+tag)
	return nil
}

func (c *callRecorder) notify(ctx context.Context, action guard.Action, tag, email string, details map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.actions = append(c.actions, action)
}

func (c *callRecorder) snapshotActions() []guard.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]guard.Action, len(c.actions))
	copy(out, c.actions)
	return out
}

func (c *callRecorder) snapshotRemoved() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.removed))
	copy(out, c.removed)
	return out
}

func TestGuardWarnsThenBansAPersistentViolator(t *testing.T) {
	ss := newTestStateStore(t)
	lines := []string{
		accessLine(2*time.Second, "10.0.0.1", "violator@test"),
		accessLine(2*time.Second, "10.0.0.2", "violator@test"),
	}
	parser := newParser(t, lines, 1)

	rec := &callRecorder{}
	cfg := config.GuardConfig{
		IntervalSec:        1,
		BanGraceSec:        0,
		WarnCooldownSec:    300,
		DisableCooldownSec: 300,
		ActiveSeenSec:      600,
	}
	loop := guard.New(ss, parser, cfg, "vless-in", rec.removeUser, nil, nil, rec.notify, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2300*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	require.Equal(t, []string{"violator@vless-in"}, rec.snapshotRemoved())
	actions := rec.snapshotActions()
	require.GreaterOrEqual(t, len(actions), 2)
	require.Equal(t, guard.ActionWarn, actions[0])
	require.Contains(t, actions, guard.ActionBan)
}

func TestGuardDoesNotActOnClientsWithinLimit(t *testing.T) {
	ss := newTestStateStore(t)
	lines := []string{
		accessLine(2*time.Second, "10.0.0.1", "ok@test"),
	}
	parser := newParser(t, lines, 1)

	rec := &callRecorder{}
	cfg := config.GuardConfig{
		IntervalSec:        1,
		BanGraceSec:        0,
		WarnCooldownSec:    300,
		DisableCooldownSec: 300,
		ActiveSeenSec:      600,
	}
	loop := guard.New(ss, parser, cfg, "vless-in", rec.removeUser, nil, nil, rec.notify, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel()
	loop.Run(ctx)

	require.Empty(t, rec.snapshotRemoved())
	require.Empty(t, rec.snapshotActions())
}

func TestGuardSendsThanksOnceViolationStops(t *testing.T) {
	ss := newTestStateStore(t)

	violatingParser := newParser(t, []string{
		accessLine(2*time.Second, "10.0.0.1", "formerly-bad@test"),
		accessLine(2*time.Second, "10.0.0.2", "formerly-bad@test"),
	}, 1)

	rec := &callRecorder{}
	cfg := config.GuardConfig{
		IntervalSec:        1,
		BanGraceSec:        600, // large grace: this phase only ever warns
		WarnCooldownSec:    300,
		DisableCooldownSec: 300,
		ActiveSeenSec:      600,
	}
	loop := guard.New(ss, violatingParser, cfg, "vless-in", rec.removeUser, nil, nil, rec.notify, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	loop.Run(ctx)
	cancel()

	require.Contains(t, rec.snapshotActions(), guard.ActionWarn)
	require.Empty(t, rec.snapshotRemoved())

	recoveredParser := newParser(t, []string{
		accessLine(2*time.Second, "10.0.0.1", "formerly-bad@test"),
	}, 1)
	loop2 := guard.New(ss, recoveredParser, cfg, "vless-in", rec.removeUser, nil, nil, rec.notify, nil, nil)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 1300*time.Millisecond)
	defer cancel2()
	loop2.Run(ctx2)

	require.Contains(t, rec.snapshotActions(), guard.ActionThanks)
}
