package jobstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/muco1999/xray-agent/internal/jobstore"
	"github.com/muco1999/xray-agent/internal/statestore"
)

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	ss, err := statestore.New(statestore.Options{URL: "redis://" + mr.Addr() + "/0"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return jobstore.New(ss, 60*time.Second, 90*time.Second)
}

func TestEnqueueAndDequeueRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, jobstore.KindAddClient, map[string]string{"email": "42"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateQueued, doc.State)

	env, err := s.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, env)
	require.Equal(t, id, env.ID)
	require.Equal(t, jobstore.KindAddClient, env.Kind)
}

func TestDequeueTimesOutWithNoError(t *testing.T) {
	s := newTestStore(t)
	env, err := s.Dequeue(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, env)
}

func TestEnqueueIssueDedupesRepeatedRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, deduped1, err := s.EnqueueIssue(ctx, "42", "vless-in", map[string]string{"a": "1"})
	require.NoError(t, err)
	require.False(t, deduped1)
	require.NotEmpty(t, id1)

	id2, deduped2, err := s.EnqueueIssue(ctx, "42", "vless-in", map[string]string{"a": "2"})
	require.NoError(t, err)
	require.True(t, deduped2, "second enqueue for the same (telegram_id, inbound_tag) should be deduped")
	require.Equal(t, id1, id2)
}

func TestInvalidateIssueIdempotencyAllowsReissue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, _, err := s.EnqueueIssue(ctx, "42", "vless-in", map[string]string{})
	require.NoError(t, err)

	require.NoError(t, s.InvalidateIssueIdempotency(ctx, "42", "vless-in"))

	id2, deduped, err := s.EnqueueIssue(ctx, "42", "vless-in", map[string]string{})
	require.NoError(t, err)
	require.False(t, deduped)
	require.NotEqual(t, id1, id2)
}

func TestSetRunningDoneError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, jobstore.KindRemoveClient, map[string]string{})
	require.NoError(t, err)

	require.NoError(t, s.SetRunning(ctx, id))
	doc, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateRunning, doc.State)

	require.NoError(t, s.SetDone(ctx, id, map[string]string{"ok": "true"}))
	doc, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateDone, doc.State)
	require.JSONEq(t, `{"ok":"true"}`, string(doc.Result))

	require.NoError(t, s.SetError(ctx, id, "UPSTREAM_ERROR", "boom", "stacktrace", true))
	doc, err = s.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateError, doc.State)
	require.Equal(t, "UPSTREAM_ERROR", doc.Error.Type)
	require.Equal(t, "stacktrace", doc.Error.Trace)
}

func TestSetErrorOmitsTraceWhenNotDebug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Enqueue(ctx, jobstore.KindRemoveClient, map[string]string{})
	require.NoError(t, err)

	require.NoError(t, s.SetError(ctx, id, "INTERNAL", "boom", "stacktrace", false))
	doc, err := s.Get(ctx, id)
	require.NoError(t, err)
	require.Empty(t, doc.Error.Trace)
}

func TestGetReturnsNotFoundDocument(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Get(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.Equal(t, jobstore.StateNotFound, doc.State)
}

func TestQueueDepth(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	depth, err := s.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)

	_, err = s.Enqueue(ctx, jobstore.KindAddClient, map[string]string{})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, jobstore.KindAddClient, map[string]string{})
	require.NoError(t, err)

	depth, err = s.QueueDepth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)
}
