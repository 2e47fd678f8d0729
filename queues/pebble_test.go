package queues

import (
	"context"
	"testing"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/testutils"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueues(t *testing.T) (*PebbleQueues, *testclock.Clock) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	return NewPebbleQueues(testutils.OpenMemDB(t), PebbleOptions{Clock: clk}), clk
}

func TestPebbleQueue_VisibilityAndDequeueCount(t *testing.T) {
	ctx := context.Background()
	qs, clk := newTestQueues(t)
	q := qs.Queue("work")

	require.NoError(t, q.Send(ctx, []byte("a"), 0))
	require.NoError(t, q.Send(ctx, []byte("b"), 10*time.Second))

	msgs, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", string(msgs[0].Body))
	assert.Equal(t, 1, msgs[0].DequeueCount)

	// hidden now
	msgs2, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, msgs2)

	clk.Advance(11 * time.Second)
	msgs2, err = q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs2, 1)
	assert.Equal(t, "b", string(msgs2[0].Body))

	clk.Advance(2 * time.Minute)
	again, err := q.Receive(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 2)
	for _, m := range again {
		assert.Equal(t, 2, m.DequeueCount)
	}

	// the first receipt is stale after redelivery
	err = q.Delete(ctx, msgs[0])
	assert.ErrorIs(t, err, insights_errors.ErrNotFound)

	for _, m := range again {
		require.NoError(t, q.Delete(ctx, m))
	}
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPebbleQueue_UpdateVisibility(t *testing.T) {
	ctx := context.Background()
	qs, clk := newTestQueues(t)
	q := qs.Queue("expand")
	require.NoError(t, q.Send(ctx, []byte("x"), 0))

	msgs, err := q.Receive(ctx, 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, q.UpdateVisibility(ctx, msgs[0], 5*time.Second))

	clk.Advance(6 * time.Second)
	again, err := q.Receive(ctx, 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, msgs[0].ID, again[0].ID)
	assert.Equal(t, 2, again[0].DequeueCount)
}

func TestPebbleQueue_SeparateQueuesAndLimits(t *testing.T) {
	ctx := context.Background()
	qs, _ := newTestQueues(t)
	require.NoError(t, qs.Queue("work").Send(ctx, []byte("w"), 0))
	require.NoError(t, qs.Queue("work-poison").Send(ctx, []byte("p"), 0))

	n, err := qs.Queue("work").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = qs.Queue("work").Send(ctx, make([]byte, MaxMessageSize+1), 0)
	assert.ErrorIs(t, err, insights_errors.ErrTooLarge)

	require.NoError(t, qs.Queue("work").Clear(ctx))
	n, err = qs.Queue("work-poison").Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMessageDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), MessageDelay(-3))
	assert.Equal(t, time.Duration(0), MessageDelay(0))
	assert.Equal(t, 7*time.Second, MessageDelay(7))
	assert.Equal(t, 60*time.Second, MessageDelay(60))
	assert.Equal(t, 60*time.Second, MessageDelay(1000))
}
