package taskq

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
	"github.com/roach88/careflow/internal/testutil"
)

var (
	t0  = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	ann = ir.ResourceID{Type: ir.TypePerson, Value: "ann"}
)

func queues(t *testing.T) map[string]Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return map[string]Queue{
		"memory": NewMemory(WithMemoryIDs(testutil.NewSequenceIDs("task").NewID)),
		"redis":  NewRedis(client, WithRedisIDs(testutil.NewSequenceIDs("task").NewID)),
	}
}

func engageTask(at time.Time) ir.Task {
	return ir.Task{
		Owner:   ir.TaskOwner{Resource: ann, Purpose: ir.PurposeEngage},
		FireAt:  at,
		Payload: ir.TaskPayload{Parent: ann, Candidate: "checkin"},
	}
}

func TestQueue_ScheduleAndLookup(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			owner := ir.TaskOwner{Resource: ann, Purpose: ir.PurposeEngage}

			_, ok, err := q.Lookup(ctx, owner)
			require.NoError(t, err)
			assert.False(t, ok)

			first, err := q.Schedule(ctx, engageTask(t0.Add(time.Hour)))
			require.NoError(t, err)
			assert.Equal(t, "task-1", first.ID)

			second, err := q.Schedule(ctx, engageTask(t0.Add(2*time.Hour)))
			require.NoError(t, err)

			got, ok, err := q.Lookup(ctx, owner)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, second.ID, got.ID, "most recently scheduled wins")
			assert.True(t, got.FireAt.Equal(t0.Add(2*time.Hour)))
			assert.Equal(t, "checkin", got.Payload.Candidate)
		})
	}
}

func TestQueue_Cancel(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			h, err := q.Schedule(ctx, engageTask(t0))
			require.NoError(t, err)

			require.NoError(t, q.Cancel(ctx, h.ID))
			assert.ErrorIs(t, q.Cancel(ctx, h.ID), ports.ErrNotFound)

			_, ok, err := q.Lookup(ctx, h.Owner)
			require.NoError(t, err)
			assert.False(t, ok)

			claimed, err := q.Claim(ctx, t0.Add(time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, claimed)
		})
	}
}

func TestQueue_ClaimDueInOrder(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			other := ir.TaskOwner{Resource: ann, Purpose: ir.PurposeActionPrefix + "drip"}

			late, err := q.Schedule(ctx, engageTask(t0.Add(30*time.Minute)))
			require.NoError(t, err)
			early, err := q.Schedule(ctx, ir.Task{Owner: other, FireAt: t0.Add(10 * time.Minute)})
			require.NoError(t, err)
			_, err = q.Schedule(ctx, ir.Task{Owner: other, FireAt: t0.Add(2 * time.Hour)})
			require.NoError(t, err)

			claimed, err := q.Claim(ctx, t0.Add(time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, claimed, 2)
			assert.Equal(t, early.ID, claimed[0].ID)
			assert.Equal(t, late.ID, claimed[1].ID)

			again, err := q.Claim(ctx, t0.Add(time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, again, "claimed tasks are gone")

			_, ok, err := q.Lookup(ctx, late.Owner)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestQueue_ClaimRespectsLimit(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := range 3 {
				_, err := q.Schedule(ctx, engageTask(t0.Add(time.Duration(i)*time.Minute)))
				require.NoError(t, err)
			}

			claimed, err := q.Claim(ctx, t0.Add(time.Hour), 2)
			require.NoError(t, err)
			assert.Len(t, claimed, 2)

			claimed, err = q.Claim(ctx, t0.Add(time.Hour), 2)
			require.NoError(t, err)
			assert.Len(t, claimed, 1)
		})
	}
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	q, err := New(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, q)

	_, err = New(ctx, Config{Backend: "redis"})
	assert.ErrorContains(t, err, "redis_addr")

	mr := miniredis.RunT(t)
	q, err = New(ctx, Config{Backend: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &Redis{}, q)
	q.(*Redis).Close()

	_, err = New(ctx, Config{Backend: "kafka"})
	assert.ErrorContains(t, err, "unknown task backend")
}
