package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

func intPtr(n int) *int { return &n }

func TestPolicies_RoundTripKeepsOrderAndOrigin(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	p := ir.Policy{ID: "diabetes", Actions: []ir.Action{
		{ID: "z-check", Type: "SimplePatternCheck", Priority: 10},
		{ID: "a-alert", Type: "Message", Priority: 5, Condition: `{{ data.pattern == "slope" }}`},
	}}
	require.NoError(t, s.PutPolicy(ctx, p))

	got, ok, err := s.GetPolicy(ctx, "diabetes")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, got.Actions, 2)
	assert.Equal(t, "z-check", got.Actions[0].ID)
	assert.Equal(t, "a-alert", got.Actions[1].ID)
	assert.Equal(t, ir.ActionRef{Policy: "diabetes"}, got.Actions[1].Origin)
	assert.Equal(t, `{{ data.pattern == "slope" }}`, got.Actions[1].Condition)

	_, ok, err = s.GetPolicy(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestActions_Collection(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAction(ctx, ann, ir.Action{ID: "second", Type: "Message"}))
	require.NoError(t, s.PutAction(ctx, ann, ir.Action{ID: "first", Type: "Message", MaxRun: intPtr(2)}))
	require.NoError(t, s.PutAction(ctx, ann, ir.Action{ID: "second", Type: "Message", Priority: 3}))

	list, err := s.ListActions(ctx, ann)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].ID, "replacing keeps position")
	assert.Equal(t, 3, list[0].Priority)
	assert.Equal(t, ir.ActionRef{Parent: ann}, list[0].Origin)

	a, ok, err := s.GetAction(ctx, ann, "first")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, a.MaxRun)
	assert.Equal(t, 2, *a.MaxRun)

	require.NoError(t, s.DeleteAction(ctx, ann, "first"))
	require.NoError(t, s.DeleteAction(ctx, ann, "first"), "deleting twice is a no-op")
	_, ok, err = s.GetAction(ctx, ann, "first")
	require.NoError(t, err)
	assert.False(t, ok)

	empty, err := s.ListActions(ctx, bob)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestUpdateAction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutAction(ctx, ann, ir.Action{ID: "sync", Type: "DataProvider", Params: map[string]any{"provider": "fit"}}))
	require.NoError(t, s.PutPolicy(ctx, ir.Policy{ID: "p", Actions: []ir.Action{{ID: "oauth", Type: "OAuth"}}}))

	t.Run("own collection", func(t *testing.T) {
		err := s.UpdateAction(ctx, ir.ActionRef{Parent: ann}, "sync", map[string]any{
			"last_sync": "2024-05-01T00:00:00Z",
			"task_id":   "task-9",
		})
		require.NoError(t, err)

		a, _, err := s.GetAction(ctx, ann, "sync")
		require.NoError(t, err)
		assert.Equal(t, "task-9", a.TaskID)
		assert.Equal(t, "fit", a.Params["provider"])
	})

	t.Run("policy action", func(t *testing.T) {
		require.NoError(t, s.UpdateAction(ctx, ir.ActionRef{Policy: "p"}, "oauth", map[string]any{"priority": 7}))

		p, _, err := s.GetPolicy(ctx, "p")
		require.NoError(t, err)
		assert.Equal(t, 7, p.Actions[0].Priority)
	})

	t.Run("missing", func(t *testing.T) {
		assert.ErrorIs(t, s.UpdateAction(ctx, ir.ActionRef{Parent: bob}, "sync", nil), ports.ErrNotFound)
		assert.ErrorIs(t, s.UpdateAction(ctx, ir.ActionRef{Policy: "p"}, "nope", nil), ports.ErrNotFound)
		assert.ErrorIs(t, s.UpdateAction(ctx, ir.ActionRef{Policy: "nope"}, "oauth", nil), ports.ErrNotFound)
	})
}
