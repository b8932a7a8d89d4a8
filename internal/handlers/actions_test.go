package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
)

func TestCreateAction_DelayedIsArmed(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, TypeCreateAction, map[string]any{
		"parent_id":   ann.Map(),
		"action_type": TypeMessage,
		"delay_secs":  float64(3600),
		"content":     "Did you take your evening dose?",
		"action": map[string]any{
			"id":        "template",
			"type":      TypeCreateAction,
			"condition": `{{ message.content == "remind me" }}`,
			"params": map[string]any{
				"receiver":    "$sender",
				"priority":    float64(4),
				"maxrun":      float64(1),
				"action_type": TypeMessage,
				"parent_id":   "$sender.id",
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"created_action_id": "new-1"}, res.ContextUpdate)

	require.Len(t, f.sched.armed, 1)
	assert.Equal(t, ann, f.sched.armed[0].Parent)
	assert.Equal(t, time.Hour, f.sched.armed[0].Delay)

	stored, found, err := f.store.GetAction(context.Background(), ann, "new-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TypeMessage, stored.Type)
	assert.Equal(t, 4, stored.Priority)
	require.NotNil(t, stored.MaxRun)
	assert.Equal(t, 1, *stored.MaxRun)
	assert.Empty(t, stored.Condition)
	assert.Equal(t, "task-armed", stored.TaskID)
	assert.Equal(t, map[string]any{
		"receiver": "$sender",
		"content":  "Did you take your evening dose?",
	}, stored.Params)
}

func TestCreateAction_ScheduledFromParams(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, TypeCreateAction, map[string]any{
		"parent_id":   clinic.Map(),
		"action_type": TypeBroadcast,
		"action": map[string]any{
			"params": map[string]any{
				"schedule":  "0 9 * * 1",
				"timezone":  "America/New_York",
				"parent_id": clinic.Map(),
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, f.sched.armed, 1)
	assert.Equal(t, "0 9 * * 1", f.sched.armed[0].Action.Schedule)
	assert.Equal(t, "America/New_York", f.sched.armed[0].Action.Timezone)
	assert.Zero(t, f.sched.armed[0].Delay)
}

func TestCreateAction_ConditionKeepsReactive(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, TypeCreateAction, map[string]any{
		"parent_id":   ann.Map(),
		"action_type": TypeUpdateContext,
		"action": map[string]any{
			"params": map[string]any{"condition": `{{ data.glucose > 250 }}`},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, f.sched.armed)

	actions, err := f.store.ListActions(context.Background(), ann)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, `{{ data.glucose > 250 }}`, actions[0].Condition)
}

func TestCreateAction_NeedsTrigger(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, TypeCreateAction, map[string]any{
		"parent_id":   ann.Map(),
		"action_type": TypeMessage,
		"action":      map[string]any{"params": map[string]any{}},
	})
	require.Error(t, err)

	actions, err := f.store.ListActions(context.Background(), ann)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestRunAction(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, TypeRunAction, map[string]any{
		"policy":    "onboarding",
		"actions":   "welcome, checkin",
		"target_id": ann.Map(),
	})
	require.NoError(t, err)

	assert.Equal(t, []runCall{
		{Policy: "onboarding", ActionID: "welcome", Target: ann, Delay: DefaultRunDelay},
		{Policy: "onboarding", ActionID: "checkin", Target: ann, Delay: DefaultRunDelay},
	}, f.sched.runs)
}

func TestRunAction_MissingParams(t *testing.T) {
	f := newFixture(t)
	_, err := f.run(t, TypeRunAction, map[string]any{"policy": "onboarding", "target_id": ann.Map()})
	require.Error(t, err)
	assert.Empty(t, f.sched.runs)
}

func TestSimplePatternCheck(t *testing.T) {
	ctx := context.Background()
	glucose := func(f *fixture, values ...float64) {
		points := make([]ir.DataPoint, 0, len(values))
		for i, v := range values {
			points = append(points, ir.DataPoint{
				Time:   t0.Add(time.Duration(i-len(values)) * 15 * time.Minute),
				Source: ann,
				Name:   "glucose",
				Number: ir.Float(v),
			})
		}
		require.NoError(t, f.store.AppendPoints(ctx, points))
	}
	params := map[string]any{
		"person_id":     ann.Map(),
		"name":          "glucose",
		"seconds":       float64(14400),
		"max_threshold": float64(30),
	}

	t.Run("rising", func(t *testing.T) {
		f := newFixture(t)
		glucose(f, 110, 125, 140, 155, 170)

		res, err := f.run(t, TypeSimplePatternCheck, params)
		require.NoError(t, err)
		data, ok := res.ContextUpdate["data"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, PatternSlope, data["pattern"])
		assert.InDelta(t, 60, data["slope"].(float64), 1e-6)
	})

	t.Run("flat", func(t *testing.T) {
		f := newFixture(t)
		glucose(f, 120, 121, 119, 120)

		res, err := f.run(t, TypeSimplePatternCheck, params)
		require.NoError(t, err)
		assert.Empty(t, res.ContextUpdate)
	})

	t.Run("too few readings", func(t *testing.T) {
		f := newFixture(t)
		glucose(f, 300)

		res, err := f.run(t, TypeSimplePatternCheck, params)
		require.NoError(t, err)
		assert.Empty(t, res.ContextUpdate)
	})
}
