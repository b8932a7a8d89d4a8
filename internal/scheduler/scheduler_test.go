package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/store"
	"github.com/roach88/careflow/internal/taskq"
	"github.com/roach88/careflow/internal/testutil"
)

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	ann    = ir.ResourceID{Type: ir.TypePerson, Value: "ann"}
	bob    = ir.ResourceID{Type: ir.TypePerson, Value: "bob"}
	clinic = ir.ResourceID{Type: ir.TypeGroup, Value: "clinic"}
	ward   = ir.ResourceID{Type: ir.TypeGroup, Value: "ward"}
)

type fixture struct {
	sched *Scheduler
	store *store.Store
	tasks *taskq.Memory
	pub   *publish.Memory
	clock *testutil.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		tasks: taskq.NewMemory(taskq.WithMemoryIDs(testutil.NewSequenceIDs("task").NewID)),
		pub:   publish.NewMemory(),
		clock: testutil.NewFixedClock(t0),
	}
	f.sched = New(f.tasks, s, WithClock(f.clock), WithPublisher(f.pub, "message"))
	return f
}

func (f *fixture) messages(t *testing.T) []ir.Message {
	t.Helper()
	var out []ir.Message
	for _, m := range f.pub.Published("message") {
		var msg ir.Message
		require.NoError(t, json.Unmarshal(m.Payload, &msg))
		out = append(out, msg)
	}
	return out
}

func TestNextFire(t *testing.T) {
	tests := []struct {
		name string
		expr string
		tz   string
		want time.Time
	}{
		{"utc daily", "0 9 * * *", "", t0.Add(24 * time.Hour)},
		{"utc hourly", "30 * * * *", "", t0.Add(30 * time.Minute)},
		{"new york morning", "0 9 * * *", "America/New_York", time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextFire(tt.expr, tt.tz, t0)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}

	_, err := NextFire("not a cron", "", t0)
	assert.Error(t, err)
	_, err = NextFire("0 9 * * *", "Mars/Olympus", t0)
	assert.Error(t, err)
	assert.NoError(t, ValidateSchedule("*/5 * * * *", "Europe/Paris"))
}

func TestReschedule_EarliestCandidateWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := ir.TaskOwner{Resource: ann, Purpose: ir.PurposeEngage}

	h, err := f.sched.Reschedule(ctx, owner, []Candidate{
		{Name: "daily", Cron: "0 9 * * *", Payload: ir.TaskPayload{Parent: ann, Candidate: "daily"}},
		{Name: "soon", Delay: 15 * time.Minute, Payload: ir.TaskPayload{Parent: ann, Candidate: "soon"}},
		{Name: "broken", Cron: "nope"},
	})
	require.NoError(t, err)
	assert.True(t, h.FireAt.Equal(t0.Add(15*time.Minute)))
	assert.Equal(t, "soon", h.Payload.Candidate)
}

func TestReschedule_FallsBackToHorizon(t *testing.T) {
	f := newFixture(t)
	owner := ir.TaskOwner{Resource: ann, Purpose: ir.PurposeEngage}

	h, err := f.sched.Reschedule(context.Background(), owner, nil)
	require.NoError(t, err)
	assert.True(t, h.FireAt.Equal(t0.Add(DefaultHorizon)))
	assert.Equal(t, ann, h.Payload.Parent)
}

func TestReschedule_KeepsEarlierTaskAndReplacesLater(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := ir.TaskOwner{Resource: ann, Purpose: ir.PurposeEngage}

	first, err := f.sched.Reschedule(ctx, owner, []Candidate{{Name: "a", Delay: time.Hour}})
	require.NoError(t, err)

	same, err := f.sched.Reschedule(ctx, owner, []Candidate{{Name: "b", Delay: 2 * time.Hour}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID, "existing task fires earlier")

	same, err = f.sched.Reschedule(ctx, owner, []Candidate{{Name: "c", Delay: time.Hour}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, same.ID, "existing task fires at the same time")

	earlier, err := f.sched.Reschedule(ctx, owner, []Candidate{{Name: "d", Delay: 10 * time.Minute}})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, earlier.ID)

	pending := f.tasks.Pending()
	require.Len(t, pending, 1, "superseded task is cancelled")
	assert.Equal(t, earlier.ID, pending[0].ID)
}

func TestEngage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutResource(ctx, ann, ir.Document{
		"timezone": "America/New_York",
		"tasks": map[string]any{
			"checkin": map[string]any{"schedule": "0 9 * * *", "system": true},
			"nag":     map[string]any{"repeat_secs": 7200, "system": true},
			"private": map[string]any{"schedule": "* * * * *"},
		},
	}))
	person, _, err := f.store.GetResource(ctx, ann)
	require.NoError(t, err)

	h, err := f.sched.Engage(ctx, person)
	require.NoError(t, err)
	assert.True(t, h.FireAt.Equal(t0.Add(2*time.Hour)), "repeat beats the 09:00 New York cron")
	assert.Equal(t, "nag", h.Payload.Candidate)
	assert.Equal(t, ir.TaskOwner{Resource: ann, Purpose: ir.PurposeEngage}, h.Owner)

	stored, _, err := f.store.GetResource(ctx, ann)
	require.NoError(t, err)
	assert.Equal(t, h.ID, stored["task_id"])

	again, err := f.sched.Engage(ctx, stored)
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID)
	assert.Len(t, f.tasks.Pending(), 1)
}

func TestDeliver_MaxRunCountdownAndFanOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, child := range []ir.ResourceID{ann, bob, ward} {
		require.NoError(t, f.store.AddChild(ctx, clinic, child))
	}
	two := 2
	require.NoError(t, f.store.PutAction(ctx, clinic, ir.Action{
		ID: "survey", Type: "Message", MaxRun: &two, Params: map[string]any{"content": "How are you?"},
	}))
	payload := ir.TaskPayload{Parent: clinic, ActionID: "survey"}

	d, err := f.sched.Deliver(ctx, payload)
	require.NoError(t, err)
	assert.False(t, d.Deleted)
	assert.Equal(t, []ir.ResourceID{ann, bob}, d.Recipients)

	a, ok, err := f.store.GetAction(ctx, clinic, "survey")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, *a.MaxRun)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, ir.StatusInternal, msgs[0].Status)
	assert.Equal(t, ann, *msgs[0].Sender)
	assert.Equal(t, []string{ir.TagSourceSchedule}, msgs[0].Tags)
	content := msgs[0].Content.(map[string]any)
	assert.Equal(t, "survey", content["action_id"])
	assert.Equal(t, "survey", content["action"].(map[string]any)["id"])

	d, err = f.sched.Deliver(ctx, payload)
	require.NoError(t, err)
	assert.True(t, d.Deleted)
	assert.Len(t, d.Recipients, 2, "the final run still delivers")
	_, ok, err = f.store.GetAction(ctx, clinic, "survey")
	require.NoError(t, err)
	assert.False(t, ok)

	d, err = f.sched.Deliver(ctx, payload)
	require.NoError(t, err)
	assert.True(t, d.Missing)
	assert.Empty(t, d.Recipients)
	assert.Len(t, f.messages(t), 4)
}

func TestDeliver_RearmsCronAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutAction(ctx, ann, ir.Action{ID: "morning", Type: "Message", Schedule: "0 9 * * *"}))

	d, err := f.sched.Deliver(ctx, ir.TaskPayload{Parent: ann, ActionID: "morning"})
	require.NoError(t, err)
	require.NotNil(t, d.Rearmed)
	assert.True(t, d.Rearmed.FireAt.Equal(t0.Add(24*time.Hour)))
	assert.Equal(t, ir.ActionOwner(ann, "morning"), d.Rearmed.Owner)
	assert.Equal(t, []ir.ResourceID{ann}, d.Recipients)

	a, _, err := f.store.GetAction(ctx, ann, "morning")
	require.NoError(t, err)
	assert.Equal(t, d.Rearmed.ID, a.TaskID)
}

func TestDeliver_ExhaustedCronActionIsNotRearmed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	one := 1
	a := ir.Action{ID: "morning", Type: "Message", Schedule: "0 9 * * *", MaxRun: &one}
	require.NoError(t, f.store.PutAction(ctx, ann, a))
	_, err := f.sched.ArmAction(ctx, ann, a, 0, nil)
	require.NoError(t, err)
	require.Len(t, f.tasks.Pending(), 1)

	claimed, err := f.tasks.Claim(ctx, f.clock.Advance(24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d, err := f.sched.Deliver(ctx, claimed[0].Payload)
	require.NoError(t, err)
	assert.True(t, d.Deleted)
	assert.Nil(t, d.Rearmed)
	assert.Equal(t, []ir.ResourceID{ann}, d.Recipients)
	assert.Len(t, f.messages(t), 1)
	assert.Empty(t, f.tasks.Pending())

	_, ok, err := f.store.GetAction(ctx, ann, "morning")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeliver_TargetOverridesMembers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddChild(ctx, clinic, ann))
	require.NoError(t, f.store.AddChild(ctx, clinic, bob))
	require.NoError(t, f.store.PutAction(ctx, clinic, ir.Action{ID: "once", Type: "Message"}))
	target := bob

	d, err := f.sched.Deliver(ctx, ir.TaskPayload{Parent: clinic, ActionID: "once", Target: &target})
	require.NoError(t, err)
	assert.Equal(t, []ir.ResourceID{bob}, d.Recipients)
}

func TestDeliver_Engagement(t *testing.T) {
	f := newFixture(t)

	d, err := f.sched.Deliver(context.Background(), ir.TaskPayload{Parent: ann, Candidate: "checkin"})
	require.NoError(t, err)
	assert.Equal(t, []ir.ResourceID{ann}, d.Recipients)

	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, ir.StatusEngage, msgs[0].Status)
	assert.Equal(t, ann, *msgs[0].Sender)
}

func TestDeliver_PolicyAction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.PutPolicy(ctx, ir.Policy{ID: "followup", Actions: []ir.Action{{ID: "ask", Type: "Message"}}}))

	h, err := f.sched.RunLater(ctx, "followup", "ask", ann, 0)
	require.NoError(t, err)
	assert.True(t, h.FireAt.Equal(t0.Add(time.Second)))

	d, err := f.sched.Deliver(ctx, h.Payload)
	require.NoError(t, err)
	assert.Equal(t, []ir.ResourceID{ann}, d.Recipients)
	content := f.messages(t)[0].Content.(map[string]any)
	assert.Equal(t, "followup", content["policy"])
	assert.Equal(t, "ask", content["action_id"])

	d, err = f.sched.Deliver(ctx, ir.TaskPayload{Parent: ann, Policy: "followup", ActionID: "gone"})
	require.NoError(t, err)
	assert.True(t, d.Missing)
}

func TestArmAction_RequiresScheduleOrDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sched.ArmAction(ctx, ann, ir.Action{ID: "x"}, 0, nil)
	assert.Error(t, err)

	h, err := f.sched.ArmAction(ctx, ann, ir.Action{ID: "x"}, time.Minute, nil)
	require.NoError(t, err)
	assert.Equal(t, "x", h.Payload.ActionID)
	assert.True(t, h.FireAt.Equal(t0.Add(time.Minute)))
}
