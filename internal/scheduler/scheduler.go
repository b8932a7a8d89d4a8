package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// DefaultHorizon is when an owner with no computable schedule is
// re-checked.
const DefaultHorizon = 24 * time.Hour

// Candidate is one way an owner's next task could be scheduled: a cron
// expression or a fixed delay from now.
type Candidate struct {
	// Name identifies the candidate in the task payload.
	Name string

	Cron     string
	Timezone string

	// Delay is used when Cron is empty.
	Delay time.Duration

	// Payload is carried by the task if this candidate wins.
	Payload ir.TaskPayload
}

func (c Candidate) next(now time.Time) (time.Time, error) {
	switch {
	case c.Cron != "":
		return NextFire(c.Cron, c.Timezone, now)
	case c.Delay > 0:
		return now.Add(c.Delay), nil
	}
	return time.Time{}, fmt.Errorf("candidate %q has neither schedule nor delay", c.Name)
}

// Scheduler computes fire times and keeps each owner's task current.
//
// Thread-safety: Scheduler holds no mutable state and is safe for
// concurrent use. Racing reschedules of one owner are resolved by the
// at-or-before rule.
type Scheduler struct {
	tasks  ports.TaskScheduler
	docs   ports.DocumentStore
	pub    ports.EventPublisher
	topic  string
	clock  ports.Clock
	logger *slog.Logger

	horizon time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock fire times are computed from.
func WithClock(c ports.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithHorizon sets the fallback delay used when no candidate yields a
// fire time.
//
// Default: 24h (DefaultHorizon)
func WithHorizon(d time.Duration) Option {
	return func(s *Scheduler) {
		s.horizon = d
	}
}

// WithPublisher sets where deliveries publish their messages.
func WithPublisher(p ports.EventPublisher, topic string) Option {
	return func(s *Scheduler) {
		s.pub = p
		s.topic = topic
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New creates a Scheduler.
func New(tasks ports.TaskScheduler, docs ports.DocumentStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   tasks,
		docs:    docs,
		topic:   string(ir.ChannelMessage),
		clock:   utcClock{},
		logger:  slog.Default(),
		horizon: DefaultHorizon,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reschedule arms owner's task at the earliest candidate fire time, or at
// now + horizon when no candidate yields one.
//
// If owner already has a live task firing at or before that time, it is
// returned unchanged. Otherwise the existing task is cancelled and a new
// one created.
func (s *Scheduler) Reschedule(ctx context.Context, owner ir.TaskOwner, candidates []Candidate) (ir.TaskHandle, error) {
	now := s.clock.Now()

	fireAt := time.Time{}
	payload := ir.TaskPayload{Parent: owner.Resource}
	for _, c := range candidates {
		next, err := c.next(now)
		if err != nil {
			s.logger.Warn("skipping schedule candidate", "owner", owner.Key(), "candidate", c.Name, "error", err)
			continue
		}
		if fireAt.IsZero() || next.Before(fireAt) {
			fireAt = next
			payload = c.Payload
		}
	}
	if fireAt.IsZero() {
		fireAt = now.Add(s.horizon)
	}

	existing, ok, err := s.tasks.Lookup(ctx, owner)
	if err != nil {
		return ir.TaskHandle{}, fmt.Errorf("lookup task for %s: %w", owner.Key(), err)
	}
	if ok {
		if !existing.FireAt.After(fireAt) {
			s.logger.Debug("task already scheduled", "owner", owner.Key(), "task_id", existing.ID, "fire_at", existing.FireAt)
			return existing, nil
		}
		if err := s.tasks.Cancel(ctx, existing.ID); err != nil {
			s.logger.Warn("cancel superseded task failed", "owner", owner.Key(), "task_id", existing.ID, "error", err)
		}
	}

	handle, err := s.tasks.Schedule(ctx, ir.Task{Owner: owner, FireAt: fireAt, Payload: payload})
	if err != nil {
		return ir.TaskHandle{}, fmt.Errorf("schedule task for %s: %w", owner.Key(), err)
	}
	s.logger.Info("task scheduled", "owner", owner.Key(), "task_id", handle.ID, "fire_at", fireAt)
	return handle, nil
}

// Engage arms the person's engagement task from the system entries of
// its "tasks" map and records the task id on the person as "task_id".
//
// Each entry is {schedule | repeat_secs, system}; the person's
// "timezone" applies to every cron schedule.
func (s *Scheduler) Engage(ctx context.Context, person ir.Document) (ir.TaskHandle, error) {
	id, ok := person.ID()
	if !ok {
		return ir.TaskHandle{}, fmt.Errorf("engage: person document without id")
	}
	tz, _ := person["timezone"].(string)

	var candidates []Candidate
	tasks, _ := person["tasks"].(map[string]any)
	for _, name := range sortedKeys(tasks) {
		task, _ := tasks[name].(map[string]any)
		if system, _ := task["system"].(bool); !system {
			continue
		}
		c := Candidate{
			Name:     name,
			Timezone: tz,
			Payload:  ir.TaskPayload{Parent: id, Candidate: name},
		}
		c.Cron, _ = task["schedule"].(string)
		if secs, ok := ir.ToFloat(task["repeat_secs"]); ok {
			c.Delay = time.Duration(secs * float64(time.Second))
		}
		candidates = append(candidates, c)
	}

	handle, err := s.Reschedule(ctx, ir.TaskOwner{Resource: id, Purpose: ir.PurposeEngage}, candidates)
	if err != nil {
		return ir.TaskHandle{}, err
	}
	if current, _ := person["task_id"].(string); current != handle.ID {
		if err := s.docs.UpdateResource(ctx, id, map[string]any{"task_id": handle.ID}); err != nil {
			return handle, fmt.Errorf("record engagement task on %s: %w", id, err)
		}
	}
	return handle, nil
}

// ArmAction arms the task that fires an action stored in parent's
// collection: at its next cron time, or after delay when it has no
// schedule. target, when set, is the only recipient on delivery.
func (s *Scheduler) ArmAction(ctx context.Context, parent ir.ResourceID, a ir.Action, delay time.Duration, target *ir.ResourceID) (ir.TaskHandle, error) {
	c := Candidate{
		Name:     a.ID,
		Cron:     a.Schedule,
		Timezone: a.Timezone,
		Payload:  ir.TaskPayload{Parent: parent, ActionID: a.ID, Target: target},
	}
	if c.Cron == "" {
		if delay <= 0 {
			return ir.TaskHandle{}, fmt.Errorf("arm action %s: no schedule or delay", a.ID)
		}
		c.Delay = delay
	}
	return s.Reschedule(ctx, ir.ActionOwner(parent, a.ID), []Candidate{c})
}

// RunLater schedules a policy action to run for target after delay.
// Delays under a second are rounded up to one second.
func (s *Scheduler) RunLater(ctx context.Context, policy, actionID string, target ir.ResourceID, delay time.Duration) (ir.TaskHandle, error) {
	delay = max(delay, time.Second)
	owner := ir.TaskOwner{Resource: target, Purpose: ir.PurposeActionPrefix + policy + "/" + actionID}
	return s.Reschedule(ctx, owner, []Candidate{{
		Name:    actionID,
		Delay:   delay,
		Payload: ir.TaskPayload{Parent: target, Policy: policy, ActionID: actionID, Target: &target},
	}})
}
