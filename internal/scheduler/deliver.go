package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// Delivery reports what Deliver did.
type Delivery struct {
	ActionID string `json:"action_id,omitempty"`

	// Missing is true when the action no longer exists; nothing else
	// happened.
	Missing bool `json:"missing,omitempty"`

	// Deleted is true when this run exhausted the action's maxrun.
	Deleted bool `json:"deleted,omitempty"`

	// Rearmed is the action's next task, for cron actions.
	Rearmed *ir.TaskHandle `json:"rearmed,omitempty"`

	// Recipients are the persons a message was published for.
	Recipients []ir.ResourceID `json:"recipients"`
}

// Deliver handles a task coming due.
//
// An engagement payload (no action id) publishes an "engage" message
// from the person. An action payload loads the action, counts down
// maxrun (deleting the action at zero), re-arms cron actions and
// publishes one "internal" message per recipient carrying the action.
// Recipients are the payload target, else the members of a group parent,
// else a person parent.
func (s *Scheduler) Deliver(ctx context.Context, payload ir.TaskPayload) (Delivery, error) {
	if payload.ActionID == "" {
		return s.deliverEngage(ctx, payload)
	}
	if payload.Policy != "" {
		return s.deliverPolicyAction(ctx, payload)
	}

	d := Delivery{ActionID: payload.ActionID, Recipients: []ir.ResourceID{}}
	a, ok, err := s.docs.GetAction(ctx, payload.Parent, payload.ActionID)
	if err != nil {
		return d, fmt.Errorf("load action %s/%s: %w", payload.Parent, payload.ActionID, err)
	}
	if !ok {
		s.logger.Info("scheduled action no longer exists", "action_id", payload.ActionID, "resource", payload.Parent.String())
		d.Missing = true
		return d, nil
	}

	if a.MaxRun != nil {
		remaining := *a.MaxRun - 1
		a.MaxRun = &remaining
		if remaining <= 0 {
			if err := s.docs.DeleteAction(ctx, payload.Parent, a.ID); err != nil && !errors.Is(err, ports.ErrNotFound) {
				return d, fmt.Errorf("delete exhausted action %s: %w", a.ID, err)
			}
			d.Deleted = true
			s.logger.Info("action exhausted", "action_id", a.ID, "resource", payload.Parent.String())
		} else if err := s.docs.UpdateAction(ctx, a.Origin, a.ID, map[string]any{"maxrun": remaining}); err != nil {
			return d, fmt.Errorf("count down action %s: %w", a.ID, err)
		}
	}

	if a.IsScheduled() && !d.Deleted {
		handle, err := s.ArmAction(ctx, payload.Parent, a, 0, payload.Target)
		if err != nil {
			return d, fmt.Errorf("re-arm action %s: %w", a.ID, err)
		}
		d.Rearmed = &handle
		a.TaskID = handle.ID
		if err := s.docs.UpdateAction(ctx, a.Origin, a.ID, map[string]any{"task_id": handle.ID}); err != nil {
			return d, fmt.Errorf("record task on action %s: %w", a.ID, err)
		}
	}

	snapshot, err := a.Map()
	if err != nil {
		return d, err
	}
	recipients, err := s.recipients(ctx, payload)
	if err != nil {
		return d, err
	}
	content := map[string]any{
		"action":    snapshot,
		"action_id": a.ID,
		"parent_id": payload.Parent.Map(),
	}
	for _, r := range recipients {
		if err := s.publish(ctx, r, ir.StatusInternal, content); err != nil {
			return d, err
		}
		d.Recipients = append(d.Recipients, r)
	}
	return d, nil
}

func (s *Scheduler) deliverEngage(ctx context.Context, payload ir.TaskPayload) (Delivery, error) {
	d := Delivery{Recipients: []ir.ResourceID{}}
	if payload.Parent.Type != ir.TypePerson {
		s.logger.Warn("engagement task for non-person", "resource", payload.Parent.String())
		return d, nil
	}
	if err := s.publish(ctx, payload.Parent, ir.StatusEngage, map[string]any{}); err != nil {
		return d, err
	}
	d.Recipients = append(d.Recipients, payload.Parent)
	return d, nil
}

func (s *Scheduler) deliverPolicyAction(ctx context.Context, payload ir.TaskPayload) (Delivery, error) {
	d := Delivery{ActionID: payload.ActionID, Recipients: []ir.ResourceID{}}
	p, ok, err := s.docs.GetPolicy(ctx, payload.Policy)
	if err != nil {
		return d, fmt.Errorf("load policy %s: %w", payload.Policy, err)
	}
	if !ok || !slices.ContainsFunc(p.Actions, func(a ir.Action) bool { return a.ID == payload.ActionID }) {
		s.logger.Info("scheduled policy action no longer exists", "action_id", payload.ActionID, "policy", payload.Policy)
		d.Missing = true
		return d, nil
	}
	recipients, err := s.recipients(ctx, payload)
	if err != nil {
		return d, err
	}
	content := map[string]any{
		"action_id": payload.ActionID,
		"policy":    payload.Policy,
		"parent_id": payload.Parent.Map(),
	}
	for _, r := range recipients {
		if err := s.publish(ctx, r, ir.StatusInternal, content); err != nil {
			return d, err
		}
		d.Recipients = append(d.Recipients, r)
	}
	return d, nil
}

func (s *Scheduler) recipients(ctx context.Context, payload ir.TaskPayload) ([]ir.ResourceID, error) {
	var ids []ir.ResourceID
	switch {
	case payload.Target != nil:
		ids = []ir.ResourceID{*payload.Target}
	case payload.Parent.Type == ir.TypeGroup:
		children, err := s.docs.Children(ctx, payload.Parent)
		if err != nil {
			return nil, fmt.Errorf("members of %s: %w", payload.Parent, err)
		}
		ids = children
	default:
		ids = []ir.ResourceID{payload.Parent}
	}
	return slices.DeleteFunc(ids, func(id ir.ResourceID) bool {
		return id.Type != ir.TypePerson
	}), nil
}

func (s *Scheduler) publish(ctx context.Context, sender ir.ResourceID, status string, content any) error {
	if s.pub == nil {
		return fmt.Errorf("deliver to %s: no publisher configured", sender)
	}
	msg := ir.Message{
		Time:        s.clock.Now(),
		Sender:      &sender,
		Status:      status,
		Tags:        []string{ir.TagSourceSchedule},
		ContentType: "application/json",
		Content:     content,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message for %s: %w", sender, err)
	}
	if err := s.pub.Publish(ctx, s.topic, data); err != nil {
		return fmt.Errorf("publish to %s for %s: %w", s.topic, sender, err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
