package handlers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

// DefaultRunDelay is RunAction's delay when delay_secs is not given.
const DefaultRunDelay = 10 * time.Second

var (
	// createActionParams configure CreateAction itself and are not copied
	// into the created action.
	createActionParams = []string{"action", "action_type", "parent_id", "delay_secs"}

	// promotedParams move from the created action's params to its top
	// level.
	promotedParams = []string{
		"priority", "condition", "rules", "schedule", "timezone",
		"hold_secs", "maxrun", "content_select",
	}
)

// createAction stores a new action under parent_id.
//
// The new action starts from the "action" param (default: the creating
// action itself) with a fresh id and type action_type. Its condition is
// dropped, configuration params are promoted, and content overrides its
// content. An action with a schedule or delay_secs is armed; otherwise it
// must carry a condition or rules.
func (d *Deps) createAction(ctx context.Context, req engine.Request) (engine.Result, error) {
	parent, ok := resourceParam(req.Params, "parent_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("create action: parent_id is required")
	}
	actionType := stringParam(req.Params, "action_type")
	if actionType == "" {
		return engine.Result{}, fmt.Errorf("create action: action_type is required")
	}

	base, _ := req.Params["action"].(map[string]any)
	if base == nil {
		m, err := req.Action.Map()
		if err != nil {
			return engine.Result{}, fmt.Errorf("create action: %w", err)
		}
		base = m
	}
	doc, _ := ir.DeepCopy(base).(map[string]any)
	for _, k := range []string{"condition", "rules", "parent", "task_id"} {
		delete(doc, k)
	}
	doc["id"] = d.IDs.NewID()
	doc["type"] = actionType

	params, _ := doc["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	for _, k := range createActionParams {
		delete(params, k)
	}
	for _, k := range promotedParams {
		if v, ok := params[k]; ok {
			doc[k] = v
			delete(params, k)
		}
	}
	if c, ok := req.Params["content"]; ok && c != nil {
		params["content"] = c
	}
	doc["params"] = params

	a, err := ir.ActionFromMap(doc)
	if err != nil {
		return engine.Result{}, fmt.Errorf("create action: %w", err)
	}

	var delay time.Duration
	if secs, ok := floatParam(req.Params, "delay_secs"); ok && secs > 0 {
		delay = time.Duration(secs * float64(time.Second))
	}
	switch {
	case a.IsScheduled() || delay > 0:
		if d.Scheduler == nil {
			return engine.Result{}, fmt.Errorf("create action %s: no scheduler configured", a.ID)
		}
		handle, err := d.Scheduler.ArmAction(ctx, parent, a, delay, nil)
		if err != nil {
			return engine.Result{}, fmt.Errorf("create action %s: %w", a.ID, err)
		}
		a.TaskID = handle.ID
	case a.Activation() == nil:
		return engine.Result{}, fmt.Errorf("create action: needs a schedule, delay_secs, condition or rules")
	}

	if err := d.Docs.PutAction(ctx, parent, a); err != nil {
		return engine.Result{}, fmt.Errorf("create action %s: %w", a.ID, err)
	}
	d.Logger.Info("action created", "action_id", a.ID, "action_type", a.Type, "resource", parent, "task_id", a.TaskID)
	return engine.Result{ContextUpdate: map[string]any{"created_action_id": a.ID}}, nil
}

// runAction schedules policy actions to run for target_id.
//
// Params: policy, actions (comma-separated ids), target_id, delay_secs
// (default 10).
func (d *Deps) runAction(ctx context.Context, req engine.Request) (engine.Result, error) {
	policy := stringParam(req.Params, "policy")
	target, ok := resourceParam(req.Params, "target_id")
	if policy == "" || !ok {
		return engine.Result{}, fmt.Errorf("run action: policy and target_id are required")
	}
	var ids []string
	for _, id := range strings.Split(stringParam(req.Params, "actions"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return engine.Result{}, fmt.Errorf("run action: actions is required")
	}
	if d.Scheduler == nil {
		return engine.Result{}, fmt.Errorf("run action: no scheduler configured")
	}

	delay := DefaultRunDelay
	if secs, ok := floatParam(req.Params, "delay_secs"); ok {
		delay = time.Duration(secs * float64(time.Second))
	}
	for _, id := range ids {
		if _, err := d.Scheduler.RunLater(ctx, policy, id, target, delay); err != nil {
			return engine.Result{}, fmt.Errorf("run action %s/%s: %w", policy, id, err)
		}
	}
	return engine.Result{}, nil
}
