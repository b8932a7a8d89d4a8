package engine

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/careflow/internal/evalctx"
	"github.com/roach88/careflow/internal/ir"
)

// Reasons a candidate was skipped.
const (
	SkipPriorityFloor = "priority_floor"
	SkipHold          = "hold"
	SkipUnknownType   = "unknown_type"
	SkipNoMatch       = "no_match"
	SkipNoContent     = "no_content"
)

// paramsRendered are rendered through templates instead of $-resolution.
var paramsRendered = []string{"content", "text"}

// BatchReport records what happened to every candidate of one batch, in
// evaluation order.
type BatchReport struct {
	Fired   []FiredAction   `json:"fired"`
	Skipped []SkippedAction `json:"skipped"`
	Failed  []FailedAction  `json:"failed"`
}

// FiredAction is a candidate whose handler completed.
type FiredAction struct {
	ActionID      string         `json:"action_id"`
	Type          string         `json:"type"`
	ContentID     string         `json:"content_id,omitempty"`
	ContextUpdate map[string]any `json:"context_update,omitempty"`
}

// SkippedAction is a candidate that was not invoked.
type SkippedAction struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// FailedAction is a candidate whose handler failed, timed out or panicked.
type FailedAction struct {
	ActionID string `json:"action_id"`
	Error    string `json:"error"`
}

// FiredIDs returns the ids of fired actions in order.
func (r BatchReport) FiredIDs() []string {
	ids := make([]string, 0, len(r.Fired))
	for _, f := range r.Fired {
		ids = append(ids, f.ActionID)
	}
	return ids
}

// RunBatch evaluates candidates in order against ec.
//
// Candidates must already be sorted by priority. For each one:
//  1. skip if its priority is below the context's min_action_priority
//  2. bind the action under "action" in the context
//  3. skip if the history gate holds it
//  4. skip if no handler is registered or the activation does not match
//  5. resolve params; select and render content, render text
//  6. invoke the handler; merge its context update, persist its action
//     update
//  7. raise the floor to the action's min_action_priority
//  8. append the run to the execution log against resource
//
// A failing handler is reported and the batch continues. Nothing the
// batch does is returned as an error.
func (e *Engine) RunBatch(ctx context.Context, ec *evalctx.Context, candidates []ir.Action, resource ir.ResourceID) BatchReport {
	report := BatchReport{
		Fired:   []FiredAction{},
		Skipped: []SkippedAction{},
		Failed:  []FailedAction{},
	}
	now := e.clock.Now()

	skip := func(a ir.Action, reason string) {
		e.logger.Debug("action skipped", "action_id", a.ID, "action_type", a.Type, "reason", reason)
		report.Skipped = append(report.Skipped, SkippedAction{ActionID: a.ID, Reason: reason})
	}

	for _, a := range candidates {
		if floor, ok := ir.ToFloat(ec.Get("min_action_priority")); ok && float64(a.Priority) < floor {
			skip(a, SkipPriorityFloor)
			continue
		}

		ec.Clear("action")
		if doc, err := a.Map(); err == nil {
			ec.Set("action", doc)
		}

		decision := e.gate.Check(ctx, a, resource, now)
		if decision.Held {
			skip(a, SkipHold)
			continue
		}

		h, ok := e.handlers.Get(a.Type)
		if !ok {
			e.logger.Warn("no handler for action type", "action_id", a.ID, "action_type", a.Type)
			skip(a, SkipUnknownType)
			continue
		}
		if !e.matcher.Matches(ctx, a, ec) {
			skip(a, SkipNoMatch)
			continue
		}

		params := ec.Resolve(e.params.Get(a, paramsRendered...))
		var contentID string
		if raw, ok := a.Params["content"]; ok {
			sel, ok := e.selector.Select(raw, a.ContentSelect, decision.LastContentID)
			if !ok {
				e.logger.Warn("no content left for action", "action_id", a.ID, "content_id", decision.LastContentID)
				skip(a, SkipNoContent)
				continue
			}
			contentID = sel.ID
			params["content"] = ec.Render(ctx, sel.Content)
		}
		if raw, ok := a.Params["text"]; ok {
			params["text"] = ec.Render(ctx, raw)
		}

		res, err := e.invoke(ctx, h, Request{
			Action:   a,
			Params:   params,
			Resource: resource,
			Context:  ec.Data(),
			Now:      now,
		})
		if err != nil {
			e.logFailure(a, resource, err)
			report.Failed = append(report.Failed, FailedAction{ActionID: a.ID, Error: err.Error()})
			continue
		}

		ec.Merge(res.ContextUpdate)
		if len(res.ActionUpdate) > 0 {
			e.persistActionUpdate(ctx, a, res.ActionUpdate)
		}

		if a.MinActionPriority != nil {
			floor, _ := ir.ToFloat(ec.Get("min_action_priority"))
			if float64(*a.MinActionPriority) > floor {
				ec.Set("min_action_priority", *a.MinActionPriority)
			}
		}

		e.appendRun(ctx, now, resource, a, contentID)

		e.logger.Info("action fired", "action_id", a.ID, "action_type", a.Type, "resource", resource.String(), "content_id", contentID)
		report.Fired = append(report.Fired, FiredAction{
			ActionID:      a.ID,
			Type:          a.Type,
			ContentID:     contentID,
			ContextUpdate: res.ContextUpdate,
		})
	}
	return report
}

func (e *Engine) logFailure(a ir.Action, resource ir.ResourceID, err error) {
	code := ""
	var re *RuntimeError
	if errors.As(err, &re) {
		code = string(re.Code)
	}
	e.logger.Error("action failed",
		"action_id", a.ID,
		"action_type", a.Type,
		"resource", resource.String(),
		"code", code,
		"error", err,
	)
}

func (e *Engine) persistActionUpdate(ctx context.Context, a ir.Action, patch map[string]any) {
	if a.Origin.IsPolicy() || !a.Origin.Parent.IsZero() {
		if err := e.docs.UpdateAction(ctx, a.Origin, a.ID, patch); err != nil {
			e.logger.Warn("action update not persisted", "action_id", a.ID, "origin", a.Origin.String(), "error", err)
		}
		return
	}
	e.logger.Warn("action update dropped: action has no stored origin", "action_id", a.ID)
}

func (e *Engine) appendRun(ctx context.Context, now time.Time, resource ir.ResourceID, a ir.Action, contentID string) {
	if resource.IsZero() {
		e.logger.Warn("run not logged: event has no resource", "action_id", a.ID)
		return
	}
	entry, err := ir.NewRunEntry(now, resource, a.ID, contentID)
	if err == nil {
		err = e.runs.AppendRun(ctx, entry)
	}
	if err != nil {
		e.logger.Warn("run log append failed", "action_id", a.ID, "resource", resource.String(), "error", err)
	}
}
