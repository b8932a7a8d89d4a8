package engine

import (
	"context"

	"github.com/roach88/careflow/internal/evalctx"
	"github.com/roach88/careflow/internal/ir"
)

// intake is the normalized view of one event.
type intake struct {
	ctx      *evalctx.Context
	resource ir.ResourceID
	status   string

	sender   ir.Document
	receiver ir.Document
	person   ir.Document

	// parents are the memberships of sender then receiver.
	parents []ir.ResourceID

	// internal marks a scheduled delivery; replay is the action it runs.
	internal bool
	replay   *ir.Action
}

// intake builds the evaluation context for an event.
//
// Context keys:
//   - message | data: the event payload (data also gets one key per reading)
//   - sender, receiver: the resolved resource documents
//   - person: receiver if it is a person, else sender if it is a person
//   - coach: the first person the sender belongs to
//   - from_member, to_member, from_coach, to_coach: direction flags
//   - min_action_priority: the batch's running priority floor, 0
func (e *Engine) intake(ctx context.Context, ev ir.Event) (*intake, error) {
	in := &intake{ctx: e.newContext()}

	var fallback ir.ResourceID
	switch ev.Channel {
	case ir.ChannelMessage:
		m := ev.Message
		tree, err := ir.Tree(m)
		if err != nil {
			return nil, newIntakeError("message payload", err)
		}
		in.ctx.Set("message", tree)
		in.status = m.Status
		e.recordMessage(ctx, *m)

		if m.Sender != nil {
			fallback = *m.Sender
			if in.sender, err = e.resolve(ctx, *m.Sender); err != nil {
				return nil, err
			}
		}
		if m.Receiver != nil {
			if fallback.IsZero() {
				fallback = *m.Receiver
			}
			if in.receiver, err = e.resolve(ctx, *m.Receiver); err != nil {
				return nil, err
			}
		}
		if m.Status == ir.StatusInternal {
			in.internal = true
			in.replay = e.scheduledAction(ctx, m.Content)
			if in.replay != nil {
				in.ctx.Set("scheduled_action_id", in.replay.ID)
			}
		}

	case ir.ChannelData:
		d := ev.Data
		tree, err := ir.Tree(d)
		if err != nil {
			return nil, newIntakeError("data payload", err)
		}
		in.ctx.Set("data", tree)
		for _, r := range d.Data {
			var value any = r.Value
			if r.Number != nil {
				value = *r.Number
			}
			in.ctx.Set("data", map[string]any{r.Name: value})
		}
		fallback = d.Source
		if in.sender, err = e.resolve(ctx, d.Source); err != nil {
			return nil, err
		}
		if e.recordPoints && e.series != nil {
			if err := e.series.AppendPoints(ctx, d.Points()); err != nil {
				e.logger.Warn("recording data points failed", "resource", d.Source.String(), "error", err)
			}
		}
	}

	if in.sender != nil {
		in.ctx.Set("sender", map[string]any(in.sender))
	}
	if in.receiver != nil {
		in.ctx.Set("receiver", map[string]any(in.receiver))
	}

	in.resource = fallback
	if id, ok := in.sender.ID(); ok {
		in.resource = id
	} else if id, ok := in.receiver.ID(); ok {
		in.resource = id
	}

	if err := e.addShorthands(ctx, in, ev); err != nil {
		return nil, err
	}
	in.ctx.Set("min_action_priority", 0)
	return in, nil
}

// recordMessage logs conversation rows. Internal deliveries and
// engagement triggers are not conversation and are left out.
func (e *Engine) recordMessage(ctx context.Context, m ir.Message) {
	if e.messages == nil || (m.Status != ir.StatusReceived && m.Status != ir.StatusSent) {
		return
	}
	if err := e.messages.AppendMessage(ctx, m); err != nil {
		e.logger.Warn("recording message failed", "status", m.Status, "error", err)
	}
}

// resolve looks up an identifier. A missing resource is (nil, nil).
func (e *Engine) resolve(ctx context.Context, id ir.ResourceID) (ir.Document, error) {
	doc, ok, err := e.docs.Lookup(ctx, id)
	if err != nil {
		return nil, newIntakeError("resolve "+id.String(), err)
	}
	if !ok {
		e.logger.Debug("resource not found", "resource", id.String())
		return nil, nil
	}
	return doc, nil
}

func (e *Engine) addShorthands(ctx context.Context, in *intake, ev ir.Event) error {
	switch {
	case isPerson(in.receiver):
		in.person = in.receiver
	case isPerson(in.sender):
		in.person = in.sender
	}
	if in.person != nil {
		in.ctx.Set("person", map[string]any(in.person))
	}

	flags := map[string]any{
		"from_member": false,
		"to_member":   false,
		"from_coach":  false,
		"to_coach":    false,
	}
	if m := ev.Message; m != nil {
		proxy := m.HasTag(ir.TagProxy)
		switch {
		case m.Status == ir.StatusReceived && !proxy:
			flags["from_member"] = true
		case m.Status == ir.StatusReceived && proxy:
			flags["from_coach"] = true
		case m.Status == ir.StatusSent && proxy:
			flags["to_coach"] = true
		case m.Status == ir.StatusSent && !proxy:
			flags["to_member"] = true
		}
	}
	in.ctx.Merge(flags)

	for _, doc := range []ir.Document{in.sender, in.receiver} {
		id, ok := doc.ID()
		if !ok {
			continue
		}
		parents, err := e.docs.Parents(ctx, id)
		if err != nil {
			return newIntakeError("parents of "+id.String(), err)
		}
		in.parents = append(in.parents, parents...)
	}

	if senderID, ok := in.sender.ID(); ok {
		for _, p := range in.parents {
			if p.Type != ir.TypePerson || p == senderID {
				continue
			}
			coach, ok, err := e.docs.GetResource(ctx, p)
			if err != nil {
				return newIntakeError("coach "+p.String(), err)
			}
			if ok {
				in.ctx.Set("coach", map[string]any(coach))
				break
			}
		}
	}
	return nil
}

func isPerson(doc ir.Document) bool {
	id, ok := doc.ID()
	return ok && id.Type == ir.TypePerson
}

// scheduledAction extracts the action a scheduled delivery runs. The
// message content carries either a full action snapshot under "action",
// or an "action_id" to load from the "policy" or from the "parent_id"
// resource's collection. Anything else yields nil and the event runs no
// actions.
func (e *Engine) scheduledAction(ctx context.Context, content any) *ir.Action {
	m, ok := content.(map[string]any)
	if !ok {
		e.logger.Warn("internal message without action payload")
		return nil
	}
	parent, _ := ir.AsResourceID(m["parent_id"])

	if snapshot, ok := m["action"].(map[string]any); ok {
		a, err := ir.ActionFromMap(snapshot)
		if err != nil {
			e.logger.Warn("internal message with invalid action", "error", err)
			return nil
		}
		a.Origin = ir.ActionRef{Parent: parent}
		if policy, _ := m["policy"].(string); policy != "" {
			a.Origin = ir.ActionRef{Policy: policy}
		}
		return &a
	}

	actionID, _ := m["action_id"].(string)
	policy, _ := m["policy"].(string)
	if actionID == "" || (parent.IsZero() && policy == "") {
		e.logger.Warn("internal message without action reference")
		return nil
	}
	if policy != "" {
		return e.policyAction(ctx, policy, actionID)
	}
	a, ok, err := e.docs.GetAction(ctx, parent, actionID)
	if err != nil {
		e.logger.Warn("loading scheduled action failed", "action_id", actionID, "error", err)
		return nil
	}
	if !ok {
		e.logger.Info("scheduled action no longer exists", "action_id", actionID, "resource", parent.String())
		return nil
	}
	return &a
}

func (e *Engine) policyAction(ctx context.Context, policy, actionID string) *ir.Action {
	p, ok, err := e.docs.GetPolicy(ctx, policy)
	if err != nil {
		e.logger.Warn("loading scheduled policy failed", "policy", policy, "error", err)
		return nil
	}
	if ok {
		for _, a := range p.Actions {
			if a.ID == actionID {
				return &a
			}
		}
	}
	e.logger.Info("scheduled action no longer exists", "action_id", actionID, "policy", policy)
	return nil
}
