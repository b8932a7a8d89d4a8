package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/roach88/careflow/internal/ir"
)

// candidates resolves the actions a batch evaluates, sorted by priority
// descending with ties kept in resolution order.
//
// A scheduled delivery evaluates only the action it carries. Otherwise
// the policy ids are gathered in this order, each id once:
//  1. the person's own "policies"
//  2. the policies of every group the sender/receiver belongs to
//  3. the sender/receiver itself when it is a group
//  4. the system group
//
// Actions are de-duplicated by id; the first occurrence wins.
func (e *Engine) candidates(ctx context.Context, in *intake) ([]ir.Action, error) {
	if in.internal {
		if in.replay == nil {
			return []ir.Action{}, nil
		}
		return []ir.Action{*in.replay}, nil
	}

	var policyIDs []string
	seenPolicy := make(map[string]bool)
	addPolicies := func(ids []string) {
		for _, id := range ids {
			if !seenPolicy[id] {
				seenPolicy[id] = true
				policyIDs = append(policyIDs, id)
			}
		}
	}

	if in.person != nil {
		addPolicies(in.person.Strings("policies"))
	}

	for _, group := range e.groups(in) {
		doc, ok, err := e.docs.GetResource(ctx, group)
		if err != nil {
			return nil, newIntakeError(fmt.Sprintf("group %s", group), err)
		}
		if !ok {
			e.logger.Debug("group not found", "resource", group.String())
			continue
		}
		addPolicies(doc.Strings("policies"))
	}

	actions := []ir.Action{}
	seenAction := make(map[string]bool)
	for _, id := range policyIDs {
		p, ok, err := e.docs.GetPolicy(ctx, id)
		if err != nil {
			return nil, newIntakeError(fmt.Sprintf("policy %s", id), err)
		}
		if !ok {
			e.logger.Warn("policy not found", "policy", id)
			continue
		}
		for _, a := range p.Actions {
			if seenAction[a.ID] {
				continue
			}
			seenAction[a.ID] = true
			actions = append(actions, a)
		}
	}

	slices.SortStableFunc(actions, func(a, b ir.Action) int {
		return cmp.Compare(b.Priority, a.Priority)
	})
	return actions, nil
}

// groups lists the event's groups in precedence order, each once.
func (e *Engine) groups(in *intake) []ir.ResourceID {
	var out []ir.ResourceID
	seen := make(map[ir.ResourceID]bool)
	add := func(id ir.ResourceID) {
		if id.Type != ir.TypeGroup || id.Value == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, p := range in.parents {
		add(p)
	}
	for _, doc := range []ir.Document{in.sender, in.receiver} {
		if id, ok := doc.ID(); ok {
			add(id)
		}
	}
	if e.systemGroup != "" {
		add(ir.ResourceID{Type: ir.TypeGroup, Value: e.systemGroup})
	}
	return out
}
