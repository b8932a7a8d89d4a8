package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

// updateResource patches the document at identifier.
//
// Params: identifier, content (mapping or JSON object), list_name to
// union content (a list) into that field instead, delete_field to remove
// one field.
func (d *Deps) updateResource(ctx context.Context, req engine.Request) (engine.Result, error) {
	id, ok := resourceParam(req.Params, "identifier")
	if !ok {
		return engine.Result{}, fmt.Errorf("update resource: identifier is required")
	}

	if field := stringParam(req.Params, "delete_field"); field != "" {
		return engine.Result{}, d.Docs.UpdateResource(ctx, id, map[string]any{field: nil})
	}

	if list := stringParam(req.Params, "list_name"); list != "" {
		items, err := listParam(req.Params, "content")
		if err != nil {
			return engine.Result{}, fmt.Errorf("update resource %s: %w", id, err)
		}
		doc, found, err := d.Docs.GetResource(ctx, id)
		if err != nil {
			return engine.Result{}, fmt.Errorf("update resource %s: %w", id, err)
		}
		if !found {
			return engine.Result{}, fmt.Errorf("update resource %s: not found", id)
		}
		current, _ := doc[list].([]any)
		for _, item := range items {
			if !slices.ContainsFunc(current, func(v any) bool { return equalJSON(v, item) }) {
				current = append(current, item)
			}
		}
		return engine.Result{}, d.Docs.UpdateResource(ctx, id, map[string]any{list: current})
	}

	patch, err := mapParam(req.Params, "content")
	if err != nil {
		return engine.Result{}, fmt.Errorf("update resource %s: %w", id, err)
	}
	if len(patch) == 0 {
		d.Logger.Warn("empty resource update", "resource", id, "action_id", req.Action.ID)
		return engine.Result{}, nil
	}
	return engine.Result{}, d.Docs.UpdateResource(ctx, id, patch)
}

// updateContext returns its content param as the context update.
func (d *Deps) updateContext(_ context.Context, req engine.Request) (engine.Result, error) {
	update, err := mapParam(req.Params, "content")
	if err != nil {
		return engine.Result{}, fmt.Errorf("update context: %w", err)
	}
	return engine.Result{ContextUpdate: update}, nil
}

// updateData publishes a data row for source_id (or person_id). Each
// entry of params (or a JSON content object) becomes a reading: numbers
// as number, strings as value.
func (d *Deps) updateData(ctx context.Context, req engine.Request) (engine.Result, error) {
	source, ok := resourceParam(req.Params, "source_id")
	if !ok {
		if source, ok = resourceParam(req.Params, "person_id"); !ok {
			return engine.Result{}, fmt.Errorf("update data: source_id is required")
		}
	}

	values, _ := req.Params["params"].(map[string]any)
	if len(values) == 0 && req.Params["content"] != nil {
		var err error
		if values, err = mapParam(req.Params, "content"); err != nil {
			return engine.Result{}, fmt.Errorf("update data: %w", err)
		}
	}

	row := ir.DataEvent{
		Time:   req.Now,
		Source: source,
		Tags:   append(tagsParam(req.Params, "tags"), ir.TagSourceAction),
	}
	for _, name := range sortedNames(values) {
		switch v := values[name].(type) {
		case string:
			row.Data = append(row.Data, ir.Reading{Name: name, Value: v})
		default:
			if f, ok := ir.ToFloat(v); ok && ir.IsScalarNumber(v) {
				row.Data = append(row.Data, ir.Reading{Name: name, Number: ir.Float(f)})
			}
		}
	}
	if len(row.Data) == 0 {
		d.Logger.Warn("data update without readings", "resource", source, "action_id", req.Action.ID)
		return engine.Result{}, nil
	}
	return engine.Result{}, d.publish(ctx, d.DataTopic, row)
}

// Parent selection modes for updateRelation.
const (
	selectRandom = "random"
	selectAll    = "all"
)

// updateRelation changes the groups child_id belongs to.
//
// Params: child_id, add_parent_id, remove_parent_id, and parent_ids with
// selection "random" (one parent, reported as selected_parent_id) or
// "all".
func (d *Deps) updateRelation(ctx context.Context, req engine.Request) (engine.Result, error) {
	child, ok := resourceParam(req.Params, "child_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("update relation: child_id is required")
	}
	add, hasAdd := resourceParam(req.Params, "add_parent_id")
	remove, hasRemove := resourceParam(req.Params, "remove_parent_id")
	candidates := resourceListParam(req.Params, "parent_ids")
	if !hasAdd && !hasRemove && len(candidates) == 0 {
		return engine.Result{}, fmt.Errorf("update relation: no parent given")
	}

	var result engine.Result
	if len(candidates) > 0 {
		selection := stringParam(req.Params, "selection")
		switch selection {
		case "", selectRandom:
			picked := candidates[rand.IntN(len(candidates))]
			if err := d.Docs.AddChild(ctx, picked, child); err != nil {
				return engine.Result{}, fmt.Errorf("update relation: %w", err)
			}
			result.ContextUpdate = map[string]any{"selected_parent_id": picked.Map()}
		case selectAll:
			for _, p := range candidates {
				if err := d.Docs.AddChild(ctx, p, child); err != nil {
					return engine.Result{}, fmt.Errorf("update relation: %w", err)
				}
			}
		default:
			return engine.Result{}, fmt.Errorf("update relation: unknown selection %q", selection)
		}
	}
	if hasAdd {
		if err := d.Docs.AddChild(ctx, add, child); err != nil {
			return engine.Result{}, fmt.Errorf("update relation: %w", err)
		}
	}
	if hasRemove {
		if err := d.Docs.RemoveChild(ctx, remove, child); err != nil {
			return engine.Result{}, fmt.Errorf("update relation: %w", err)
		}
	}
	return result, nil
}

// listGroup reports the members of parent_id as child_ids and children.
// include_tag keeps only members tagged with it; exclude_tag drops them.
// child_type narrows the members by resource type.
func (d *Deps) listGroup(ctx context.Context, req engine.Request) (engine.Result, error) {
	parent, ok := resourceParam(req.Params, "parent_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("list group: parent_id is required")
	}
	childType := stringParam(req.Params, "child_type")
	include := stringParam(req.Params, "include_tag")
	exclude := stringParam(req.Params, "exclude_tag")

	members, err := d.Docs.Children(ctx, parent)
	if err != nil {
		return engine.Result{}, fmt.Errorf("list group %s: %w", parent, err)
	}

	ids := []any{}
	children := []any{}
	for _, id := range members {
		if childType != "" && childType != "member" && id.Type != childType {
			continue
		}
		doc, found, err := d.Docs.GetResource(ctx, id)
		if err != nil {
			return engine.Result{}, fmt.Errorf("list group %s: %w", parent, err)
		}
		if !found {
			continue
		}
		tags := doc.Strings("tags")
		if include != "" && !slices.Contains(tags, include) {
			continue
		}
		if exclude != "" && slices.Contains(tags, exclude) {
			continue
		}
		ids = append(ids, id.Map())
		children = append(children, map[string]any(doc))
	}
	return engine.Result{ContextUpdate: map[string]any{
		"child_ids": ids,
		"children":  children,
	}}, nil
}

// listParam reads a list given as a list or a JSON array string. Single
// quotes and trailing commas are tolerated in the string form.
func listParam(params map[string]any, key string) ([]any, error) {
	switch v := params[key].(type) {
	case []any:
		return v, nil
	case string:
		cleaned := strings.ReplaceAll(strings.ReplaceAll(v, "'", `"`), ",]", "]")
		var list []any
		if err := json.Unmarshal([]byte(cleaned), &list); err != nil {
			return nil, fmt.Errorf("param %s: %w", key, err)
		}
		return list, nil
	}
	return nil, fmt.Errorf("param %s: want list", key)
}

func resourceListParam(params map[string]any, key string) []ir.ResourceID {
	list, _ := params[key].([]any)
	ids := make([]ir.ResourceID, 0, len(list))
	for _, item := range list {
		if id, ok := ir.AsResourceID(item); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func equalJSON(a, b any) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func sortedNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}
