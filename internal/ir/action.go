package ir

import (
	"encoding/json"
	"fmt"
)

// Content selection strategies. An action without content_select picks
// at random; any value other than "random" rotates sequentially.
const (
	ContentSelectRandom     = "random"
	ContentSelectSequential = "sequential"
)

// IsSequential reports whether the action rotates its content in order.
func (a Action) IsSequential() bool {
	return a.ContentSelect != "" && a.ContentSelect != ContentSelectRandom
}

// Action is one configured rule + handler type + parameters that may fire
// for a resource. Actions are immutable for the duration of a batch.
type Action struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Priority int            `json:"priority"`
	Params   map[string]any `json:"params,omitempty"`

	// Condition and Rules are the two activation dialects; see Activation.
	Condition string `json:"condition,omitempty"`
	Rules     []Rule `json:"rules,omitempty"`

	HoldSecs          *int64 `json:"hold_secs,omitempty"`
	ContentSelect     string `json:"content_select,omitempty"`
	MinActionPriority *int   `json:"min_action_priority,omitempty"`
	Schedule          string `json:"schedule,omitempty"`
	Timezone          string `json:"timezone,omitempty"`
	MaxRun            *int   `json:"maxrun,omitempty"`
	TaskID            string `json:"task_id,omitempty"`

	// Extra holds stored fields the engine does not interpret, such as
	// provider tokens or sync cursors written back by handlers.
	Extra map[string]any `json:"-"`

	// Origin records where the action was loaded from. Not stored.
	Origin ActionRef `json:"-"`
}

// actionFields is Action without its methods, for the JSON codecs.
type actionFields Action

// MarshalJSON writes the known fields and then any Extra keys that do not
// collide with them.
func (a Action) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(actionFields(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return data, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, known := knownActionKeys[k]; !known {
			m[k] = v
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON reads the known fields and keeps every other key in
// Extra.
func (a *Action) UnmarshalJSON(data []byte) error {
	var fields actionFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	for k := range knownActionKeys {
		delete(m, k)
	}
	fields.Extra = nil
	if len(m) > 0 {
		fields.Extra = m
	}
	*a = Action(fields)
	return nil
}

var knownActionKeys = map[string]struct{}{
	"id": {}, "type": {}, "priority": {}, "params": {}, "condition": {},
	"rules": {}, "hold_secs": {}, "content_select": {}, "min_action_priority": {},
	"schedule": {}, "timezone": {}, "maxrun": {}, "task_id": {},
}

// Activation returns the action's activation predicate. A nil result means
// the action has neither a condition nor rules and always activates.
func (a Action) Activation() Predicate {
	if a.Condition != "" {
		return TemplatePredicate{Expr: a.Condition}
	}
	if a.Rules != nil {
		return WeightedRules{Rules: a.Rules}
	}
	return nil
}

// NeedsHistory reports whether the history gate must be consulted before
// evaluating the action.
func (a Action) NeedsHistory() bool {
	return a.HoldSecs != nil || (a.IsSequential() && isList(a.Params["content"]))
}

// IsScheduled reports whether the action carries a cron schedule.
func (a Action) IsScheduled() bool {
	return a.Schedule != ""
}

// Map returns the action in stored document form.
func (a Action) Map() (map[string]any, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal action %s: %w", a.ID, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal action %s: %w", a.ID, err)
	}
	return m, nil
}

// ActionFromMap decodes a stored action document.
func ActionFromMap(m map[string]any) (Action, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Action{}, fmt.Errorf("marshal action document: %w", err)
	}
	var a Action
	if err := json.Unmarshal(data, &a); err != nil {
		return Action{}, fmt.Errorf("decode action document: %w", err)
	}
	return a, nil
}

func isList(v any) bool {
	_, ok := v.([]any)
	return ok
}
