package ir

import "time"

// Task purposes.
const (
	// PurposeEngage is the per-person engagement task computed from the
	// person's system task schedules.
	PurposeEngage = "engage"

	// PurposeActionPrefix prefixes the purpose of a task owned by one
	// scheduled action.
	PurposeActionPrefix = "action:"
)

// TaskOwner is the (parent resource, schedule purpose) pair that owns at
// most one live task.
type TaskOwner struct {
	Resource ResourceID `json:"resource"`
	Purpose  string     `json:"purpose"`
}

// Key is the owner's stable string key.
func (o TaskOwner) Key() string {
	return o.Resource.String() + "#" + o.Purpose
}

// ActionOwner is the owner of the task that fires a scheduled action.
func ActionOwner(parent ResourceID, actionID string) TaskOwner {
	return TaskOwner{Resource: parent, Purpose: PurposeActionPrefix + actionID}
}

// TaskPayload is what a task carries back on delivery: enough to resolve
// the resource and the scheduled candidate.
type TaskPayload struct {
	Parent    ResourceID  `json:"parent_id"`
	ActionID  string      `json:"action_id,omitempty"`
	Policy    string      `json:"policy,omitempty"`
	Target    *ResourceID `json:"person_id,omitempty"`
	Candidate string      `json:"candidate,omitempty"`
}

// Task is a request to deliver Payload at FireAt.
type Task struct {
	Owner   TaskOwner   `json:"owner"`
	FireAt  time.Time   `json:"fire_at"`
	Payload TaskPayload `json:"payload"`
}

// TaskHandle references one pending delayed invocation.
type TaskHandle struct {
	ID      string      `json:"id"`
	Owner   TaskOwner   `json:"owner"`
	FireAt  time.Time   `json:"fire_at"`
	Payload TaskPayload `json:"payload"`
}
