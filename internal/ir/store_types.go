package ir

import (
	"fmt"
	"time"
)

// RunTypeAction is the ExecutionLogEntry type written for every fired
// action.
const RunTypeAction = "action.run"

// RunEntry is one append-only execution log fact. Entries are never
// updated or deleted.
type RunEntry struct {
	ID        string       `json:"id"`
	Time      time.Time    `json:"time"`
	Type      string       `json:"type"`
	Resources []ResourceID `json:"resources"`
}

// NewRunEntry builds the log entry for an action run against a resource.
// The content id is included only when one was selected. The entry id is
// content-addressed, so appending the same run twice is a no-op.
func NewRunEntry(at time.Time, resource ResourceID, actionID, contentID string) (RunEntry, error) {
	entry := RunEntry{
		Time: at.UTC(),
		Type: RunTypeAction,
		Resources: []ResourceID{
			resource,
			{Type: TypeAction, Value: actionID},
		},
	}
	if contentID != "" {
		entry.Resources = append(entry.Resources, ResourceID{Type: TypeContent, Value: contentID})
	}
	id, err := RunEntryID(entry)
	if err != nil {
		return RunEntry{}, fmt.Errorf("run entry id: %w", err)
	}
	entry.ID = id
	return entry, nil
}

// RunRecord is the result of a most-recent-run query.
type RunRecord struct {
	Time      time.Time
	ContentID string
}
