// Package ports declares the narrow capability interfaces the dispatch
// core depends on. Storage, queueing and scheduling backends implement
// them; tests substitute in-memory fakes.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/careflow/internal/ir"
)

// ErrNotFound is returned by lookups whose target does not exist.
var ErrNotFound = errors.New("not found")

// Resources resolves and mutates person/group documents.
type Resources interface {
	// GetResource returns the document for id. A missing document is
	// (nil, false, nil).
	GetResource(ctx context.Context, id ir.ResourceID) (ir.Document, bool, error)

	// Lookup resolves an identifier (a phone number, or a person/group id)
	// to the owning resource's document.
	Lookup(ctx context.Context, identifier ir.ResourceID) (ir.Document, bool, error)

	// UpdateResource merges patch into the stored document.
	UpdateResource(ctx context.Context, id ir.ResourceID, patch map[string]any) error
}

// Relations exposes group membership.
type Relations interface {
	// Parents returns the resources that child belongs to, in the order
	// the memberships were created.
	Parents(ctx context.Context, child ir.ResourceID) ([]ir.ResourceID, error)

	// Children returns the members of parent in membership order.
	Children(ctx context.Context, parent ir.ResourceID) ([]ir.ResourceID, error)

	AddChild(ctx context.Context, parent, child ir.ResourceID) error
	RemoveChild(ctx context.Context, parent, child ir.ResourceID) error
}

// Policies reads shared policies.
type Policies interface {
	// GetPolicy returns the policy's actions in declaration order. Each
	// action's Origin is set to the policy.
	GetPolicy(ctx context.Context, id string) (ir.Policy, bool, error)
	PutPolicy(ctx context.Context, p ir.Policy) error
}

// Actions manages actions stored in a resource's own action collection
// and persists action updates wherever the action lives.
type Actions interface {
	GetAction(ctx context.Context, parent ir.ResourceID, id string) (ir.Action, bool, error)
	PutAction(ctx context.Context, parent ir.ResourceID, a ir.Action) error
	DeleteAction(ctx context.Context, parent ir.ResourceID, id string) error
	ListActions(ctx context.Context, parent ir.ResourceID) ([]ir.Action, error)

	// UpdateAction merges patch into the stored action document at ref.
	UpdateAction(ctx context.Context, ref ir.ActionRef, id string, patch map[string]any) error
}

// Documents is a generic keyed document collection for auxiliary records
// (OAuth state, short links).
type Documents interface {
	PutDocument(ctx context.Context, collection, id string, doc ir.Document) error
	GetDocument(ctx context.Context, collection, id string) (ir.Document, bool, error)
}

// DocumentStore is the union of the document capabilities.
type DocumentStore interface {
	Resources
	Relations
	Policies
	Actions
	Documents
}

// AppendLog is the append-only execution log.
type AppendLog interface {
	// AppendRun records one action run. Appending an entry whose id
	// already exists is a no-op.
	AppendRun(ctx context.Context, entry ir.RunEntry) error

	// LatestRun returns the most recent action.run entry that references
	// both actionID and resource.
	LatestRun(ctx context.Context, actionID string, resource ir.ResourceID) (ir.RunRecord, bool, error)
}

// TimeSeries stores and queries data points.
type TimeSeries interface {
	AppendPoints(ctx context.Context, points []ir.DataPoint) error

	// Points returns matching points ordered by time ascending.
	Points(ctx context.Context, q ir.SeriesQuery) ([]ir.DataPoint, error)
}

// MessageLog records message rows and answers conversation queries.
type MessageLog interface {
	AppendMessage(ctx context.Context, m ir.Message) error
	Messages(ctx context.Context, q ir.MessageQuery) ([]ir.Message, error)
}

// TaskScheduler arms and cancels delayed deliveries.
type TaskScheduler interface {
	// Schedule creates a new task and returns its handle. It does not
	// cancel other tasks of the same owner.
	Schedule(ctx context.Context, task ir.Task) (ir.TaskHandle, error)

	// Cancel removes a pending task. Cancelling an unknown task returns
	// ErrNotFound.
	Cancel(ctx context.Context, id string) error

	// Lookup returns the owner's most recently scheduled live task.
	Lookup(ctx context.Context, owner ir.TaskOwner) (ir.TaskHandle, bool, error)
}

// EventPublisher publishes encoded payloads to a named topic.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Clock supplies wall-clock time.
type Clock interface {
	Now() time.Time
}
