// Package history gates actions on their previous runs for a resource.
//
// The gate reads the append-only execution log. It is permissive: when
// the log cannot be queried the action is treated as never run.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// Decision is the gate's verdict for one candidate.
type Decision struct {
	// Held is true when the action ran inside its hold window.
	Held bool

	// LastRun is the time of the most recent run; zero if never run.
	LastRun time.Time

	// LastContentID is the content id recorded by the most recent run.
	LastContentID string
}

// Gate queries the execution log.
type Gate struct {
	log    ports.AppendLog
	logger *slog.Logger
}

// NewGate creates a Gate over log. A nil logger uses slog.Default.
func NewGate(log ports.AppendLog, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{log: log, logger: logger}
}

// LatestRun returns the most recent run of actionID for resource. Query
// failures and absent rows both report ok=false.
func (g *Gate) LatestRun(ctx context.Context, actionID string, resource ir.ResourceID) (ir.RunRecord, bool) {
	if resource.IsZero() || actionID == "" {
		return ir.RunRecord{}, false
	}
	rec, ok, err := g.log.LatestRun(ctx, actionID, resource)
	if err != nil {
		g.logger.Warn("latest run query failed, treating as never run",
			"action_id", actionID,
			"resource", resource.String(),
			"error", err)
		return ir.RunRecord{}, false
	}
	return rec, ok
}

// Check applies the hold rule for a at now.
func (g *Gate) Check(ctx context.Context, a ir.Action, resource ir.ResourceID, now time.Time) Decision {
	if !a.NeedsHistory() {
		return Decision{}
	}
	rec, ok := g.LatestRun(ctx, a.ID, resource)
	if !ok {
		return Decision{}
	}
	return Decision{
		Held:          Held(a.HoldSecs, rec.Time, now),
		LastRun:       rec.Time,
		LastContentID: rec.ContentID,
	}
}

// Held reports whether a run at last is still inside a hold window of
// holdSecs at now: now - hold < last.
func Held(holdSecs *int64, last, now time.Time) bool {
	if holdSecs == nil || last.IsZero() {
		return false
	}
	threshold := now.Add(-time.Duration(*holdSecs) * time.Second)
	return threshold.Before(last)
}
