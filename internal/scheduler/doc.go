// Package scheduler arms and delivers delayed work.
//
// Three kinds of tasks exist, each owned by one (resource, purpose) pair:
//
//   - engagement: one per person, computed from the person's system
//     task schedules (cron or fixed repeat), falling back to a default
//     horizon so every person is re-checked periodically
//   - scheduled actions: actions in a resource's own collection that
//     carry a cron schedule or were created with a delay
//   - policy actions run later for a target (RunAction)
//
// Reschedule is idempotent: an owner whose live task already fires at or
// before the newly computed time keeps it. Otherwise the old task is
// cancelled (failures ignored) and a new one is created (failures
// returned).
//
// Deliver is called when a task comes due. It performs maxrun
// bookkeeping, re-arms cron actions and publishes "internal" messages
// that make the engine replay the action for each recipient. A task whose
// action was deleted in the meantime is a no-op.
package scheduler
