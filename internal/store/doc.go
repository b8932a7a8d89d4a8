// Package store provides SQLite-backed storage for careflow.
//
// One database holds:
//   - Resources: person and group documents, with their external identifiers
//   - Relations: group membership, in creation order
//   - Policies: shared ordered action lists
//   - Actions: per-resource action collections
//   - Runs: the append-only execution log
//   - Points: the time series read by the history template function
//   - Documents: auxiliary keyed records (OAuth state)
//
// Store implements ports.DocumentStore, ports.AppendLog and
// ports.TimeSeries.
//
// # Execution log
//
// Run ids are content-addressed (see ir.NewRunEntry), so appends use
// ON CONFLICT(id) DO NOTHING and retrying an append is harmless. The log is
// only ever read through LatestRun: most recent first, limit 1.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
