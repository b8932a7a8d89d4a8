// Package engine implements the careflow policy dispatch engine.
//
// The engine receives one normalized event at a time, builds the event's
// evaluation context, gathers candidate actions from the policies attached
// to the people and groups involved, and runs them as one batch.
//
// ARCHITECTURE:
//
// One invocation per event:
// HandleEvent holds no state between events. Everything durable lives
// behind the ports: the document store, the append-only run log, the time
// series and the task scheduler. Concurrent HandleEvent calls are safe.
//
// Batch Processing Flow:
// 1. Intake: the event payload and the resolved sender/receiver documents
// are merged into a fresh evalctx.Context, with shorthands (person, coach,
// from_member, ...)
// 2. Candidates: person policies, then group policies in membership order,
// then the system group; de-duplicated by action id, first wins
// 3. Stable sort by priority, highest first
// 4. For each candidate, strictly in order: priority floor, history gate,
// handler lookup, rule matcher, parameter resolution, content selection,
// rendering, handler invocation, context merge, action update, floor raise,
// run log append
// 5. Engagement rescheduling for the person
//
// The batch loop is sequential. A handler's context update is visible to
// every later candidate, and the min_action_priority floor only ever rises.
//
// FAILURE ISOLATION:
//
// A handler error, panic or timeout skips that candidate only. Run log
// append failures are logged and never fail the batch. Only intake errors
// and engagement scheduling failures are returned to the caller.
package engine
