// Package ir holds the value types shared by every careflow package:
// resource identifiers, actions and their activation predicates, policies,
// events, execution-log entries and task handles.
//
// ir imports nothing internal. Everything else imports ir, which keeps the
// type layer free of cycles.
//
// Conventions:
//   - JSON tags use snake_case and match the stored document layout
//   - Free-form payloads (params, documents, context trees) are plain
//     map[string]any / []any trees as produced by encoding/json
//   - Content-addressed ids are computed over canonical JSON (see
//     MarshalCanonical) so retried writes collapse onto one row
package ir
