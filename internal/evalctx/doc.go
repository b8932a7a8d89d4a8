// Package evalctx implements the per-event evaluation context: a
// hierarchical key/value tree with recursive merge and redaction, a
// template evaluator for conditions and message content, and the typed
// parameter templates used to resolve action params.
//
// A Context is created fresh for every event and is not safe for
// concurrent use; the dispatch loop that owns it is sequential.
//
// Templates use the Jinja-compatible pongo2 dialect. Beyond the standard
// pongo2 filters the evaluator exposes:
//
//	{{ values|np:"mean" }}              named numeric function (also np(values, "mean"))
//	{{ start|timediff }}                seconds from start to the context clock (also timediff(start, end))
//	{{ history(person, "glucose", "4h") }}  recent numeric readings of a signal
//
// Rendering is fail-soft (the original text is kept on error) and boolean
// evaluation is fail-closed (errors evaluate to false).
package evalctx
