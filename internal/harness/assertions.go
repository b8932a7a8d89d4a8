package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFired actions:\n")
		for _, event := range e.Trace {
			if event.Type == TraceFired {
				fmt.Fprintf(&buf, "  [%d] step %d %s %v\n", event.Seq, event.Step, event.ActionID, event.ContextUpdate)
			}
		}
	}

	return buf.String()
}

// assertTraceContains checks that a firing of Action has a context
// update containing Args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	want, err := ir.NormalizeMap(assertion.Args)
	if err != nil {
		return fmt.Errorf("trace_contains args: %w", err)
	}
	for _, event := range trace {
		if event.Type != TraceFired || event.ActionID != assertion.Action {
			continue
		}
		got, err := ir.NormalizeMap(event.ContextUpdate)
		if err != nil {
			continue
		}
		if subsetDiff(want, got) == "" {
			return nil
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with context update %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks that actions first fired in the given order.
// Intervening actions are allowed.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if event.Type != TraceFired {
			continue
		}
		if slices.Contains(assertion.Actions, event.ActionID) && positions[event.ActionID] == 0 {
			positions[event.ActionID] = i + 1
		}
	}

	for _, action := range assertion.Actions {
		if positions[action] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all actions fired: %v", assertion.Actions),
				Actual:   fmt.Sprintf("missing action: %s", action),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Actions); i++ {
		prev := assertion.Actions[i-1]
		curr := assertion.Actions[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}

	return nil
}

// assertTraceCount checks the action fired exactly Count times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == TraceFired && event.ActionID == assertion.Action {
			count++
		}
	}

	want := 0
	if assertion.Count != nil {
		want = *assertion.Count
	}
	if count != want {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d firings of %s", want, assertion.Action),
			Actual:   fmt.Sprintf("%d firings", count),
			Trace:    trace,
		}
	}

	return nil
}

// assertFinalState checks that the stored resource document contains
// the expected values (subset match).
func assertFinalState(ctx context.Context, st *store.Store, assertion Assertion) error {
	id, err := ir.ParseResourceID(assertion.Resource)
	if err != nil {
		return err
	}
	doc, ok, err := st.GetResource(ctx, id)
	if err != nil {
		return fmt.Errorf("final_state: %w", err)
	}
	if !ok {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("resource %s", assertion.Resource),
			Actual:   "not found",
		}
	}

	want, err := ir.NormalizeMap(assertion.Expect)
	if err != nil {
		return fmt.Errorf("final_state expect: %w", err)
	}
	got, err := ir.NormalizeMap(doc)
	if err != nil {
		return fmt.Errorf("final_state document: %w", err)
	}
	if diff := subsetDiff(want, got); diff != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s to contain %v", assertion.Resource, assertion.Expect),
			Actual:   diff,
		}
	}
	return nil
}

// assertPublished counts rows published to Topic whose payload contains
// Expect (subset match). Without Count, at least one row must match.
func assertPublished(pub *publish.Memory, assertion Assertion) error {
	want, err := ir.NormalizeMap(assertion.Expect)
	if err != nil {
		return fmt.Errorf("published expect: %w", err)
	}

	count := 0
	for _, msg := range pub.Published(assertion.Topic) {
		var got map[string]any
		if err := json.Unmarshal(msg.Payload, &got); err != nil {
			continue
		}
		if subsetDiff(want, got) == "" {
			count++
		}
	}

	switch {
	case assertion.Count != nil && count != *assertion.Count:
		return &AssertionError{
			Type:     AssertPublished,
			Expected: fmt.Sprintf("%d rows on %s matching %v", *assertion.Count, assertion.Topic, assertion.Expect),
			Actual:   fmt.Sprintf("%d rows", count),
		}
	case assertion.Count == nil && count == 0:
		return &AssertionError{
			Type:     AssertPublished,
			Expected: fmt.Sprintf("a row on %s matching %v", assertion.Topic, assertion.Expect),
			Actual:   "none",
		}
	}
	return nil
}

// subsetDiff reports how got fails to contain want. Mappings match
// recursively on want's keys; every other value must be equal. An empty
// result means want is a subset of got.
func subsetDiff(want, got map[string]any) string {
	var diffs []string
	collectDiffs("", want, got, &diffs)
	return strings.Join(diffs, "; ")
}

func collectDiffs(path string, want, got map[string]any, diffs *[]string) {
	for _, key := range slices.Sorted(maps.Keys(want)) {
		p := key
		if path != "" {
			p = path + "." + key
		}
		g, ok := got[key]
		if !ok {
			*diffs = append(*diffs, fmt.Sprintf("%s: missing", p))
			continue
		}
		wm, wantMap := want[key].(map[string]any)
		gm, gotMap := g.(map[string]any)
		if wantMap && gotMap {
			collectDiffs(p, wm, gm, diffs)
			continue
		}
		if d := cmp.Diff(want[key], g); d != "" {
			*diffs = append(*diffs, fmt.Sprintf("%s: (-want +got)\n%s", p, d))
		}
	}
}

// AssertionContext provides context for evaluating assertions.
type AssertionContext struct {
	Store     *store.Store
	Publisher *publish.Memory
	Ctx       context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
// The actx parameter provides database and publisher access for
// final_state and published assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertFinalState:
			if actx == nil || actx.Store == nil {
				err = fmt.Errorf("assertion[%d]: final_state requires database context", i)
			} else {
				err = assertFinalState(actx.Ctx, actx.Store, assertion)
			}
		case AssertPublished:
			if actx == nil || actx.Publisher == nil {
				err = fmt.Errorf("assertion[%d]: published requires a publisher", i)
			} else {
				err = assertPublished(actx.Publisher, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
