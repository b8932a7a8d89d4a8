// Package harness runs policy scenarios against the real engine.
//
// A scenario stores resources and CUE policies in a fresh in-memory
// database, then feeds message and data rows through the engine on a
// fixed clock. Rows the handlers publish are captured by an in-memory
// publisher. Scheduler deliveries are driven by "deliver" flow steps, and
// the internal messages they publish are fed back through the engine the
// way serve consumes its own message topic.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: glucose_high
//	description: "High readings alert the member once per hold window"
//	policies:
//	  - ../policies/glucose.cue
//	start: "2024-03-01T09:00:00Z"
//	system_phone: "+15559999"
//	resources:
//	  - id: group/clinic
//	    doc: { policies: [glucose] }
//	  - id: person/ann
//	    doc: { identifiers: [{ type: phone, value: "+15550001" }] }
//	    parents: [group/clinic]
//	    points:
//	      - { ago: 2h, name: glucose, number: 140 }
//	flow:
//	  - data: { source: person/ann, data: [{ name: glucose, number: 290 }] }
//	    expect:
//	      fired: [high]
//	  - after: 30m
//	    data: { source: person/ann, data: [{ name: glucose, number: 300 }] }
//	    expect:
//	      skipped: [high]
//	  - after: 1d
//	    deliver: true
//	assertions:
//	  - type: trace_count
//	    action: high
//	    count: 1
//	  - type: published
//	    topic: message
//	    expect: { status: sent }
//	  - type: final_state
//	    resource: person/ann
//	    expect: { status: active }
//
// Message and data rows use their topic form. Resource ids may be given
// as "type/value" strings. A missing time defaults to the scenario clock
// and a missing message status to "received".
//
// # Assertion Types
//
//   - trace_contains: a fired action whose context update contains args
//   - trace_order: actions first fire in the given order
//   - trace_count: an action fires exactly N times
//   - final_state: a stored resource document contains expect
//   - published: rows on a topic contain expect (exactly count, or at least one)
//
// # Deterministic Testing
//
// The harness uses:
//   - A fixed clock (testutil.FixedClock) moved only by "after"
//   - Sequential task and generated ids (testutil.SequenceIDs)
//   - First-entry selection for random content
//   - An in-memory SQLite database (isolated per run)
//
// This ensures identical traces across runs for golden file comparison.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/glucose_high.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, msg := range result.Errors {
//	        log.Println(msg)
//	    }
//	}
package harness
