package harness

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAssertGolden_Handbuilt(t *testing.T) {
	result := NewResult()
	result.add(TraceEvent{Type: TraceFired, ActionID: "high", ContentID: "0", ContextUpdate: map[string]any{"help": true}})
	result.add(TraceEvent{Type: TracePublished, Topic: "message", Payload: map[string]any{"status": "sent"}})
	result.add(TraceEvent{Type: TraceDelivered, Step: 1, ActionID: "checkin", Recipients: []string{"person/ann"}})

	require.NoError(t, AssertGolden(t, "handbuilt", result))
}

func TestTraceSnapshot_CanonicalOmitsEmptyFields(t *testing.T) {
	snap := &TraceSnapshot{ScenarioName: "s", Trace: []TraceEvent{{Type: TraceSkipped, Seq: 1, ActionID: "a", Reason: "hold"}}}
	data, err := snap.canonical()
	require.NoError(t, err)
	require.Equal(t,
		`{"scenario_name":"s","trace":[{"action_id":"a","reason":"hold","seq":1,"step":0,"type":"skipped"}]}`,
		string(data))
}
