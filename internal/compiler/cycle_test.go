package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
)

func runAction(id, policy string, actions any) ir.Action {
	return ir.Action{
		ID:     id,
		Type:   runActionType,
		Params: map[string]any{"policy": policy, "actions": actions, "target_id": "$sender"},
	}
}

func TestAnalyzeCycles_Empty(t *testing.T) {
	assert.Empty(t, AnalyzeCycles(nil), "no policies should produce no warnings")
}

func TestAnalyzeCycles_DAG(t *testing.T) {
	policies := []ir.Policy{
		{ID: "onboarding", Actions: []ir.Action{
			runAction("start", "onboarding", "welcome, checkin"),
			{ID: "welcome", Type: "Message"},
			{ID: "checkin", Type: "Message"},
		}},
	}

	assert.Empty(t, AnalyzeCycles(policies))
}

func TestAnalyzeCycles_SelfLoop(t *testing.T) {
	policies := []ir.Policy{
		{ID: "daily", Actions: []ir.Action{runAction("again", "daily", "again")}},
	}

	warnings := AnalyzeCycles(policies)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"daily/again", "daily/again"}, warnings[0].Path)
	assert.Equal(t, "warning", warnings[0].Level)
	assert.Contains(t, warnings[0].Message, "Self-scheduling")
}

func TestAnalyzeCycles_AcrossPolicies(t *testing.T) {
	policies := []ir.Policy{
		{ID: "a", Actions: []ir.Action{runAction("ping", "b", []any{"pong"})}},
		{ID: "b", Actions: []ir.Action{
			runAction("pong", "a", "ping"),
			{ID: "noop", Type: "Message"},
		}},
	}

	warnings := AnalyzeCycles(policies)
	require.Len(t, warnings, 1)
	assert.Equal(t, []string{"a/ping", "b/pong", "a/ping"}, warnings[0].Path)
	assert.Contains(t, warnings[0].Message, "a/ping → b/pong → a/ping")
}

func TestAnalyzeCycles_TemplateTargetsIgnored(t *testing.T) {
	policies := []ir.Policy{
		{ID: "p", Actions: []ir.Action{
			runAction("dyn", "{{ context.policy }}", "dyn"),
			runAction("ref", "p", "$context.next"),
		}},
	}

	assert.Empty(t, AnalyzeCycles(policies))
}

func TestAnalyzeCycles_Deterministic(t *testing.T) {
	policies := []ir.Policy{
		{ID: "x", Actions: []ir.Action{
			runAction("one", "x", "two"),
			runAction("two", "x", "three"),
			runAction("three", "x", "one"),
			runAction("solo", "x", "solo"),
		}},
	}

	first := AnalyzeCycles(policies)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AnalyzeCycles(policies))
	}
	require.Len(t, first, 2)
	assert.Equal(t, []string{"x/one", "x/two", "x/three", "x/one"}, first[0].Path)
	assert.Equal(t, []string{"x/solo", "x/solo"}, first[1].Path)
}
