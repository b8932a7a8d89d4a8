package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const harnessScenarios = "../harness/testdata/scenarios"

const greetScenario = `name: greet
description: "A greeting sets the greeted flag"
policies:
  - ../policies/greet.cue
system_phone: "+15559999"
resources:
  - id: group/clinic
    doc: { policies: [greet] }
  - id: person/ann
    doc:
      task_id: seeded
      identifiers: [{ type: phone, value: "+15550001" }]
    parents: [group/clinic]
flow:
  - message:
      sender: phone/+15550001
      receiver: phone/+15559999
      content: "Hi!"
    expect:
      fired: [hello]
assertions:
  - type: trace_contains
    action: hello
    args: { greeted: true }
`

// greetSuite writes the greet policy and scenario into a temp directory
// and returns the scenarios directory.
func greetSuite(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "policies", "greet.cue"), greetPolicy)
	writeFile(t, filepath.Join(dir, "scenarios", "greet.yaml"), greetScenario)
	return filepath.Join(dir, "scenarios")
}

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := execute(NewTestCommand(&RootOptions{Format: "text"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_NonExistentDir(t *testing.T) {
	_, err := execute(NewTestCommand(&RootOptions{Format: "text"}), "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found")
}

func TestTestCommand_BundledScenarios(t *testing.T) {
	out, err := execute(NewTestCommand(&RootOptions{Format: "json"}), harnessScenarios)
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 4, resp.Data.Total)
	assert.Equal(t, 4, resp.Data.Passed)
	for _, s := range resp.Data.Scenarios {
		assert.True(t, s.Pass, "%s: %v", s.Name, s.Errors)
	}
}

func TestTestCommand_Filter(t *testing.T) {
	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), "--filter", "glucose_*", harnessScenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ glucose_alert")
	assert.Contains(t, out, "✓ glucose_trend")
	assert.NotContains(t, out, "run_action")
	assert.Contains(t, out, "Test Summary: 2 passed, 0 failed, 2 total")
}

func TestTestCommand_GoldenUpdateThenMatch(t *testing.T) {
	scenarios := greetSuite(t)
	golden := filepath.Join(scenarios, "golden", "greet.golden")

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), "--update", scenarios)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ greet (golden updated)")
	require.FileExists(t, golden)

	out, err = execute(NewTestCommand(&RootOptions{Format: "json"}), scenarios)
	require.NoError(t, err)
	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "match", resp.Data.Scenarios[0].Golden)
}

func TestTestCommand_GoldenMismatch(t *testing.T) {
	scenarios := greetSuite(t)
	writeFile(t, filepath.Join(scenarios, "golden", "greet.golden"), `{"scenario_name":"greet","trace":[]}`)

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ greet")
	assert.Contains(t, out, "trace differs from")
	assert.Contains(t, out, "Test Summary: 0 passed, 1 failed, 1 total")
}

func TestTestCommand_FailingScenario(t *testing.T) {
	scenarios := greetSuite(t)
	body, err := os.ReadFile(filepath.Join(scenarios, "greet.yaml"))
	require.NoError(t, err)
	writeFile(t, filepath.Join(scenarios, "greet.yaml"),
		string(body)+"  - type: trace_count\n    action: hello\n    count: 2\n")

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), scenarios)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "2 firings of hello")
}

func TestTestCommand_LoadError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.yaml"), "name: broken\n")

	out, err := execute(NewTestCommand(&RootOptions{Format: "text"}), dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "failed to load scenario")
}
