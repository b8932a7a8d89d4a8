package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/careflow/internal/evalctx"
	"github.com/roach88/careflow/internal/ir"
)

// DefaultStart is the scenario clock start when none is given.
var DefaultStart = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Scenario defines a policy scenario: stored resources and policies, a
// flow of inbound events and scheduler deliveries, and assertions on the
// resulting trace and final documents.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Policies lists CUE policy files to compile and store.
	// Paths are relative to the scenario file location.
	Policies []string `yaml:"policies,omitempty"`

	// Start is the RFC 3339 time the scenario clock starts at.
	Start string `yaml:"start,omitempty"`

	SystemPhone string   `yaml:"system_phone,omitempty"`
	ProxyPhones []string `yaml:"proxy_phones,omitempty"`

	// Loopback feeds every published row back through the engine, the way
	// serve consumes its own topics. Without it, published data rows are
	// only recorded as time-series points.
	Loopback bool `yaml:"loopback,omitempty"`

	// Resources are stored before the flow runs.
	Resources []ResourceStep `yaml:"resources,omitempty"`

	// Flow is the sequence of events and deliveries.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the final trace and stored documents.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// ResourceStep stores one person or group with its relations, own
// actions and seed readings.
type ResourceStep struct {
	// ID is "type/value", e.g. "person/ann".
	ID      string           `yaml:"id"`
	Doc     map[string]any   `yaml:"doc,omitempty"`
	Parents []string         `yaml:"parents,omitempty"`
	Actions []map[string]any `yaml:"actions,omitempty"`
	Points  []PointStep      `yaml:"points,omitempty"`
}

// PointStep is a seed reading recorded Ago before the scenario start.
type PointStep struct {
	Ago    string   `yaml:"ago"`
	Name   string   `yaml:"name"`
	Number *float64 `yaml:"number,omitempty"`
	Value  string   `yaml:"value,omitempty"`
	Tags   []string `yaml:"tags,omitempty"`
}

// FlowStep is one step of the flow. Exactly one of Message, Data or
// Deliver is set.
type FlowStep struct {
	// After advances the clock before the step ("15m", "2h", "1d").
	After string `yaml:"after,omitempty"`

	// Message is a message row in its topic form.
	Message map[string]any `yaml:"message,omitempty"`

	// Data is a data row in its topic form.
	Data map[string]any `yaml:"data,omitempty"`

	// Deliver claims and delivers every task due at the current time.
	Deliver bool `yaml:"deliver,omitempty"`

	// Expect checks the step's own outcome.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause checks one event step.
type ExpectClause struct {
	// Fired is the exact order of fired actions.
	Fired []string `yaml:"fired,omitempty"`

	// Quiet asserts that nothing fired.
	Quiet bool `yaml:"quiet,omitempty"`

	// Skipped and Failed list action ids that must appear among the
	// skipped or failed candidates.
	Skipped []string `yaml:"skipped,omitempty"`
	Failed  []string `yaml:"failed,omitempty"`

	// Context is a subset match against the final evaluation context.
	Context map[string]any `yaml:"context,omitempty"`
}

// Assertion validates the trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the action id (trace_contains, trace_count).
	Action string `yaml:"action,omitempty"`

	// Args is a subset match on the fired action's context update
	// (trace_contains).
	Args map[string]any `yaml:"args,omitempty"`

	// Count is the expected number of occurrences (trace_count,
	// published).
	Count *int `yaml:"count,omitempty"`

	// Actions is the expected fired order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Resource is the "type/value" id checked by final_state.
	Resource string `yaml:"resource,omitempty"`

	// Topic selects rows for published.
	Topic string `yaml:"topic,omitempty"`

	// Expect is a subset match on the document (final_state) or on each
	// counted row (published).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertFinalState    = "final_state"
	AssertPublished     = "published"
)

// LoadScenario reads and parses a scenario YAML file. Policy paths are
// resolved relative to the file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i, p := range scenario.Policies {
		if !filepath.IsAbs(p) {
			scenario.Policies[i] = filepath.Join(base, p)
		}
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// StartTime returns the parsed scenario start.
func (s *Scenario) StartTime() (time.Time, error) {
	if s.Start == "" {
		return DefaultStart, nil
	}
	t, err := time.Parse(time.RFC3339, s.Start)
	if err != nil {
		return time.Time{}, fmt.Errorf("start: %w", err)
	}
	return t.UTC(), nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if _, err := s.StartTime(); err != nil {
		return err
	}

	for _, p := range s.Policies {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return fmt.Errorf("policy file not found: %s", p)
		}
	}

	for i, r := range s.Resources {
		if _, err := ir.ParseResourceID(r.ID); err != nil {
			return fmt.Errorf("resources[%d]: %w", i, err)
		}
		for _, parent := range r.Parents {
			if _, err := ir.ParseResourceID(parent); err != nil {
				return fmt.Errorf("resources[%d].parents: %w", i, err)
			}
		}
		for j, p := range r.Points {
			if p.Name == "" {
				return fmt.Errorf("resources[%d].points[%d]: name is required", i, j)
			}
			if _, err := evalctx.ParseDurationSpec(p.Ago); err != nil {
				return fmt.Errorf("resources[%d].points[%d]: %w", i, j, err)
			}
		}
	}

	for i, step := range s.Flow {
		kinds := 0
		if step.Message != nil {
			kinds++
		}
		if step.Data != nil {
			kinds++
		}
		if step.Deliver {
			kinds++
		}
		if kinds != 1 {
			return fmt.Errorf("flow[%d]: exactly one of message, data or deliver is required", i)
		}
		if step.After != "" {
			if _, err := evalctx.ParseDurationSpec(step.After); err != nil {
				return fmt.Errorf("flow[%d].after: %w", i, err)
			}
		}
		if step.Expect != nil && step.Expect.Quiet && len(step.Expect.Fired) > 0 {
			return fmt.Errorf("flow[%d].expect: quiet and fired are exclusive", i)
		}
	}

	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if _, err := ir.ParseResourceID(a.Resource); err != nil {
			return fmt.Errorf("assertions[%d]: final_state: %w", index, err)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertPublished:
		if a.Topic == "" {
			return fmt.Errorf("assertions[%d]: topic is required for published", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
