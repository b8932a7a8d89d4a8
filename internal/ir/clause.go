package ir

import (
	"encoding/json"
	"fmt"
)

// ActivationThreshold is the accumulated rule weight at which a
// rule-based action activates.
const ActivationThreshold = 100

// CompareKind selects how a Rule compares the context value.
type CompareKind string

const (
	CompareStr     CompareKind = "str"
	CompareRegex   CompareKind = "regex"
	CompareNumber  CompareKind = "number"
	CompareIsNull  CompareKind = "isnull"
	CompareNotNull CompareKind = "notnull"
)

// ValidCompareKinds lists the supported compare kinds.
var ValidCompareKinds = map[CompareKind]bool{
	CompareStr:     true,
	CompareRegex:   true,
	CompareNumber:  true,
	CompareIsNull:  true,
	CompareNotNull: true,
}

// Rule is one weighted comparator over a context path.
type Rule struct {
	Name    string      `json:"name"`
	Compare CompareKind `json:"compare"`
	Value   any         `json:"value,omitempty"`
	Weight  int         `json:"weight"`
}

// MatchKey is the context path a regex rule binds its match groups to.
func (r Rule) MatchKey() string {
	return r.Name + "_match"
}

// Predicate is the activation predicate of an action. It is a closed sum
// type: TemplatePredicate | WeightedRules.
type Predicate interface {
	predicate()
}

// TemplatePredicate activates when the rendered expression is "True".
type TemplatePredicate struct {
	Expr string
}

// WeightedRules activates when matching rule weights reach
// ActivationThreshold.
type WeightedRules struct {
	Rules []Rule
}

func (TemplatePredicate) predicate() {}
func (WeightedRules) predicate()     {}

// UnmarshalJSON accepts weights encoded as JSON numbers of any form.
func (r *Rule) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name    string      `json:"name"`
		Compare CompareKind `json:"compare"`
		Value   any         `json:"value"`
		Weight  float64     `json:"weight"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode rule: %w", err)
	}
	r.Name = raw.Name
	r.Compare = raw.Compare
	r.Value = raw.Value
	r.Weight = int(raw.Weight)
	return nil
}
