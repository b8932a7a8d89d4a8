package compiler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/scheduler"
)

// Validation error codes (E100-E199)
const (
	// Policy errors (E101-E102)
	ErrPolicyMissingID = "E101" // policy id is required
	ErrPolicyNoActions = "E102" // at least one action required

	// Action errors (E103-E119)
	ErrActionMissingID   = "E103" // action id is required
	ErrActionMissingType = "E104" // action type is required
	ErrDuplicateID       = "E105" // duplicate action id within a policy
	ErrBothActivations   = "E106" // condition and rules are exclusive
	ErrInvalidCompare    = "E107" // unknown rule compare kind
	ErrInvalidSchedule   = "E108" // cron expression does not parse
	ErrInvalidTimezone   = "E109" // timezone without schedule or unknown zone
	ErrInvalidRulePart   = "E110" // rule name missing or regex does not compile
	ErrUnknownType       = "E111" // action type has no registered handler
	ErrInvalidLimit      = "E112" // negative hold_secs or maxrun below one
	ErrMixedTriggers     = "E113" // scheduled and reactive actions in one policy
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a compiled policy and returns every problem found.
// When knownTypes is non-empty, action types outside it are rejected.
func Validate(p ir.Policy, knownTypes ...string) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "policy id is required",
			Code:    ErrPolicyMissingID,
		})
	}
	if len(p.Actions) == 0 {
		errs = append(errs, ValidationError{
			Field:   "actions",
			Message: "at least one action is required",
			Code:    ErrPolicyNoActions,
		})
	}

	seen := make(map[string]bool)
	scheduled := 0
	for i, a := range p.Actions {
		if a.IsScheduled() {
			scheduled++
		}
		field := fmt.Sprintf("actions[%d]", i)
		if a.ID != "" {
			field = fmt.Sprintf("actions[%s]", a.ID)
		}

		if strings.TrimSpace(a.ID) == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: "action id is required",
				Code:    ErrActionMissingID,
			})
		} else if seen[a.ID] {
			errs = append(errs, ValidationError{
				Field:   field + ".id",
				Message: fmt.Sprintf("duplicate action id %q", a.ID),
				Code:    ErrDuplicateID,
			})
		}
		seen[a.ID] = true

		errs = append(errs, validateAction(field, a, knownTypes)...)
	}

	if scheduled > 0 && scheduled < len(p.Actions) {
		errs = append(errs, ValidationError{
			Field:   "actions",
			Message: fmt.Sprintf("%d of %d actions are scheduled; a policy must be all scheduled or all reactive", scheduled, len(p.Actions)),
			Code:    ErrMixedTriggers,
		})
	}

	return errs
}

// ValidateAction checks a single action outside of a policy, such as one
// attached directly to a resource.
func ValidateAction(a ir.Action, knownTypes ...string) []ValidationError {
	var errs []ValidationError
	if strings.TrimSpace(a.ID) == "" {
		errs = append(errs, ValidationError{
			Field:   "id",
			Message: "action id is required",
			Code:    ErrActionMissingID,
		})
	}
	return append(errs, validateAction("action", a, knownTypes)...)
}

func validateAction(field string, a ir.Action, knownTypes []string) []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(a.Type) == "" {
		errs = append(errs, ValidationError{
			Field:   field + ".type",
			Message: "action type is required",
			Code:    ErrActionMissingType,
		})
	} else if len(knownTypes) > 0 && !slices.Contains(knownTypes, a.Type) {
		errs = append(errs, ValidationError{
			Field:   field + ".type",
			Message: fmt.Sprintf("unknown action type %q", a.Type),
			Code:    ErrUnknownType,
		})
	}

	if a.Condition != "" && len(a.Rules) > 0 {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: "condition and rules cannot both be set",
			Code:    ErrBothActivations,
		})
	}

	for j, r := range a.Rules {
		rf := fmt.Sprintf("%s.rules[%d]", field, j)
		if strings.TrimSpace(r.Name) == "" {
			errs = append(errs, ValidationError{
				Field:   rf + ".name",
				Message: "rule name is required",
				Code:    ErrInvalidRulePart,
			})
		}
		if !ir.ValidCompareKinds[r.Compare] {
			errs = append(errs, ValidationError{
				Field:   rf + ".compare",
				Message: fmt.Sprintf("unknown compare kind %q (expected str, regex, number, isnull or notnull)", r.Compare),
				Code:    ErrInvalidCompare,
			})
			continue
		}
		if r.Compare == ir.CompareRegex {
			pattern, _ := r.Value.(string)
			if _, err := regexp.Compile(pattern); err != nil {
				errs = append(errs, ValidationError{
					Field:   rf + ".value",
					Message: fmt.Sprintf("invalid regex: %v", err),
					Code:    ErrInvalidRulePart,
				})
			}
		}
	}

	switch {
	case a.Schedule != "":
		if err := scheduler.ValidateSchedule(a.Schedule, a.Timezone); err != nil {
			code := ErrInvalidSchedule
			if _, tzErr := scheduler.LoadLocation(a.Timezone); tzErr != nil {
				code = ErrInvalidTimezone
			}
			errs = append(errs, ValidationError{
				Field:   field + ".schedule",
				Message: err.Error(),
				Code:    code,
			})
		}
	case a.Timezone != "":
		errs = append(errs, ValidationError{
			Field:   field + ".timezone",
			Message: "timezone is only meaningful with a schedule",
			Code:    ErrInvalidTimezone,
		})
	}

	if a.HoldSecs != nil && *a.HoldSecs < 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".hold_secs",
			Message: "hold_secs must not be negative",
			Code:    ErrInvalidLimit,
		})
	}
	if a.MaxRun != nil && *a.MaxRun < 1 {
		errs = append(errs, ValidationError{
			Field:   field + ".maxrun",
			Message: "maxrun must be at least 1",
			Code:    ErrInvalidLimit,
		})
	}

	return errs
}
