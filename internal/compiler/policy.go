// Package compiler turns CUE policy definitions into validated ir.Policy
// values.
//
// A policy file declares one or more policies under the "policy" field:
//
//	policy: glucose: {
//		actions: [{
//			id:        "slope"
//			type:      "SimplePatternCheck"
//			priority:  2
//			condition: "{{ data.source.type == \"dexcom\" }}"
//			hold_secs: 3600
//			params: {person_id: "$data.source", name: "glucose", seconds: 14400, max_threshold: 30}
//		}]
//	}
package compiler

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/careflow/internal/ir"
)

// CompilePolicy parses a CUE value into a Policy. The policy id is the
// value's struct label.
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`policy: intake: { actions: [...] }`)
//	p, err := CompilePolicy(v.LookupPath(cue.ParsePath("policy.intake")))
func CompilePolicy(v cue.Value) (*ir.Policy, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	p := &ir.Policy{}
	labels := v.Path().Selectors()
	if len(labels) > 0 {
		p.ID = unquote(labels[len(labels)-1].String())
	}

	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return nil, &CompileError{
			Field:   "actions",
			Message: "actions is required",
			Pos:     v.Pos(),
		}
	}
	iter, err := actionsVal.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		a, err := compileAction(iter.Value())
		if err != nil {
			return nil, err
		}
		p.Actions = append(p.Actions, a)
	}
	if len(p.Actions) == 0 {
		return nil, &CompileError{
			Field:   "actions",
			Message: "at least one action is required",
			Pos:     actionsVal.Pos(),
		}
	}
	return p, nil
}

// compileAction decodes one concrete action struct. Fields the engine
// does not interpret are kept in Action.Extra.
func compileAction(v cue.Value) (ir.Action, error) {
	for _, field := range []string{"id", "type"} {
		fv := v.LookupPath(cue.ParsePath(field))
		if !fv.Exists() {
			return ir.Action{}, &CompileError{
				Field:   field,
				Message: field + " is required",
				Pos:     v.Pos(),
			}
		}
		if _, err := fv.String(); err != nil {
			return ir.Action{}, &CompileError{
				Field:   field,
				Message: field + " must be a string",
				Pos:     fv.Pos(),
			}
		}
	}

	if err := v.Validate(cue.Concrete(true)); err != nil {
		return ir.Action{}, formatCUEError(err)
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return ir.Action{}, formatCUEError(err)
	}
	var a ir.Action
	if err := json.Unmarshal(data, &a); err != nil {
		return ir.Action{}, &CompileError{
			Field:   "action",
			Message: err.Error(),
			Pos:     v.Pos(),
		}
	}
	if a.Params != nil {
		params, err := ir.NormalizeMap(a.Params)
		if err != nil {
			return ir.Action{}, &CompileError{Field: "params", Message: err.Error(), Pos: v.Pos()}
		}
		a.Params = params
	}
	return a, nil
}

func unquote(label string) string {
	if len(label) >= 2 && label[0] == '"' && label[len(label)-1] == '"' {
		var s string
		if json.Unmarshal([]byte(label), &s) == nil {
			return s
		}
	}
	return label
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	ce := &CompileError{Field: "cue", Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
