// Package rules decides whether an action activates for the current
// event context.
//
// An action activates through one of two predicates:
//
//   - a template condition, true only when it renders to "True"
//   - a weighted rule list, true once matching weights reach
//     ir.ActivationThreshold
//
// An action with neither always activates.
package rules

import (
	"context"
	"log/slog"
	"regexp"
	"sync"

	"github.com/roach88/careflow/internal/evalctx"
	"github.com/roach88/careflow/internal/ir"
)

// Matcher evaluates activation predicates. It is safe for concurrent use;
// compiled patterns are shared across events.
type Matcher struct {
	logger   *slog.Logger
	patterns sync.Map // pattern string -> *regexp.Regexp
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithLogger sets the matcher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Matcher) {
		m.logger = l
	}
}

// NewMatcher creates a Matcher.
func NewMatcher(opts ...Option) *Matcher {
	m := &Matcher{logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Matches reports whether the action activates against ec.
//
// Weighted rules are evaluated in declaration order. Regex rules match from
// the start of the value, not anywhere in it. A matching regex rule
// binds its match groups under the rule's MatchKey before the next rule
// runs, so later rules (and later parameter resolution) can refer to them.
func (m *Matcher) Matches(ctx context.Context, a ir.Action, ec *evalctx.Context) bool {
	switch p := a.Activation().(type) {
	case nil:
		return true
	case ir.TemplatePredicate:
		return ec.Evaluate(ctx, p.Expr)
	case ir.WeightedRules:
		return m.Score(p.Rules, ec) >= ir.ActivationThreshold
	default:
		m.logger.Warn("unknown activation predicate", "action_id", a.ID)
		return false
	}
}

// Score returns the summed weight of the matching rules.
func (m *Matcher) Score(rules []ir.Rule, ec *evalctx.Context) int {
	total := 0
	for _, r := range rules {
		if m.matchRule(r, ec) {
			total += r.Weight
		}
	}
	return total
}

func (m *Matcher) matchRule(r ir.Rule, ec *evalctx.Context) bool {
	value, found := ec.Lookup(r.Name)

	switch r.Compare {
	case ir.CompareStr:
		s, ok := value.(string)
		want, wok := r.Value.(string)
		return found && ok && wok && s == want

	case ir.CompareRegex:
		s, ok := value.(string)
		if !found || !ok {
			return false
		}
		re, err := m.compile(r.Value)
		if err != nil {
			m.logger.Warn("rule pattern invalid", "rule", r.Name, "error", err)
			return false
		}
		groups := re.FindStringSubmatch(s)
		if groups == nil || groups[0] == "" {
			return false
		}
		bound := make([]any, len(groups))
		for i, g := range groups {
			bound[i] = g
		}
		ec.Set(r.MatchKey(), bound)
		return true

	case ir.CompareNumber:
		got, ok := ir.ToFloat(value)
		if !found || !ok {
			return false
		}
		want, ok := ir.ToFloat(r.Value)
		return ok && got == want

	case ir.CompareIsNull:
		return !found || value == nil

	case ir.CompareNotNull:
		return found && value != nil
	}

	m.logger.Warn("unknown rule compare", "rule", r.Name, "compare", string(r.Compare))
	return false
}

func (m *Matcher) compile(pattern any) (*regexp.Regexp, error) {
	src, _ := pattern.(string)
	if re, ok := m.patterns.Load(src); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(`^(?:` + src + `)`)
	if err != nil {
		return nil, err
	}
	m.patterns.Store(src, re)
	return re, nil
}
