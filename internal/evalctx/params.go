package evalctx

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"

	"github.com/roach88/careflow/internal/ir"
)

// Param is one parsed action parameter: Literal | VarRef | Concat.
type Param interface {
	param()
}

// Literal is a value used as-is.
type Literal struct {
	Value any
}

// VarRef is a parameter that is exactly one $path token. It resolves to
// the raw context value, keeping its type.
type VarRef struct {
	Path string
}

// Concat is a string mixing literal text and $path tokens. Parts are
// Literal strings and VarRefs.
type Concat struct {
	Parts []Param
}

func (Literal) param() {}
func (VarRef) param()  {}
func (Concat) param()  {}

// Params is a parsed parameter set.
type Params map[string]Param

var tokenPattern = regexp.MustCompile(`\$[A-Za-z0-9_.\-]+`)

// ParseParam parses one raw parameter value. Non-strings and strings
// without tokens are literals.
func ParseParam(raw any) Param {
	s, ok := raw.(string)
	if !ok {
		return Literal{Value: raw}
	}
	locs := tokenPattern.FindAllStringIndex(s, -1)
	if len(locs) == 0 {
		return Literal{Value: s}
	}

	var parts []Param
	last := 0
	for _, loc := range locs {
		start := loc[0]
		// A token never ends in a dot; "$name." is the token plus a
		// sentence full stop.
		end := start + len(strings.TrimRight(s[loc[0]:loc[1]], "."))
		if end-start < 2 {
			continue
		}
		if start > last {
			parts = append(parts, Literal{Value: s[last:start]})
		}
		parts = append(parts, VarRef{Path: s[start+1 : end]})
		last = end
	}
	if last < len(s) {
		parts = append(parts, Literal{Value: s[last:]})
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return Concat{Parts: parts}
}

// ParseParams parses a parameter mapping. Names in exclude are kept as
// literals.
func ParseParams(raw map[string]any, exclude ...string) Params {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}
	out := make(Params, len(raw))
	for name, value := range raw {
		if skip[name] {
			out[name] = Literal{Value: value}
			continue
		}
		out[name] = ParseParam(value)
	}
	return out
}

// Resolve evaluates every parameter against the context.
func (c *Context) Resolve(params Params) map[string]any {
	out := make(map[string]any, len(params))
	for name, p := range params {
		out[name] = c.resolveParam(name, p)
	}
	return out
}

// GetDict parses and resolves raw params in one step.
func (c *Context) GetDict(raw map[string]any, exclude ...string) map[string]any {
	return c.Resolve(ParseParams(raw, exclude...))
}

func (c *Context) resolveParam(name string, p Param) any {
	switch v := p.(type) {
	case Literal:
		return ir.DeepCopy(v.Value)
	case VarRef:
		return c.Get(v.Path)
	case Concat:
		return c.resolveConcat(name, v)
	}
	return nil
}

// resolveConcat interpolates scalars as text. Any structured (or null or
// boolean) value is JSON-encoded into the text and the whole result is
// parsed back as JSON; if that parse fails the text is kept.
func (c *Context) resolveConcat(name string, p Concat) any {
	var b strings.Builder
	needsJSON := false
	for _, part := range p.Parts {
		switch v := part.(type) {
		case Literal:
			s, _ := v.Value.(string)
			b.WriteString(s)
		case VarRef:
			value := c.Get(v.Path)
			switch val := value.(type) {
			case string:
				b.WriteString(val)
			case float64:
				b.WriteString(ir.FormatNumber(val))
			default:
				encoded, err := json.Marshal(val)
				if err != nil {
					c.logger.Warn("param: value not encodable", "param", name, "path", v.Path, "error", err)
					continue
				}
				b.Write(encoded)
				needsJSON = true
			}
		}
	}
	text := b.String()
	if !needsJSON {
		return text
	}
	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		c.logger.Warn("param: JSON re-parse failed, keeping text", "param", name, "value", text, "error", err)
		return text
	}
	return parsed
}

// ParamCache keeps parsed parameter sets per action definition so each
// definition is parsed once.
type ParamCache struct {
	entries sync.Map
}

// Get returns the parsed params for an action, parsing on first use.
func (pc *ParamCache) Get(a ir.Action, exclude ...string) Params {
	key, err := ir.ParamsHash(a.ID, a.Params)
	if err != nil {
		return ParseParams(a.Params, exclude...)
	}
	key += "|" + strings.Join(exclude, ",")
	if cached, ok := pc.entries.Load(key); ok {
		return cached.(Params)
	}
	parsed := ParseParams(a.Params, exclude...)
	pc.entries.Store(key, parsed)
	return parsed
}
