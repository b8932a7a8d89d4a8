package evalctx

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"sync"

	"github.com/flosch/pongo2/v6"
)

// RenderError reports a template that failed to compile or execute.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %q: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// BestEffort unwraps a render result, falling back to the original text
// when rendering failed. The failure is logged.
func BestEffort(rendered string, err error, original string, logger *slog.Logger) string {
	if err != nil {
		logger.Warn("render failed, keeping original text", "template", original, "error", err)
		return original
	}
	return rendered
}

// templates caches compiled templates by source text.
var templates sync.Map

// nowKey holds the context clock's time during a render. A bare
// |timediff filter is compiled as |timediff:nowKey so that it measures
// against that clock.
const nowKey = "careflow_now"

var bareTimediff = regexp.MustCompile(`\|\s*timediff\b(\s*:)?`)

// identifier matches the top-level keys pongo2 accepts in a context.
var identifier = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

func bindTimediffClock(src string) string {
	return bareTimediff.ReplaceAllStringFunc(src, func(m string) string {
		if strings.HasSuffix(m, ":") {
			return m
		}
		return m + ":" + nowKey
	})
}

func compileTemplate(src string) (*pongo2.Template, error) {
	if tpl, ok := templates.Load(src); ok {
		return tpl.(*pongo2.Template), nil
	}
	tpl, err := pongo2.FromString("{% autoescape off %}" + bindTimediffClock(src) + "{% endautoescape %}")
	if err != nil {
		return nil, err
	}
	templates.Store(src, tpl)
	return tpl, nil
}

// hasTemplateSyntax reports whether src contains any template markup.
// Text without markup renders to itself.
func hasTemplateSyntax(src string) bool {
	return strings.Contains(src, "{{") || strings.Contains(src, "{%") || strings.Contains(src, "{#")
}

// RenderString renders one template against the context.
func (c *Context) RenderString(ctx context.Context, src string) (out string, err error) {
	if !hasTemplateSyntax(src) {
		return src, nil
	}
	tpl, err := compileTemplate(src)
	if err != nil {
		return "", &RenderError{Template: src, Err: err}
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = "", &RenderError{Template: src, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	rendered, execErr := tpl.Execute(c.templateContext(ctx))
	if execErr != nil {
		return "", &RenderError{Template: src, Err: execErr}
	}
	return rendered, nil
}

// Render substitutes templates recursively through strings, sequences and
// mappings (mapping keys included). Failed strings are kept unmodified.
func (c *Context) Render(ctx context.Context, content any) any {
	switch v := content.(type) {
	case string:
		rendered, err := c.RenderString(ctx, v)
		return BestEffort(rendered, err, v, c.logger)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = c.Render(ctx, item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			renderedKey, err := c.RenderString(ctx, key)
			out[BestEffort(renderedKey, err, key, c.logger)] = c.Render(ctx, item)
		}
		return out
	default:
		return content
	}
}

// Evaluate renders a boolean template and reports whether the output is
// exactly "True". Rendering errors evaluate to false.
func (c *Context) Evaluate(ctx context.Context, expr string) bool {
	out, err := c.RenderString(ctx, expr)
	if err != nil {
		c.logger.Debug("condition failed to render", "condition", expr, "error", err)
		return false
	}
	return out == "True"
}

// templateContext builds the pongo2 context: the data tree plus the
// evaluator functions. Top-level keys that are not identifiers cannot be
// referenced from a template and would make pongo2 reject the whole
// context, so they are left out.
func (c *Context) templateContext(ctx context.Context) pongo2.Context {
	if c.view == nil {
		c.view = templateView(c.data).(map[string]any)
	}
	tc := make(pongo2.Context, len(c.view)+4)
	for k, v := range c.view {
		if !identifier.MatchString(k) {
			c.logger.Debug("context key hidden from templates", "key", k)
			continue
		}
		tc[k] = v
	}
	tc[nowKey] = c.now()
	tc["np"] = npFunc
	tc["timediff"] = c.timediffFunc
	tc["history"] = c.historyFunc(ctx)
	return tc
}

// templateView copies the tree, turning integral floats into integers so
// that numbers print without a fraction and compare equal to integer
// literals.
func templateView(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = templateView(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = templateView(item)
		}
		return out
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return int64(val)
		}
		return val
	default:
		return v
	}
}
