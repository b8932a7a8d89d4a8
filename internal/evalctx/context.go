package evalctx

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
)

// maxPathDepth is the deepest path Lookup resolves.
const maxPathDepth = 4

// Context is the hierarchical per-event value tree.
type Context struct {
	data   map[string]any
	series ports.TimeSeries
	now    func() time.Time
	logger *slog.Logger

	// view caches the template-facing copy of data; nil when stale.
	view map[string]any
}

// Option configures a Context.
type Option func(*Context)

// WithTimeSeries sets the store the history template function reads.
func WithTimeSeries(ts ports.TimeSeries) Option {
	return func(c *Context) {
		c.series = ts
	}
}

// WithClock sets the time source for history windows and timediff.
func WithClock(now func() time.Time) Option {
	return func(c *Context) {
		c.now = now
	}
}

// WithLogger sets the logger used for fail-soft paths.
func WithLogger(l *slog.Logger) Option {
	return func(c *Context) {
		c.logger = l
	}
}

// New creates an empty Context.
func New(opts ...Option) *Context {
	c := &Context{
		data:   make(map[string]any),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set merges value into the node at the dotted path, creating
// intermediate mappings. Redacted keys are dropped at every level.
func (c *Context) Set(path string, value any) {
	if path == "" {
		return
	}
	normalized, err := ir.Normalize(value)
	if err != nil {
		c.logger.Warn("context set: value not representable", "path", path, "error", err)
		return
	}
	segments := strings.Split(path, ".")
	patch := map[string]any{segments[len(segments)-1]: normalized}
	for i := len(segments) - 2; i >= 0; i-- {
		patch = map[string]any{segments[i]: patch}
	}
	merge(c.data, patch)
	c.view = nil
}

// Merge folds a patch (for example a handler's context update) into the
// tree.
func (c *Context) Merge(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	normalized, err := ir.NormalizeMap(patch)
	if err != nil {
		c.logger.Warn("context merge: patch not representable", "error", err)
		return
	}
	merge(c.data, normalized)
	c.view = nil
}

// Lookup resolves a dotted path of at most four segments. Numeric
// segments index sequences. It never fails; a missing key, an index out
// of range or a type mismatch report ok=false.
func (c *Context) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	if len(segments) > maxPathDepth {
		return nil, false
	}
	var cur any = c.data
	for _, seg := range segments {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return ir.DeepCopy(cur), true
}

// Get is Lookup returning nil for missing paths.
func (c *Context) Get(path string) any {
	v, _ := c.Lookup(path)
	return v
}

// GetOr is Lookup returning def for missing paths.
func (c *Context) GetOr(path string, def any) any {
	if v, ok := c.Lookup(path); ok {
		return v
	}
	return def
}

// GetString returns the value at path if it is a string.
func (c *Context) GetString(path string) string {
	s, _ := c.Get(path).(string)
	return s
}

// Clear removes a top-level key. Clearing a missing key is a no-op.
func (c *Context) Clear(key string) {
	if _, ok := c.data[key]; ok {
		delete(c.data, key)
		c.view = nil
	}
}

// Data returns a deep copy of the whole tree.
func (c *Context) Data() map[string]any {
	return ir.DeepCopy(c.data).(map[string]any)
}

// Now returns the context's current time.
func (c *Context) Now() time.Time {
	return c.now()
}
