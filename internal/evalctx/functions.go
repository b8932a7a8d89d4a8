package evalctx

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/flosch/pongo2/v6"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/roach88/careflow/internal/ir"
)

func init() {
	registerFilter("np", filterNP)
	registerFilter("timediff", filterTimediff)
}

func registerFilter(name string, fn pongo2.FilterFunction) {
	if pongo2.FilterExists(name) {
		return
	}
	if err := pongo2.RegisterFilter(name, fn); err != nil {
		panic(err)
	}
}

// numericFunctions are the functions reachable through np. Each receives a
// non-empty sample.
var numericFunctions = map[string]func([]float64) any{
	"mean": func(x []float64) any { return stat.Mean(x, nil) },
	"median": func(x []float64) any {
		s := slices.Clone(x)
		slices.Sort(s)
		mid := len(s) / 2
		if len(s)%2 == 1 {
			return s[mid]
		}
		return (s[mid-1] + s[mid]) / 2
	},
	"std": func(x []float64) any {
		_, std := stat.PopMeanStdDev(x, nil)
		return std
	},
	"var": func(x []float64) any {
		_, variance := stat.PopMeanVariance(x, nil)
		return variance
	},
	"sum":  func(x []float64) any { return floats.Sum(x) },
	"prod": func(x []float64) any { return floats.Prod(x) },
	"min":  func(x []float64) any { return floats.Min(x) },
	"max":  func(x []float64) any { return floats.Max(x) },
	"ptp":  func(x []float64) any { return floats.Max(x) - floats.Min(x) },
	"size": func(x []float64) any { return len(x) },
	"cumsum": func(x []float64) any {
		return floats.CumSum(make([]float64, len(x)), x)
	},
	"diff": func(x []float64) any {
		out := make([]float64, 0, len(x))
		for i := 1; i < len(x); i++ {
			out = append(out, x[i]-x[i-1])
		}
		return out
	},
	"abs": func(x []float64) any {
		out := make([]float64, len(x))
		for i, v := range x {
			out[i] = math.Abs(v)
		}
		return out
	},
}

// applyNumeric applies a named numeric function. Unknown names and
// non-numeric or empty inputs return the input unchanged.
func applyNumeric(value any, name string) any {
	fn, ok := numericFunctions[name]
	if !ok {
		return value
	}
	sample, ok := toFloats(value)
	if !ok || len(sample) == 0 {
		return value
	}
	return fn(sample)
}

func toFloats(v any) ([]float64, bool) {
	switch val := v.(type) {
	case []float64:
		return val, true
	case []any:
		out := make([]float64, 0, len(val))
		for _, item := range val {
			f, ok := ir.ToFloat(item)
			if !ok {
				return nil, false
			}
			out = append(out, f)
		}
		return out, true
	case []int64:
		out := make([]float64, len(val))
		for i, item := range val {
			out[i] = float64(item)
		}
		return out, true
	}
	if f, ok := ir.ToFloat(v); ok && ir.IsScalarNumber(v) {
		return []float64{f}, true
	}
	return nil, false
}

func filterNP(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	return pongo2.AsValue(templateView(applyNumeric(in.Interface(), param.String()))), nil
}

func npFunc(values *pongo2.Value, name *pongo2.Value) *pongo2.Value {
	return pongo2.AsValue(templateView(applyNumeric(values.Interface(), name.String())))
}

// filterTimediff measures from the input to the filter argument. Templates
// are compiled so that a bare |timediff receives the context clock's time.
func filterTimediff(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	end, ok := toTime(param.Interface())
	if !ok {
		return nil, &pongo2.Error{
			Sender:    "filter:timediff",
			OrigError: fmt.Errorf("end time %v is not a time", param.Interface()),
		}
	}
	return pongo2.AsValue(templateView(timediff(in.Interface(), end))), nil
}

func (c *Context) timediffFunc(start *pongo2.Value, end *pongo2.Value) *pongo2.Value {
	until := c.now()
	if !end.IsNil() {
		if t, ok := toTime(end.Interface()); ok {
			until = t
		}
	}
	return pongo2.AsValue(templateView(timediff(start.Interface(), until)))
}

// timediff returns the seconds from start to end. A missing start counts
// from the Unix epoch.
func timediff(start any, end time.Time) float64 {
	from, ok := toTime(start)
	if !ok {
		from = time.Unix(0, 0)
	}
	return end.Sub(from).Seconds()
}

func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	case float64:
		sec, frac := math.Modf(val)
		return time.Unix(int64(sec), int64(frac*1e9)), true
	case int64:
		return time.Unix(val, 0), true
	case int:
		return time.Unix(int64(val), 0), true
	}
	return time.Time{}, false
}

// historyFunc returns the history template function bound to ctx.
func (c *Context) historyFunc(ctx context.Context) func(resource, signal, duration *pongo2.Value) *pongo2.Value {
	return func(resource, signal, duration *pongo2.Value) *pongo2.Value {
		return pongo2.AsValue(c.History(ctx, resource.Interface(), signal.String(), duration.String()))
	}
}

// History returns the numeric readings of signal for the resource over
// the trailing duration, oldest first. Any failure yields an empty list.
func (c *Context) History(ctx context.Context, resource any, signal, duration string) []float64 {
	values := []float64{}
	source, ok := ir.AsResourceID(resource)
	if !ok || signal == "" || c.series == nil {
		return values
	}
	window, err := ParseDurationSpec(duration)
	if err != nil {
		c.logger.Warn("history: bad duration", "duration", duration, "error", err)
		return values
	}
	points, err := c.series.Points(ctx, ir.SeriesQuery{
		Source:  source,
		Name:    signal,
		Since:   c.now().Add(-window),
		Numeric: true,
	})
	if err != nil {
		c.logger.Warn("history: query failed", "source", source.String(), "signal", signal, "error", err)
		return values
	}
	for _, p := range points {
		if p.Number != nil {
			values = append(values, *p.Number)
		}
	}
	return values
}
