package handlers

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

// PatternSlope is the data.pattern value set when a trend is found.
const PatternSlope = "slope"

// simplePatternCheck fits a line through person_id's readings of name
// over the last seconds and flags a slope (per hour) above max_threshold
// or below min_threshold as {data: {pattern: "slope", slope}}.
func (d *Deps) simplePatternCheck(ctx context.Context, req engine.Request) (engine.Result, error) {
	person, ok := resourceParam(req.Params, "person_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("pattern check: person_id is required")
	}
	name := stringParam(req.Params, "name")
	secs, ok := floatParam(req.Params, "seconds")
	if name == "" || !ok || secs <= 0 {
		return engine.Result{}, fmt.Errorf("pattern check: name and seconds are required")
	}
	if d.Series == nil {
		return engine.Result{}, fmt.Errorf("pattern check: no time series configured")
	}

	points, err := d.Series.Points(ctx, ir.SeriesQuery{
		Source:  person,
		Name:    name,
		Since:   req.Now.Add(-time.Duration(secs * float64(time.Second))),
		Numeric: true,
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("pattern check %s: %w", name, err)
	}
	if len(points) < 2 {
		return engine.Result{}, nil
	}

	xs := make([]float64, len(points))
	ys := make([]float64, len(points))
	for i, p := range points {
		xs[i] = p.Time.Sub(points[0].Time).Hours()
		ys[i] = *p.Number
	}
	if xs[len(xs)-1] == 0 {
		return engine.Result{}, nil
	}
	_, slope := stat.LinearRegression(xs, ys, nil, false)

	maxT, hasMax := floatParam(req.Params, "max_threshold")
	minT, hasMin := floatParam(req.Params, "min_threshold")
	if (hasMax && slope > maxT) || (hasMin && slope < minT) {
		d.Logger.Info("pattern found", "resource", person, "name", name, "slope", slope)
		return engine.Result{ContextUpdate: map[string]any{
			"data": map[string]any{"pattern": PatternSlope, "slope": slope},
		}}, nil
	}
	return engine.Result{}, nil
}
