package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/careflow/internal/content"
	"github.com/roach88/careflow/internal/evalctx"
	"github.com/roach88/careflow/internal/history"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/ports"
	"github.com/roach88/careflow/internal/rules"
)

// DefaultHandlerTimeout bounds one handler invocation.
const DefaultHandlerTimeout = 10 * time.Second

// DefaultSystemGroup is the group whose policies apply to every event.
const DefaultSystemGroup = "system"

// Engager arms a person's engagement task after a batch.
// Implemented by scheduler.Scheduler.
type Engager interface {
	Engage(ctx context.Context, person ir.Document) (ir.TaskHandle, error)
}

// Engine dispatches events to policy actions.
//
// Thread-safety: Engine holds no per-event state and is safe for
// concurrent use. Each HandleEvent call builds its own context.
type Engine struct {
	docs     ports.DocumentStore
	runs     ports.AppendLog
	series   ports.TimeSeries
	messages ports.MessageLog
	handlers *Registry
	engager  Engager

	matcher  *rules.Matcher
	selector *content.Selector
	gate     *history.Gate
	params   *evalctx.ParamCache

	clock          ports.Clock
	logger         *slog.Logger
	systemGroup    string
	handlerTimeout time.Duration
	recordPoints   bool
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock sets the engine clock.
func WithClock(c ports.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithSystemGroup sets the id of the system-wide group.
func WithSystemGroup(id string) EngineOption {
	return func(e *Engine) {
		e.systemGroup = id
	}
}

// WithHandlerTimeout bounds each handler invocation.
//
// Default: 10s (DefaultHandlerTimeout)
func WithHandlerTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.handlerTimeout = d
	}
}

// WithTimeSeries sets the store the history template function reads.
// When record is true, data events are appended to it before the batch
// runs, so a reading is part of its own history window.
func WithTimeSeries(ts ports.TimeSeries, record bool) EngineOption {
	return func(e *Engine) {
		e.series = ts
		e.recordPoints = record
	}
}

// WithMessageLog records received and sent message rows at intake, for
// conversation queries.
func WithMessageLog(log ports.MessageLog) EngineOption {
	return func(e *Engine) {
		e.messages = log
	}
}

// WithEngager enables engagement rescheduling after each batch.
func WithEngager(g Engager) EngineOption {
	return func(e *Engine) {
		e.engager = g
	}
}

// WithContentSelector replaces the content selector (for a seeded random
// source in tests).
func WithContentSelector(s *content.Selector) EngineOption {
	return func(e *Engine) {
		e.selector = s
	}
}

// New creates an Engine.
func New(docs ports.DocumentStore, runs ports.AppendLog, handlers *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		docs:           docs,
		runs:           runs,
		handlers:       handlers,
		params:         &evalctx.ParamCache{},
		clock:          SystemClock{},
		logger:         slog.Default(),
		systemGroup:    DefaultSystemGroup,
		handlerTimeout: DefaultHandlerTimeout,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.matcher = rules.NewMatcher(rules.WithLogger(e.logger))
	e.gate = history.NewGate(runs, e.logger)
	if e.selector == nil {
		e.selector = content.NewSelector(content.WithLogger(e.logger))
	}
	return e
}

// Outcome is the result of processing one event.
type Outcome struct {
	// Resource is the resource runs were logged against.
	Resource ir.ResourceID `json:"resource"`

	// Report lists what each candidate did.
	Report BatchReport `json:"report"`

	// Context is the final evaluation context.
	Context map[string]any `json:"context"`

	// Engagement is the person's engagement task after the batch, if one
	// was (re)armed.
	Engagement *ir.TaskHandle `json:"engagement,omitempty"`
}

// HandleEvent processes one event end to end.
//
// Only intake errors and engagement scheduling failures are returned;
// per-action failures are recorded in the report. The outcome is non-nil
// whenever the batch ran, even if engagement scheduling then failed.
func (e *Engine) HandleEvent(ctx context.Context, ev ir.Event) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, newIntakeError("invalid event", err)
	}

	in, err := e.intake(ctx, ev)
	if err != nil {
		return nil, err
	}

	candidates, err := e.candidates(ctx, in)
	if err != nil {
		return nil, err
	}

	e.logger.Info("processing event",
		"channel", string(ev.Channel),
		"resource", in.resource.String(),
		"candidates", len(candidates),
	)

	report := e.RunBatch(ctx, in.ctx, candidates, in.resource)
	out := &Outcome{
		Resource: in.resource,
		Report:   report,
	}

	if handle, ok, err := e.engage(ctx, in); err != nil {
		out.Context = in.ctx.Data()
		return out, fmt.Errorf("engagement: %w", err)
	} else if ok {
		out.Engagement = &handle
	}

	out.Context = in.ctx.Data()
	return out, nil
}

// engage re-arms the person's engagement task when the person has none
// yet, or when the event is the engagement task firing.
func (e *Engine) engage(ctx context.Context, in *intake) (ir.TaskHandle, bool, error) {
	if e.engager == nil || in.person == nil {
		return ir.TaskHandle{}, false, nil
	}
	taskID, _ := in.person["task_id"].(string)
	if taskID != "" && in.status != ir.StatusEngage {
		return ir.TaskHandle{}, false, nil
	}
	handle, err := e.engager.Engage(ctx, in.person)
	if err != nil {
		return ir.TaskHandle{}, false, err
	}
	return handle, true, nil
}

func (e *Engine) newContext() *evalctx.Context {
	opts := []evalctx.Option{
		evalctx.WithClock(e.clock.Now),
		evalctx.WithLogger(e.logger),
	}
	if e.series != nil {
		opts = append(opts, evalctx.WithTimeSeries(e.series))
	}
	return evalctx.New(opts...)
}
