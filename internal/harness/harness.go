package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/roach88/careflow/internal/compiler"
	"github.com/roach88/careflow/internal/content"
	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/evalctx"
	"github.com/roach88/careflow/internal/handlers"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/scheduler"
	"github.com/roach88/careflow/internal/store"
	"github.com/roach88/careflow/internal/taskq"
	"github.com/roach88/careflow/internal/testutil"
)

// maxLoopback bounds the rows fed back through the engine per step.
const maxLoopback = 64

// Harness is the test execution engine for one scenario.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	engine   *engine.Engine
	sched    *scheduler.Scheduler
	tasks    *taskq.Memory
	pub      *publish.Memory
	clock    *testutil.FixedClock
	logger   *slog.Logger

	// seen is the number of published rows already traced.
	seen int
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. The
// returned error covers setup and infrastructure failures; expectation
// and assertion failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h, err := newHarness(scenario, st)
	if err != nil {
		return nil, err
	}

	if err := h.loadPolicies(ctx); err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if err := h.setupResources(ctx); err != nil {
		return nil, fmt.Errorf("failed to set up resources: %w", err)
	}

	result := NewResult()
	if err := h.executeFlow(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	actx := &AssertionContext{Store: st, Publisher: h.pub, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	return result, nil
}

func newHarness(scenario *Scenario, st *store.Store) (*Harness, error) {
	start, err := scenario.StartTime()
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewFixedClock(start)
	pub := publish.NewMemory(publish.WithMemoryLogger(logger))
	ids := testutil.NewSequenceIDs("task")
	tasks := taskq.NewMemory(taskq.WithMemoryIDs(ids.NewID))

	sched := scheduler.New(tasks, st,
		scheduler.WithClock(clock),
		scheduler.WithLogger(logger),
		scheduler.WithPublisher(pub, handlers.DefaultMessageTopic),
	)

	reg := engine.NewRegistry()
	handlers.Register(reg, handlers.Deps{
		Docs:        st,
		Series:      st,
		Publisher:   pub,
		Scheduler:   sched,
		Messages:    st,
		SystemPhone: scenario.SystemPhone,
		ProxyPhones: scenario.ProxyPhones,
		IDs:         testutil.NewSequenceIDs("id"),
		Logger:      logger,
	})

	eng := engine.New(st, st, reg,
		engine.WithClock(clock),
		engine.WithLogger(logger),
		engine.WithTimeSeries(st, true),
		engine.WithMessageLog(st),
		engine.WithEngager(sched),
		engine.WithContentSelector(content.NewSelector(content.WithRand(firstIndex))),
	)

	return &Harness{
		scenario: scenario,
		store:    st,
		engine:   eng,
		sched:    sched,
		tasks:    tasks,
		pub:      pub,
		clock:    clock,
		logger:   logger,
	}, nil
}

// firstIndex makes random content selection pick the first entry.
func firstIndex(int) int { return 0 }

// loadPolicies compiles and stores every policy file.
func (h *Harness) loadPolicies(ctx context.Context) error {
	for _, path := range h.scenario.Policies {
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		loaded, errs := compiler.LoadString(string(src), compiler.LoadModeCollectAll)
		if len(errs) > 0 {
			msgs := make([]string, len(errs))
			for i, e := range errs {
				msgs[i] = e.Error()
			}
			return fmt.Errorf("%s: %s", path, strings.Join(msgs, "; "))
		}
		for _, p := range loaded.Policies {
			if err := h.store.PutPolicy(ctx, p); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
	}
	return nil
}

// setupResources stores resource documents, relations, own actions and
// seed readings. Scheduled own actions are armed like CreateAction does.
func (h *Harness) setupResources(ctx context.Context) error {
	now := h.clock.Now()
	for _, r := range h.scenario.Resources {
		id, _ := ir.ParseResourceID(r.ID)

		doc, err := ir.NormalizeMap(r.Doc)
		if err != nil {
			return fmt.Errorf("%s: %w", r.ID, err)
		}
		if err := h.store.PutResource(ctx, id, doc); err != nil {
			return err
		}

		for _, p := range r.Parents {
			parent, _ := ir.ParseResourceID(p)
			if err := h.store.AddChild(ctx, parent, id); err != nil {
				return err
			}
		}

		for i, m := range r.Actions {
			norm, err := ir.NormalizeMap(m)
			if err != nil {
				return fmt.Errorf("%s actions[%d]: %w", r.ID, i, err)
			}
			a, err := ir.ActionFromMap(norm)
			if err != nil {
				return fmt.Errorf("%s actions[%d]: %w", r.ID, i, err)
			}
			if errs := compiler.ValidateAction(a); len(errs) > 0 {
				return fmt.Errorf("%s actions[%d]: %s", r.ID, i, errs[0].Error())
			}
			if a.IsScheduled() {
				handle, err := h.sched.ArmAction(ctx, id, a, 0, nil)
				if err != nil {
					return fmt.Errorf("%s: arm %s: %w", r.ID, a.ID, err)
				}
				a.TaskID = handle.ID
			}
			if err := h.store.PutAction(ctx, id, a); err != nil {
				return err
			}
		}

		if len(r.Points) > 0 {
			points := make([]ir.DataPoint, 0, len(r.Points))
			for _, p := range r.Points {
				ago, _ := evalctx.ParseDurationSpec(p.Ago)
				points = append(points, ir.DataPoint{
					Time:   now.Add(-ago),
					Source: id,
					Name:   p.Name,
					Number: p.Number,
					Value:  p.Value,
					Tags:   p.Tags,
				})
			}
			if err := h.store.AppendPoints(ctx, points); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeFlow runs all flow steps and validates expect clauses.
func (h *Harness) executeFlow(ctx context.Context, result *Result) error {
	for i, step := range h.scenario.Flow {
		if step.After != "" {
			d, _ := evalctx.ParseDurationSpec(step.After)
			h.clock.Advance(d)
		}

		var (
			out *engine.Outcome
			err error
		)
		switch {
		case step.Deliver:
			err = h.deliverDue(ctx, i, result)
		case step.Message != nil:
			out, err = h.handleRow(ctx, i, ir.ChannelMessage, step.Message, result)
		case step.Data != nil:
			out, err = h.handleRow(ctx, i, ir.ChannelData, step.Data, result)
		}
		if err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}

		if err := h.drain(ctx, i, result); err != nil {
			return fmt.Errorf("flow step %d: %w", i, err)
		}

		if step.Expect != nil {
			h.checkExpect(i, step.Expect, out, result)
		}

		h.logger.Info("flow step completed", "step", i, "now", h.clock.Now())
	}
	return nil
}

// handleRow decodes a scenario row into an event and runs it.
func (h *Harness) handleRow(ctx context.Context, step int, ch ir.Channel, row map[string]any, result *Result) (*engine.Outcome, error) {
	norm, err := ir.NormalizeMap(row)
	if err != nil {
		return nil, err
	}
	if _, ok := norm["time"]; !ok {
		norm["time"] = h.clock.Now().Format(time.RFC3339Nano)
	}
	if _, ok := norm["status"]; !ok && ch == ir.ChannelMessage {
		norm["status"] = ir.StatusReceived
	}
	payload, err := json.Marshal(norm)
	if err != nil {
		return nil, err
	}
	ev, err := ir.DecodeEvent(ch, payload)
	if err != nil {
		return nil, err
	}

	out, err := h.engine.HandleEvent(ctx, ev)
	if out != nil {
		recordOutcome(step, out, result)
		result.Contexts[step] = out.Context
	}
	return out, err
}

// deliverDue claims every task due now and delivers it.
func (h *Harness) deliverDue(ctx context.Context, step int, result *Result) error {
	due, err := h.tasks.Claim(ctx, h.clock.Now(), 0)
	if err != nil {
		return err
	}
	for _, task := range due {
		d, err := h.sched.Deliver(ctx, task.Payload)
		if err != nil {
			return fmt.Errorf("deliver %s: %w", task.ID, err)
		}
		ev := TraceEvent{
			Type:       TraceDelivered,
			Step:       step,
			ActionID:   d.ActionID,
			Recipients: []string{},
		}
		switch {
		case d.Missing:
			ev.Reason = "missing"
		case d.Deleted:
			ev.Reason = "exhausted"
		case d.ActionID == "":
			ev.Reason = "engage"
		}
		for _, r := range d.Recipients {
			ev.Recipients = append(ev.Recipients, r.String())
		}
		result.add(ev)
	}
	return nil
}

// drain traces newly published rows and feeds them back where the
// running service would consume them. Internal and engage messages from
// the scheduler always loop back; other rows only when the scenario
// enables loopback. Without loopback, data rows are recorded as points.
func (h *Harness) drain(ctx context.Context, step int, result *Result) error {
	for fed := 0; ; {
		rows := h.pub.Published("")
		if h.seen >= len(rows) {
			return nil
		}
		msg := rows[h.seen]
		h.seen++

		var payload map[string]any
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s row: %w", msg.Topic, err)
		}
		result.add(TraceEvent{
			Type:    TracePublished,
			Step:    step,
			Topic:   msg.Topic,
			Payload: payload,
		})

		ch := ir.ChannelMessage
		if msg.Topic == handlers.DefaultDataTopic {
			ch = ir.ChannelData
		}
		ev, err := ir.DecodeEvent(ch, msg.Payload)
		if err != nil {
			return err
		}

		scheduled := ev.Message != nil &&
			(ev.Message.Status == ir.StatusInternal || ev.Message.Status == ir.StatusEngage)
		if !scheduled && !h.scenario.Loopback {
			if ev.Data != nil {
				if err := h.store.AppendPoints(ctx, ev.Data.Points()); err != nil {
					return err
				}
			}
			continue
		}

		if fed++; fed > maxLoopback {
			return fmt.Errorf("more than %d rows fed back in one step", maxLoopback)
		}
		out, err := h.engine.HandleEvent(ctx, ev)
		if out != nil {
			recordOutcome(step, out, result)
		}
		if err != nil {
			return err
		}
	}
}

func recordOutcome(step int, out *engine.Outcome, result *Result) {
	for _, f := range out.Report.Fired {
		result.add(TraceEvent{
			Type:          TraceFired,
			Step:          step,
			ActionID:      f.ActionID,
			ContentID:     f.ContentID,
			ContextUpdate: f.ContextUpdate,
		})
	}
	for _, s := range out.Report.Skipped {
		result.add(TraceEvent{
			Type:     TraceSkipped,
			Step:     step,
			ActionID: s.ActionID,
			Reason:   s.Reason,
		})
	}
	for _, f := range out.Report.Failed {
		result.add(TraceEvent{
			Type:     TraceFailed,
			Step:     step,
			ActionID: f.ActionID,
			Error:    f.Error,
		})
	}
}

// checkExpect validates a step's expect clause against the trace events
// the step produced.
func (h *Harness) checkExpect(step int, expect *ExpectClause, out *engine.Outcome, result *Result) {
	var fired, skipped, failed []string
	for _, ev := range result.Trace {
		if ev.Step != step {
			continue
		}
		switch ev.Type {
		case TraceFired:
			fired = append(fired, ev.ActionID)
		case TraceSkipped:
			skipped = append(skipped, ev.ActionID)
		case TraceFailed:
			failed = append(failed, ev.ActionID)
		}
	}

	if expect.Quiet && len(fired) > 0 {
		result.AddError(fmt.Sprintf("step %d: expected no actions to fire, got %v", step, fired))
	}
	if len(expect.Fired) > 0 && !slices.Equal(expect.Fired, fired) {
		result.AddError(fmt.Sprintf("step %d: expected fired %v, got %v", step, expect.Fired, fired))
	}
	for _, id := range expect.Skipped {
		if !slices.Contains(skipped, id) {
			result.AddError(fmt.Sprintf("step %d: expected %s to be skipped, skipped %v", step, id, skipped))
		}
	}
	for _, id := range expect.Failed {
		if !slices.Contains(failed, id) {
			result.AddError(fmt.Sprintf("step %d: expected %s to fail, failed %v", step, id, failed))
		}
	}

	if len(expect.Context) > 0 {
		if out == nil {
			result.AddError(fmt.Sprintf("step %d: context expected but the step produced no outcome", step))
			return
		}
		want, err := ir.NormalizeMap(expect.Context)
		if err != nil {
			result.AddError(fmt.Sprintf("step %d: context: %v", step, err))
			return
		}
		got, err := ir.NormalizeMap(out.Context)
		if err != nil {
			result.AddError(fmt.Sprintf("step %d: context: %v", step, err))
			return
		}
		if diff := subsetDiff(want, got); diff != "" {
			result.AddError(fmt.Sprintf("step %d: context mismatch: %s", step, diff))
		}
	}
}
