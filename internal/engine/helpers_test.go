package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/store"
	"github.com/roach88/careflow/internal/testutil"
)

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	ann      = ir.ResourceID{Type: ir.TypePerson, Value: "ann"}
	carol    = ir.ResourceID{Type: ir.TypePerson, Value: "carol"}
	clinic   = ir.ResourceID{Type: ir.TypeGroup, Value: "clinic"}
	system   = ir.ResourceID{Type: ir.TypeGroup, Value: DefaultSystemGroup}
	annPhone = ir.ResourceID{Type: ir.TypePhone, Value: "+15550001"}
	sysPhone = ir.ResourceID{Type: ir.TypePhone, Value: "+15559999"}
)

// recorder is a handler that records every request it receives.
type recorder struct {
	mu    sync.Mutex
	calls []Request
}

func (r *recorder) Handle(_ context.Context, req Request) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	return Result{}, nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		ids = append(ids, c.Action.ID)
	}
	return ids
}

func (r *recorder) last() Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type testEngine struct {
	*Engine
	store *store.Store
	clock *testutil.FixedClock
	rec   *recorder
	reg   *Registry
}

// newTestEngine builds an engine over a fresh SQLite store with these
// handler types registered:
//
//	Record  records the request
//	Patch   returns the content param as the context update
//	Fail    returns an error
//	Panic   panics
func newTestEngine(t *testing.T, opts ...EngineOption) *testEngine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	clock := testutil.NewFixedClock(t0)
	rec := &recorder{}
	reg := NewRegistry()
	reg.Register("Record", rec)
	reg.Register("Patch", HandlerFunc(func(_ context.Context, req Request) (Result, error) {
		update, _ := req.Params["content"].(map[string]any)
		return Result{ContextUpdate: update}, nil
	}))
	reg.Register("Fail", HandlerFunc(func(context.Context, Request) (Result, error) {
		return Result{}, errors.New("boom")
	}))
	reg.Register("Panic", HandlerFunc(func(context.Context, Request) (Result, error) {
		panic("kaboom")
	}))

	opts = append([]EngineOption{WithClock(clock), WithTimeSeries(s, true)}, opts...)
	return &testEngine{
		Engine: New(s, s, reg, opts...),
		store:  s,
		clock:  clock,
		rec:    rec,
		reg:    reg,
	}
}

// seedAnn stores ann (reachable by phone) as a member of clinic, which
// carries policies.
func (te *testEngine) seedAnn(t *testing.T, policies ...ir.Policy) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, te.store.PutResource(ctx, ann, ir.Document{
		"name":        "Ann",
		"task_id":     "existing",
		"identifiers": []any{map[string]any{"type": annPhone.Type, "value": annPhone.Value}},
	}))
	ids := make([]any, 0, len(policies))
	for _, p := range policies {
		require.NoError(t, te.store.PutPolicy(ctx, p))
		ids = append(ids, p.ID)
	}
	require.NoError(t, te.store.PutResource(ctx, clinic, ir.Document{"name": "Clinic", "policies": ids}))
	require.NoError(t, te.store.AddChild(ctx, clinic, ann))
}

func (te *testEngine) received(text string) ir.Event {
	sender, receiver := annPhone, sysPhone
	return ir.Event{Channel: ir.ChannelMessage, Message: &ir.Message{
		Time:     te.clock.Now(),
		Sender:   &sender,
		Receiver: &receiver,
		Status:   ir.StatusReceived,
		Content:  text,
	}}
}

func (te *testEngine) reading(name string, value float64) ir.Event {
	return ir.Event{Channel: ir.ChannelData, Data: &ir.DataEvent{
		Time:   te.clock.Now(),
		Source: ann,
		Data:   []ir.Reading{{Name: name, Number: ir.Float(value)}},
	}}
}

func (te *testEngine) handle(t *testing.T, ev ir.Event) *Outcome {
	t.Helper()
	out, err := te.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	require.NotNil(t, out)
	return out
}

func skipReasons(r BatchReport) map[string]string {
	out := make(map[string]string, len(r.Skipped))
	for _, s := range r.Skipped {
		out[s.ActionID] = s.Reason
	}
	return out
}

func int64Ptr(n int64) *int64 { return &n }
func intPtr(n int) *int { return &n }

// memLog is an in-memory AppendLog.
type memLog struct {
	mu      sync.Mutex
	entries []ir.RunEntry
}

func (l *memLog) AppendRun(_ context.Context, entry ir.RunEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memLog) LatestRun(_ context.Context, actionID string, resource ir.ResourceID) (ir.RunRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var rec ir.RunRecord
	found := false
	for _, e := range l.entries {
		hasAction, hasResource, content := false, false, ""
		for _, r := range e.Resources {
			switch {
			case r == resource:
				hasResource = true
			case r.Type == ir.TypeAction && r.Value == actionID:
				hasAction = true
			case r.Type == ir.TypeContent:
				content = r.Value
			}
		}
		if hasAction && hasResource && (!found || e.Time.After(rec.Time)) {
			rec = ir.RunRecord{Time: e.Time, ContentID: content}
			found = true
		}
	}
	return rec, found, nil
}
