package handlers

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/publish"
	"github.com/roach88/careflow/internal/store"
	"github.com/roach88/careflow/internal/testutil"
)

var (
	t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	ann    = ir.ResourceID{Type: ir.TypePerson, Value: "ann"}
	bob    = ir.ResourceID{Type: ir.TypePerson, Value: "bob"}
	carol  = ir.ResourceID{Type: ir.TypePerson, Value: "carol"}
	clinic = ir.ResourceID{Type: ir.TypeGroup, Value: "clinic"}
)

const (
	systemPhone = "+15559999"
	proxyPhone  = "+15558888"
	annPhone    = "+15550001"
	carolPhone  = "+15550003"
	clinicPhone = "+15557777"
)

type armCall struct {
	Parent ir.ResourceID
	Action ir.Action
	Delay  time.Duration
}

type runCall struct {
	Policy   string
	ActionID string
	Target   ir.ResourceID
	Delay    time.Duration
}

// fakeScheduler records arming requests and hands out sequential task ids.
type fakeScheduler struct {
	mu    sync.Mutex
	armed []armCall
	runs  []runCall
}

func (f *fakeScheduler) ArmAction(_ context.Context, parent ir.ResourceID, a ir.Action, delay time.Duration, _ *ir.ResourceID) (ir.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.armed = append(f.armed, armCall{Parent: parent, Action: a, Delay: delay})
	return ir.TaskHandle{ID: "task-armed"}, nil
}

func (f *fakeScheduler) RunLater(_ context.Context, policy, actionID string, target ir.ResourceID, delay time.Duration) (ir.TaskHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, runCall{Policy: policy, ActionID: actionID, Target: target, Delay: delay})
	return ir.TaskHandle{ID: "task-run"}, nil
}

type fixture struct {
	store *store.Store
	pub   *publish.Memory
	sched *fakeScheduler
	reg   *engine.Registry
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "handlers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store: s,
		pub:   publish.NewMemory(),
		sched: &fakeScheduler{},
		reg:   engine.NewRegistry(),
	}
	deps := Deps{
		Docs:        s,
		Series:      s,
		Publisher:   f.pub,
		Scheduler:   f.sched,
		Messages:    s,
		SystemPhone: systemPhone,
		ProxyPhones: []string{proxyPhone},
		IDs:         testutil.NewSequenceIDs("new"),
	}
	for _, m := range mutate {
		m(&deps)
	}
	Register(f.reg, deps)
	return f
}

// run invokes the handler registered for actionType.
func (f *fixture) run(t *testing.T, actionType string, params map[string]any) (engine.Result, error) {
	t.Helper()
	h, ok := f.reg.Get(actionType)
	require.True(t, ok, "handler %s registered", actionType)
	return h.Handle(context.Background(), engine.Request{
		Action:   ir.Action{ID: "act-1", Type: actionType, Params: params},
		Params:   params,
		Resource: ann,
		Now:      t0,
	})
}

func (f *fixture) putPerson(t *testing.T, id ir.ResourceID, phone string, extra ir.Document) {
	t.Helper()
	doc := ir.Document{}
	for k, v := range extra {
		doc[k] = v
	}
	if phone != "" {
		doc["identifiers"] = []any{map[string]any{"type": ir.TypePhone, "value": phone}}
	}
	require.NoError(t, f.store.PutResource(context.Background(), id, doc))
}

func (f *fixture) messages(t *testing.T) []ir.Message {
	t.Helper()
	var out []ir.Message
	for _, m := range f.pub.Published(DefaultMessageTopic) {
		var msg ir.Message
		require.NoError(t, json.Unmarshal(m.Payload, &msg))
		out = append(out, msg)
	}
	return out
}

func (f *fixture) dataRows(t *testing.T) []ir.DataEvent {
	t.Helper()
	var out []ir.DataEvent
	for _, m := range f.pub.Published(DefaultDataTopic) {
		var row ir.DataEvent
		require.NoError(t, json.Unmarshal(m.Payload, &row))
		out = append(out, row)
	}
	return out
}

// record stores published data rows as points, standing in for the data
// consumer.
func (f *fixture) record(t *testing.T) {
	t.Helper()
	for _, row := range f.dataRows(t) {
		require.NoError(t, f.store.AppendPoints(context.Background(), row.Points()))
	}
	f.pub.Reset()
}

func phone(v string) *ir.ResourceID {
	return &ir.ResourceID{Type: ir.TypePhone, Value: v}
}
