package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/careflow/internal/ir"
)

type fakeLog struct {
	rec   ir.RunRecord
	found bool
	err   error
	calls int
}

func (f *fakeLog) AppendRun(context.Context, ir.RunEntry) error { return nil }

func (f *fakeLog) LatestRun(context.Context, string, ir.ResourceID) (ir.RunRecord, bool, error) {
	f.calls++
	return f.rec, f.found, f.err
}

var person = ir.ResourceID{Type: ir.TypePerson, Value: "p1"}

func hold(secs int64) *int64 { return &secs }

func TestHeld_Boundary(t *testing.T) {
	last := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"inside window", last.Add(59 * time.Second), true},
		{"exactly at hold", last.Add(60 * time.Second), false},
		{"after window", last.Add(61 * time.Second), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Held(hold(60), last, tt.now))
		})
	}

	assert.False(t, Held(nil, last, last), "no hold configured")
	assert.False(t, Held(hold(60), time.Time{}, last), "never run")
}

func TestGate_Check(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	t.Run("held", func(t *testing.T) {
		log := &fakeLog{rec: ir.RunRecord{Time: now.Add(-time.Minute)}, found: true}
		d := NewGate(log, nil).Check(ctx, ir.Action{ID: "a", HoldSecs: hold(3600)}, person, now)
		assert.True(t, d.Held)
	})

	t.Run("content continuation without hold", func(t *testing.T) {
		log := &fakeLog{rec: ir.RunRecord{Time: now.Add(-time.Minute), ContentID: "2"}, found: true}
		a := ir.Action{ID: "a", ContentSelect: ir.ContentSelectSequential, Params: map[string]any{"content": []any{"x", "y"}}}
		d := NewGate(log, nil).Check(ctx, a, person, now)
		assert.False(t, d.Held)
		assert.Equal(t, "2", d.LastContentID)
	})

	t.Run("not consulted when unneeded", func(t *testing.T) {
		log := &fakeLog{found: true}
		a := ir.Action{ID: "a", ContentSelect: ir.ContentSelectRandom, Params: map[string]any{"content": []any{"x"}}}
		d := NewGate(log, nil).Check(ctx, a, person, now)
		assert.Equal(t, Decision{}, d)
		assert.Zero(t, log.calls)
	})

	t.Run("never run", func(t *testing.T) {
		d := NewGate(&fakeLog{}, nil).Check(ctx, ir.Action{ID: "a", HoldSecs: hold(3600)}, person, now)
		assert.Equal(t, Decision{}, d)
	})

	t.Run("query error is permissive", func(t *testing.T) {
		log := &fakeLog{err: errors.New("log unavailable")}
		d := NewGate(log, nil).Check(ctx, ir.Action{ID: "a", HoldSecs: hold(3600)}, person, now)
		assert.False(t, d.Held)
		assert.Equal(t, 1, log.calls)
	})

	t.Run("no resource", func(t *testing.T) {
		log := &fakeLog{found: true, rec: ir.RunRecord{Time: now}}
		d := NewGate(log, nil).Check(ctx, ir.Action{ID: "a", HoldSecs: hold(3600)}, ir.ResourceID{}, now)
		assert.False(t, d.Held)
		assert.Zero(t, log.calls)
	})
}
